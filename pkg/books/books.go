// Package books is the client for the external accounting system's REST
// API: OAuth refresh-token auth, draft sales order creation, and the
// customer/item feeds behind the catalog cache. Access tokens live only in
// memory and are never logged or carried in errors.
package books

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/observability"
)

// SecretSource supplies integration credentials by name.
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// Config locates the accounting API.
type Config struct {
	BaseURL     string        // books API root, e.g. https://www.zohoapis.com/books/v3
	AccountsURL string        // OAuth token host, e.g. https://accounts.zoho.com
	OrgID       string        // organization scope for every call
	Timeout     time.Duration // per-request budget
}

// Client talks to the accounting API.
type Client struct {
	baseURL string
	orgID   string
	httpc   *http.Client
	tokens  *tokenSource
	log     *slog.Logger
}

// New builds a client. Credentials come from the secret source at refresh
// time, so rotation needs no restart.
func New(cfg Config, source SecretSource) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.zohoapis.com/books/v3"
	}
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = "https://accounts.zoho.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		baseURL: cfg.BaseURL,
		orgID:   cfg.OrgID,
		httpc:   httpc,
		tokens:  newTokenSource(cfg.AccountsURL, source, httpc),
		log:     observability.Component("books"),
	}
}

// APIError is a non-2xx response from the accounting API. Message is the
// API's own operational text, never request content.
type APIError struct {
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("books: status %d code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("books: status %d", e.Status)
}

// Transient reports whether the call is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Transient classifies an error from this package for retry decisions:
// rate limits, server errors, and transport failures are retriable; other
// API rejections and auth failures are not.
func Transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Transient()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// RetryAfter returns the server-requested backoff, if the error carries one.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// envelope is the API's uniform response wrapper.
type envelope struct {
	Code        int             `json:"code"`
	Message     string          `json:"message"`
	SalesOrder  json.RawMessage `json:"salesorder"`
	Contacts    json.RawMessage `json:"contacts"`
	Items       json.RawMessage `json:"items"`
	PageContext struct {
		Page        int  `json:"page"`
		HasMorePage bool `json:"has_more_page"`
	} `json:"page_context"`
}

// do performs one authenticated call, re-authenticating once on 401. The
// second 401 surfaces as the error; there is no refresh loop.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("books: marshal request: %w", err)
		}
	}

	env, status, err := c.attempt(ctx, method, path, query, payload)
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
		c.log.InfoContext(ctx, "re-authenticating after 401", "path", path)
		env, _, err = c.attempt(ctx, method, path, query, payload)
	}
	return env, err
}

func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, payload []byte) (*envelope, int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, err
	}

	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("organization_id", c.orgID)

	var body *bytes.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), body)
	if err != nil {
		return nil, 0, fmt.Errorf("books: create request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		}
		return nil, resp.StatusCode, apiErr
	}
	if decodeErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("books: decode response: %w", decodeErr)
	}
	if env.Code != 0 {
		return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return &env, resp.StatusCode, nil
}

// parseRetryAfter handles both the delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
