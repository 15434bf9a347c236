package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// toolClient talks to the daemon's HTTP surface. One correlation id spans
// every request of a single CLI invocation so daemon logs can be grepped.
type toolClient struct {
	server      string
	key         string // X-Subscription-Key for /tools/*
	token       string // bearer token for /cases/*
	correlation string
	hc          *http.Client
}

func newToolClient(server, key, token string) *toolClient {
	return &toolClient{
		server:      strings.TrimRight(server, "/"),
		key:         key,
		token:       token,
		correlation: uuid.New().String(),
		hc:          &http.Client{Timeout: 2 * time.Minute},
	}
}

// postJSON posts a JSON body and returns the status code and response body.
func (c *toolClient) postJSON(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// get issues a GET and returns the status code and response body.
func (c *toolClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *toolClient) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("x-correlation-id", c.correlation)
	if c.key != "" {
		req.Header.Set("X-Subscription-Key", c.key)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// problemText extracts the RFC 7807 title and detail from an error body,
// falling back to the raw body when it is not a problem document.
func problemText(body []byte) string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &p); err != nil || p.Title == "" {
		return strings.TrimSpace(string(body))
	}
	if p.Detail == "" {
		return p.Title
	}
	return p.Title + ": " + p.Detail
}

// exitForStatus maps an HTTP status onto the CLI exit-code contract. Rate
// limits and server errors are transient; other 4xx are validation failures.
func exitForStatus(status int) int {
	switch {
	case status >= 200 && status < 300:
		return exitOK
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return exitAuth
	case status == http.StatusTooManyRequests || status >= 500:
		return exitTransient
	case status >= 400:
		return exitValidation
	default:
		return exitFatal
	}
}

// reportFailure prints a non-2xx response to stderr and returns its exit code.
func (c *toolClient) reportFailure(stderr io.Writer, status int, body []byte) int {
	_, _ = fmt.Fprintf(stderr, "Error: %s (status %d, correlation %s)\n", problemText(body), status, c.correlation)
	return exitForStatus(status)
}

// printJSON pretty-prints a JSON body, passing it through untouched when it
// cannot be re-indented.
func printJSON(w io.Writer, body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, _ = w.Write(body)
		_, _ = fmt.Fprintln(w)
		return
	}
	_, _ = buf.WriteTo(w)
	_, _ = fmt.Fprintln(w)
}
