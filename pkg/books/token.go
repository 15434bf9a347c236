package books

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/secrets"
)

// refreshSkew is subtracted from the reported lifetime so a token is never
// presented moments before it expires server-side.
const refreshSkew = 300 * time.Second

// AuthError is a failed token refresh. It carries the OAuth error code,
// never any credential material.
type AuthError struct {
	Status int
	Code   string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("books: token refresh failed: status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("books: token refresh failed: status %d", e.Status)
}

// Transient reports whether the refresh is worth retrying. Rejected
// credentials are not; a wobbling token host is.
func (e *AuthError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// tokenSource caches one access token and refreshes it on demand. The mutex
// is held across the refresh call so concurrent callers coalesce into a
// single request against the token host.
type tokenSource struct {
	accountsURL string
	source      SecretSource
	httpc       *http.Client
	now         func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenSource(accountsURL string, source SecretSource, httpc *http.Client) *tokenSource {
	return &tokenSource{
		accountsURL: strings.TrimRight(accountsURL, "/"),
		source:      source,
		httpc:       httpc,
		now:         time.Now,
	}
}

// Token returns a cached access token, refreshing it first when missing or
// within the expiry skew.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expiry) {
		return t.token, nil
	}
	return t.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next Token call refreshes. Used
// after the API rejects a token the cache still believed in.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiry = time.Time{}
	t.mu.Unlock()
}

func (t *tokenSource) refreshLocked(ctx context.Context) (string, error) {
	clientID, err := t.source.Get(ctx, secrets.ZohoClientID)
	if err != nil {
		return "", fmt.Errorf("books: load client id: %w", err)
	}
	clientSecret, err := t.source.Get(ctx, secrets.ZohoClientSecret)
	if err != nil {
		return "", fmt.Errorf("books: load client secret: %w", err)
	}
	refreshToken, err := t.source.Get(ctx, secrets.ZohoRefreshToken)
	if err != nil {
		return "", fmt.Errorf("books: load refresh token: %w", err)
	}

	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.accountsURL+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("books: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("books: token refresh: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var wire struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&wire)

	if resp.StatusCode != http.StatusOK {
		authErr := &AuthError{Status: resp.StatusCode}
		if decodeErr == nil {
			authErr.Code = wire.Error
		}
		return "", authErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("books: decode token response: %w", decodeErr)
	}
	if wire.Error != "" || wire.AccessToken == "" {
		return "", &AuthError{Status: resp.StatusCode, Code: wire.Error}
	}

	lifetime := time.Duration(wire.ExpiresIn) * time.Second
	if lifetime > refreshSkew {
		lifetime -= refreshSkew
	} else {
		lifetime /= 2
	}
	t.token = wire.AccessToken
	t.expiry = t.now().Add(lifetime)
	return t.token, nil
}
