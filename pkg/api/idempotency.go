package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// IdempotencyStore persists responses for replay. *state.Store satisfies it,
// so replays survive restarts along with everything else about a case.
type IdempotencyStore interface {
	LookupIdempotent(ctx context.Context, key, endpoint string) (*state.CachedResponse, error)
	StoreIdempotent(ctx context.Context, key, endpoint string, statusCode int, body []byte, ttl time.Duration) error
}

// responseCapture wraps http.ResponseWriter to keep a copy of the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key instead of re-running the handler. Only successful (2xx)
// responses are stored; a failed attempt may be retried with the same key.
// Keys are scoped per method and path.
func IdempotencyMiddleware(store IdempotencyStore, ttl time.Duration) Middleware {
	logger := observability.Component("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			endpoint := r.Method + " " + r.URL.Path

			cached, err := store.LookupIdempotent(r.Context(), key, endpoint)
			if err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}
			if !errors.Is(err, state.ErrNotFound) {
				logger.Warn("idempotency lookup failed", "error", err)
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := store.StoreIdempotent(r.Context(), key, endpoint,
					capture.statusCode, capture.body.Bytes(), ttl); err != nil {
					logger.Warn("idempotency store failed", "error", err)
				}
			}
		})
	}
}
