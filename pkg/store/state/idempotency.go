package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CachedResponse is a replayable response stored under an idempotency key.
type CachedResponse struct {
	StatusCode int
	Body       []byte
}

// LookupIdempotent returns the cached response for a key and endpoint, or
// ErrNotFound when absent or expired.
func (s *Store) LookupIdempotent(ctx context.Context, key, endpoint string) (*CachedResponse, error) {
	var status int
	var body, expiresAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT status_code, response_body, expires_at
		FROM idempotency_keys WHERE key = ? AND endpoint = ?`), key, endpoint).
		Scan(&status, &body, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: lookup idempotent: %w", err)
	}
	if exp := parseWireTime(expiresAt); !exp.IsZero() && exp.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return &CachedResponse{StatusCode: status, Body: []byte(body)}, nil
}

// StoreIdempotent caches a response under a key and endpoint. The first write
// wins; replays of the same key keep returning the original response until it
// expires.
func (s *Store) StoreIdempotent(ctx context.Context, key, endpoint string, statusCode int, body []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO idempotency_keys (key, endpoint, status_code, response_body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key, endpoint) DO NOTHING`),
		key, endpoint, statusCode, string(body), fmtTime(now), fmtTime(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("state: store idempotent: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes expired idempotency rows. Run periodically.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM idempotency_keys WHERE expires_at < ?`), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("state: purge idempotency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("state: purge idempotency: %w", err)
	}
	return n, nil
}
