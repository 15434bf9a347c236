package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

const retryColumns = `id, case_id, attempt, next_attempt_at, payload_json, last_error, created_at, completed_at`

// EnqueueRetry schedules a submission retry. Assigns an id when empty.
func (s *Store) EnqueueRetry(ctx context.Context, item *contracts.RetryItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CaseID == "" {
		return fmt.Errorf("state: enqueue retry: case_id is required")
	}
	if item.Attempt < 1 {
		return fmt.Errorf("state: enqueue retry: attempt starts at 1")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	payloadJSON := ""
	if len(item.Payload) > 0 {
		b, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("state: marshal retry payload: %w", err)
		}
		payloadJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO retry_queue (id, case_id, attempt, next_attempt_at, payload_json, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		item.ID, item.CaseID, item.Attempt, fmtTime(item.NextAttemptAt),
		payloadJSON, item.LastError, fmtTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("state: enqueue retry: %w", err)
	}
	return nil
}

// ClaimDueRetries leases up to limit due retry items for the given worker.
// A claimed item stays invisible to other workers until the lease expires or
// CompleteRetry removes it from the queue.
func (s *Store) ClaimDueRetries(ctx context.Context, workerID string, ttl time.Duration, limit int) ([]contracts.RetryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("state: claim retries: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	locking := ""
	if s.dialect == DialectPostgres {
		locking = " FOR UPDATE SKIP LOCKED"
	}
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT `+retryColumns+` FROM retry_queue
		WHERE completed_at = '' AND next_attempt_at <= ?
		  AND (leased_until = '' OR leased_until < ?)
		ORDER BY next_attempt_at ASC
		LIMIT ?`+locking),
		fmtTime(now), fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("state: claim retries: select: %w", err)
	}
	var claimed []contracts.RetryItem
	for rows.Next() {
		item, err := scanRetry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, *item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("state: claim retries: iterate: %w", err)
	}
	rows.Close()
	if len(claimed) == 0 {
		return nil, nil
	}

	until := fmtTime(now.Add(ttl))
	stmt := s.rebind(`
		UPDATE retry_queue SET leased_by = ?, leased_until = ?
		WHERE id = ? AND (leased_until = '' OR leased_until < ?)`)
	kept := claimed[:0]
	for _, item := range claimed {
		res, err := tx.ExecContext(ctx, stmt, workerID, until, item.ID, fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("state: claim retries: lease %s: %w", item.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			kept = append(kept, item)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("state: claim retries: commit: %w", err)
	}
	return kept, nil
}

// CompleteRetry marks a retry item done.
func (s *Store) CompleteRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE retry_queue SET completed_at = ?, leased_by = '', leased_until = '' WHERE id = ?`),
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("state: complete retry: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// RescheduleRetry bumps the attempt counter and pushes the next attempt out.
func (s *Store) RescheduleRetry(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE retry_queue SET attempt = ?, next_attempt_at = ?, last_error = ?,
			leased_by = '', leased_until = ''
		WHERE id = ?`),
		attempt, fmtTime(nextAttemptAt), lastError, id)
	if err != nil {
		return fmt.Errorf("state: reschedule retry: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// PendingRetryForCase returns the open retry item of a case, or ErrNotFound.
func (s *Store) PendingRetryForCase(ctx context.Context, caseID string) (*contracts.RetryItem, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+retryColumns+` FROM retry_queue
		WHERE case_id = ? AND completed_at = ''
		ORDER BY created_at DESC LIMIT 1`), caseID)
	item, err := scanRetry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func scanRetry(row rowScanner) (*contracts.RetryItem, error) {
	var item contracts.RetryItem
	var nextAt, payloadJSON, createdAt, completedAt string
	err := row.Scan(&item.ID, &item.CaseID, &item.Attempt, &nextAt,
		&payloadJSON, &item.LastError, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan retry: %w", err)
	}
	item.NextAttemptAt = parseWireTime(nextAt)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
			return nil, fmt.Errorf("state: unmarshal retry payload: %w", err)
		}
	}
	item.CreatedAt = parseWireTime(createdAt)
	item.CompletedAt = timePtr(completedAt)
	return &item, nil
}
