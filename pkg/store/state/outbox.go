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

const outboxColumns = `id, case_id, event_type, payload_json, created_at, processed_at`

// EnqueueOutbox schedules a notification for asynchronous delivery. Re-runs
// with the same id are idempotent.
func (s *Store) EnqueueOutbox(ctx context.Context, e *contracts.OutboxEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: enqueue outbox: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := enqueueOutboxTx(ctx, tx, s, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: enqueue outbox: commit: %w", err)
	}
	return nil
}

func enqueueOutboxTx(ctx context.Context, tx *sql.Tx, s *Store, e *contracts.OutboxEntry) error {
	if !e.Type.Valid() {
		return fmt.Errorf("state: enqueue outbox: unknown event type %q", e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	payloadJSON := ""
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("state: marshal outbox payload: %w", err)
		}
		payloadJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO outbox (id, case_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		e.ID, e.CaseID, string(e.Type), payloadJSON, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("state: enqueue outbox: %w", err)
	}
	return nil
}

// ListPendingOutbox returns unprocessed entries oldest first.
func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]contracts.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE processed_at = ''
		ORDER BY created_at ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("state: list pending outbox: %w", err)
	}
	defer rows.Close()

	var out []contracts.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate outbox: %w", err)
	}
	return out, nil
}

// MarkOutboxProcessed stamps an entry as delivered.
func (s *Store) MarkOutboxProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE outbox SET processed_at = ? WHERE id = ? AND processed_at = ''`),
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("state: mark outbox processed: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// ListOutboxForCase returns all outbox entries of a case, oldest first.
func (s *Store) ListOutboxForCase(ctx context.Context, caseID string) ([]contracts.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+outboxColumns+` FROM outbox WHERE case_id = ? ORDER BY created_at ASC`), caseID)
	if err != nil {
		return nil, fmt.Errorf("state: list outbox for case: %w", err)
	}
	defer rows.Close()

	var out []contracts.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate outbox: %w", err)
	}
	return out, nil
}

func scanOutbox(row rowScanner) (*contracts.OutboxEntry, error) {
	var e contracts.OutboxEntry
	var evType, payloadJSON, createdAt, processedAt string
	err := row.Scan(&e.ID, &e.CaseID, &evType, &payloadJSON, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan outbox: %w", err)
	}
	e.Type = contracts.OutboxEventType(evType)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("state: unmarshal outbox payload: %w", err)
		}
	}
	e.CreatedAt = parseWireTime(createdAt)
	e.ProcessedAt = timePtr(processedAt)
	return &e, nil
}
