package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

const eventColumns = `event_id, case_id, sequence, timestamp, event_type, status_after,
	actor_json, data_json, pointers_json, redactions_json, prev_hash, hash`

// AppendEvent assigns the next per-case sequence number, links and seals the
// hash chain, and inserts the event. Sequence numbers start at 1 and are
// gap-free; losing an append race returns ErrSequenceConflict.
func (s *Store) AppendEvent(ctx context.Context, ev *contracts.AuditEvent) error {
	return s.AppendEventWithOutbox(ctx, ev)
}

// AppendEventWithOutbox appends an event and schedules outbox entries in the
// same transaction, so downstream notifications cannot be lost between the
// state change and the enqueue.
func (s *Store) AppendEventWithOutbox(ctx context.Context, ev *contracts.AuditEvent, entries ...contracts.OutboxEntry) error {
	if ev.CaseID == "" {
		return fmt.Errorf("state: append event: case_id is required")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: append event: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	head := `SELECT sequence, hash FROM case_events WHERE case_id = ? ORDER BY sequence DESC LIMIT 1`
	if s.dialect == DialectPostgres {
		head += " FOR UPDATE"
	}
	var lastSeq int64
	var lastHash string
	err = tx.QueryRowContext(ctx, s.rebind(head), ev.CaseID).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("state: append event: read head: %w", err)
	}

	ev.Sequence = lastSeq + 1
	ev.PrevHash = lastHash
	if err := ev.Seal(); err != nil {
		return fmt.Errorf("state: append event: %w", err)
	}

	actorJSON, dataJSON, pointersJSON, redactionsJSON, err := marshalEventBlobs(ev)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO case_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id, sequence) DO NOTHING`),
		ev.EventID, ev.CaseID, ev.Sequence, fmtTime(ev.Timestamp), string(ev.Type),
		string(ev.StatusAfter), actorJSON, dataJSON, pointersJSON, redactionsJSON, ev.PrevHash, ev.Hash)
	if err != nil {
		return fmt.Errorf("state: append event: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: append event: %w", err)
	}
	if n == 0 {
		return ErrSequenceConflict
	}

	for i := range entries {
		if err := enqueueOutboxTx(ctx, tx, s, &entries[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: append event: commit: %w", err)
	}
	return nil
}

// ListEvents returns a case's event log in sequence order.
func (s *Store) ListEvents(ctx context.Context, caseID string) ([]contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM case_events WHERE case_id = ? ORDER BY sequence ASC`), caseID)
	if err != nil {
		return nil, fmt.Errorf("state: list events: %w", err)
	}
	defer rows.Close()

	var out []contracts.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate events: %w", err)
	}
	return out, nil
}

// LatestEvent returns the newest event of a case, or ErrNotFound for an empty
// log. Replay after restart starts here.
func (s *Store) LatestEvent(ctx context.Context, caseID string) (*contracts.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM case_events WHERE case_id = ? ORDER BY sequence DESC LIMIT 1`), caseID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// VerifyCaseChain replays a case's event log and checks sequence continuity
// and hash linkage.
func (s *Store) VerifyCaseChain(ctx context.Context, caseID string) error {
	events, err := s.ListEvents(ctx, caseID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return ErrNotFound
	}
	return contracts.VerifyChain(events)
}

func marshalEventBlobs(ev *contracts.AuditEvent) (actorJSON, dataJSON, pointersJSON, redactionsJSON string, err error) {
	a, err := json.Marshal(ev.Actor)
	if err != nil {
		return "", "", "", "", fmt.Errorf("state: marshal actor: %w", err)
	}
	actorJSON = string(a)
	if len(ev.Data) > 0 {
		d, err := json.Marshal(ev.Data)
		if err != nil {
			return "", "", "", "", fmt.Errorf("state: marshal event data: %w", err)
		}
		dataJSON = string(d)
	}
	if len(ev.Pointers) > 0 {
		p, err := json.Marshal(ev.Pointers)
		if err != nil {
			return "", "", "", "", fmt.Errorf("state: marshal event pointers: %w", err)
		}
		pointersJSON = string(p)
	}
	if len(ev.Redactions) > 0 {
		r, err := json.Marshal(ev.Redactions)
		if err != nil {
			return "", "", "", "", fmt.Errorf("state: marshal event redactions: %w", err)
		}
		redactionsJSON = string(r)
	}
	return actorJSON, dataJSON, pointersJSON, redactionsJSON, nil
}

func scanEvent(row rowScanner) (*contracts.AuditEvent, error) {
	var ev contracts.AuditEvent
	var ts, evType, statusAfter, actorJSON, dataJSON, pointersJSON, redactionsJSON string
	err := row.Scan(&ev.EventID, &ev.CaseID, &ev.Sequence, &ts, &evType, &statusAfter,
		&actorJSON, &dataJSON, &pointersJSON, &redactionsJSON, &ev.PrevHash, &ev.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan event: %w", err)
	}
	ev.Timestamp = parseWireTime(ts)
	ev.Type = contracts.EventType(evType)
	ev.StatusAfter = contracts.CaseStatus(statusAfter)
	if actorJSON != "" {
		if err := json.Unmarshal([]byte(actorJSON), &ev.Actor); err != nil {
			return nil, fmt.Errorf("state: unmarshal actor: %w", err)
		}
	}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &ev.Data); err != nil {
			return nil, fmt.Errorf("state: unmarshal event data: %w", err)
		}
	}
	if pointersJSON != "" {
		if err := json.Unmarshal([]byte(pointersJSON), &ev.Pointers); err != nil {
			return nil, fmt.Errorf("state: unmarshal event pointers: %w", err)
		}
	}
	if redactionsJSON != "" {
		if err := json.Unmarshal([]byte(redactionsJSON), &ev.Redactions); err != nil {
			return nil, fmt.Errorf("state: unmarshal event redactions: %w", err)
		}
	}
	return &ev, nil
}
