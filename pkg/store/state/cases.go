package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

const caseColumns = `case_id, tenant_id, uploader_id, conversation_id, file_name, file_hash,
	status, correlation_id, resolved_customer_id, resolved_customer_name, external_order_id,
	wait_deadline, created_at, updated_at, leased_by, leased_until`

// CreateCase inserts a new case. When the case already exists the insert is a
// no-op and created is false, so concurrent uploads of the same case_id race
// safely: exactly one caller creates.
func (s *Store) CreateCase(ctx context.Context, c *contracts.Case) (created bool, err error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id) DO NOTHING`),
		c.CaseID, c.TenantID, c.UploaderID, c.ConversationID, c.FileName, c.FileHash,
		string(c.Status), c.CorrelationID, c.ResolvedCustomerID, c.ResolvedCustomerName,
		c.ExternalOrderID, fmtTimePtr(c.WaitDeadline), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
		c.LeasedBy, fmtTimePtr(c.LeasedUntil))
	if err != nil {
		return false, fmt.Errorf("state: create case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: create case: %w", err)
	}
	return n == 1, nil
}

// GetCase loads a case by id.
func (s *Store) GetCase(ctx context.Context, caseID string) (*contracts.Case, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+caseColumns+` FROM cases WHERE case_id = ?`), caseID)
	return scanCase(row)
}

// UpdateStatus moves a case from one status to another. The from status is an
// optimistic guard: a stale worker gets ErrConflict instead of clobbering a
// transition that already happened.
func (s *Store) UpdateStatus(ctx context.Context, caseID string, from, to contracts.CaseStatus) error {
	if !contracts.CanTransition(from, to) {
		return fmt.Errorf("state: illegal transition %s -> %s: %w", from, to, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cases SET status = ?, updated_at = ? WHERE case_id = ? AND status = ?`),
		string(to), fmtTime(time.Now()), caseID, string(from))
	if err != nil {
		return fmt.Errorf("state: update status: %w", err)
	}
	return s.oneRowOr(res, ErrConflict)
}

// SetWaitDeadline arms the expiry deadline for a parked case. A zero time
// disarms it.
func (s *Store) SetWaitDeadline(ctx context.Context, caseID string, deadline time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cases SET wait_deadline = ?, updated_at = ? WHERE case_id = ?`),
		fmtTime(deadline), fmtTime(time.Now()), caseID)
	if err != nil {
		return fmt.Errorf("state: set wait deadline: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// SetFile records the stored file's name and content hash, both on first
// upload and on re-upload of a blocked case.
func (s *Store) SetFile(ctx context.Context, caseID, fileName, fileHash string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cases SET file_name = ?, file_hash = ?, updated_at = ? WHERE case_id = ?`),
		fileName, fileHash, fmtTime(time.Now()), caseID)
	if err != nil {
		return fmt.Errorf("state: set file: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// SetResolvedCustomer denormalizes the resolved customer onto the case row.
func (s *Store) SetResolvedCustomer(ctx context.Context, caseID, customerID, customerName string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cases SET resolved_customer_id = ?, resolved_customer_name = ?, updated_at = ? WHERE case_id = ?`),
		customerID, customerName, fmtTime(time.Now()), caseID)
	if err != nil {
		return fmt.Errorf("state: set resolved customer: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// SetExternalOrder records the external draft order id on the case row.
func (s *Store) SetExternalOrder(ctx context.Context, caseID, externalOrderID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cases SET external_order_id = ?, updated_at = ? WHERE case_id = ?`),
		externalOrderID, fmtTime(time.Now()), caseID)
	if err != nil {
		return fmt.Errorf("state: set external order: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// AcquireLease claims exclusive processing of a case for ttl. Re-acquiring a
// lease the worker already holds extends it. Returns ErrLeaseHeld when another
// worker's lease is still live.
func (s *Store) AcquireLease(ctx context.Context, caseID, workerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE cases SET leased_by = ?, leased_until = ?, updated_at = ?
		WHERE case_id = ? AND (leased_until = '' OR leased_until < ? OR leased_by = ?)`),
		workerID, fmtTime(now.Add(ttl)), fmtTime(now), caseID, fmtTime(now), workerID)
	if err != nil {
		return fmt.Errorf("state: acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: acquire lease: %w", err)
	}
	if n == 0 {
		if _, err := s.GetCase(ctx, caseID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrLeaseHeld
	}
	return nil
}

// ExtendLease pushes out the lease expiry. Fails with ErrLeaseHeld when the
// worker no longer holds the lease.
func (s *Store) ExtendLease(ctx context.Context, caseID, workerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE cases SET leased_until = ?, updated_at = ?
		WHERE case_id = ? AND leased_by = ? AND leased_until >= ?`),
		fmtTime(now.Add(ttl)), fmtTime(now), caseID, workerID, fmtTime(now))
	if err != nil {
		return fmt.Errorf("state: extend lease: %w", err)
	}
	return s.oneRowOr(res, ErrLeaseHeld)
}

// ReleaseLease drops the lease if the worker still holds it. Releasing a
// lease held by someone else is a no-op, not an error.
func (s *Store) ReleaseLease(ctx context.Context, caseID, workerID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE cases SET leased_by = '', leased_until = '', updated_at = ?
		WHERE case_id = ? AND leased_by = ?`),
		fmtTime(time.Now()), caseID, workerID)
	if err != nil {
		return fmt.Errorf("state: release lease: %w", err)
	}
	return nil
}

// AcquireNextRunnable leases the oldest unleased case sitting in one of the
// given statuses, returning ErrNotFound when no case is runnable. Losing the
// claim race to another worker also surfaces as ErrNotFound; callers poll.
func (s *Store) AcquireNextRunnable(ctx context.Context, workerID string, ttl time.Duration, statuses []contracts.CaseStatus) (*contracts.Case, error) {
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("state: acquire next runnable: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	in := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	locking := ""
	if s.dialect == DialectPostgres {
		locking = " FOR UPDATE SKIP LOCKED"
	}
	query := `
		SELECT case_id FROM cases
		WHERE status IN (` + in + `) AND (leased_until = '' OR leased_until < ?)
		ORDER BY updated_at ASC
		LIMIT 1` + locking
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, fmtTime(now))

	var caseID string
	err = tx.QueryRowContext(ctx, s.rebind(query), args...).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: acquire next runnable: select: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE cases SET leased_by = ?, leased_until = ?, updated_at = ?
		WHERE case_id = ? AND (leased_until = '' OR leased_until < ?)`),
		workerID, fmtTime(now.Add(ttl)), fmtTime(now), caseID, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("state: acquire next runnable: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("state: acquire next runnable: %w", err)
	}
	if n == 0 {
		// Lost the claim race.
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("state: acquire next runnable: commit: %w", err)
	}
	return s.GetCase(ctx, caseID)
}

// ListExpiredWaits returns parked cases whose wait deadline has passed.
func (s *Store) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]contracts.Case, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+caseColumns+` FROM cases
		WHERE wait_deadline <> '' AND wait_deadline <= ?
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY wait_deadline ASC LIMIT ?`),
		fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("state: list expired waits: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

// CaseFilter narrows a case browser listing. Zero values mean "any".
type CaseFilter struct {
	Status     contracts.CaseStatus
	Customer   string // exact external id or substring of the resolved name
	UploaderID string
	TenantID   string
	DateFrom   time.Time
	DateTo     time.Time
	Limit      int
	Offset     int
}

const maxListLimit = 200

// ListCases returns cases matching the filter, newest first.
func (s *Store) ListCases(ctx context.Context, f CaseFilter) ([]contracts.Case, error) {
	where, args := f.clauses()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+caseColumns+` FROM cases`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("state: list cases: %w", err)
	}
	defer rows.Close()
	return collectCases(rows)
}

// CountCases returns the number of cases matching the filter, ignoring
// limit and offset.
func (s *Store) CountCases(ctx context.Context, f CaseFilter) (int, error) {
	where, args := f.clauses()
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM cases`+where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("state: count cases: %w", err)
	}
	return n, nil
}

func (f CaseFilter) clauses() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Customer != "" {
		conds = append(conds, "(resolved_customer_id = ? OR LOWER(resolved_customer_name) LIKE ?)")
		args = append(args, f.Customer, "%"+strings.ToLower(f.Customer)+"%")
	}
	if f.UploaderID != "" {
		conds = append(conds, "uploader_id = ?")
		args = append(args, f.UploaderID)
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if !f.DateFrom.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, fmtTime(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, fmtTime(f.DateTo))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) oneRowOr(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: rows affected: %w", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*contracts.Case, error) {
	var c contracts.Case
	var status, createdAt, updatedAt, waitDeadline, leasedUntil string
	err := row.Scan(&c.CaseID, &c.TenantID, &c.UploaderID, &c.ConversationID,
		&c.FileName, &c.FileHash, &status, &c.CorrelationID,
		&c.ResolvedCustomerID, &c.ResolvedCustomerName, &c.ExternalOrderID,
		&waitDeadline, &createdAt, &updatedAt, &c.LeasedBy, &leasedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan case: %w", err)
	}
	c.Status = contracts.CaseStatus(status)
	c.CreatedAt = parseWireTime(createdAt)
	c.UpdatedAt = parseWireTime(updatedAt)
	c.WaitDeadline = timePtr(waitDeadline)
	c.LeasedUntil = timePtr(leasedUntil)
	return &c, nil
}

func collectCases(rows *sql.Rows) ([]contracts.Case, error) {
	var out []contracts.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate cases: %w", err)
	}
	return out, nil
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func timePtr(value string) *time.Time {
	if value == "" {
		return nil
	}
	t := parseWireTime(value)
	if t.IsZero() {
		return nil
	}
	return &t
}
