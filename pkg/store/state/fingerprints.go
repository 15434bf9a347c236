package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// InsertFingerprint records a submission fingerprint before the external call
// is made. Insert and conflict detection are a single atomic statement; on
// conflict the existing row is returned alongside ErrDuplicateFingerprint so
// the caller can distinguish a finished duplicate (external order id present)
// from one still in flight.
func (s *Store) InsertFingerprint(ctx context.Context, fp *contracts.Fingerprint) (*contracts.Fingerprint, error) {
	if fp.Hash == "" {
		return nil, fmt.Errorf("state: insert fingerprint: hash is required")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO fingerprints (hash, case_id, tenant_id, external_order_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO NOTHING`),
		fp.Hash, fp.CaseID, fp.TenantID, fp.ExternalOrderID, fmtTime(fp.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("state: insert fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("state: insert fingerprint: %w", err)
	}
	if n == 1 {
		return fp, nil
	}
	existing, err := s.GetFingerprint(ctx, fp.Hash)
	if err != nil {
		return nil, err
	}
	return existing, ErrDuplicateFingerprint
}

// GetFingerprint loads a fingerprint row by hash.
func (s *Store) GetFingerprint(ctx context.Context, hash string) (*contracts.Fingerprint, error) {
	var fp contracts.Fingerprint
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT hash, case_id, tenant_id, external_order_id, created_at
		FROM fingerprints WHERE hash = ?`), hash).
		Scan(&fp.Hash, &fp.CaseID, &fp.TenantID, &fp.ExternalOrderID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get fingerprint: %w", err)
	}
	fp.CreatedAt = parseWireTime(createdAt)
	return &fp, nil
}

// AttachExternalOrder records the external draft order id on a fingerprint
// once the create call succeeded.
func (s *Store) AttachExternalOrder(ctx context.Context, hash, externalOrderID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE fingerprints SET external_order_id = ? WHERE hash = ?`),
		externalOrderID, hash)
	if err != nil {
		return fmt.Errorf("state: attach external order: %w", err)
	}
	return s.oneRowOr(res, ErrNotFound)
}

// DeleteFingerprint removes a fingerprint whose submission attempt failed
// before reaching the external system, so a later retry can re-insert it.
func (s *Store) DeleteFingerprint(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM fingerprints WHERE hash = ?`), hash)
	if err != nil {
		return fmt.Errorf("state: delete fingerprint: %w", err)
	}
	return nil
}
