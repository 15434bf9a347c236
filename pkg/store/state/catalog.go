package state

import (
	"context"
	"fmt"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// ReplaceCustomers swaps the persistent customer mirror for a fresh fetch.
// The swap is transactional so readers never observe a half-replaced catalog.
func (s *Store) ReplaceCustomers(ctx context.Context, customers []contracts.CatalogCustomer, fetchedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: replace customers: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_customers`); err != nil {
		return fmt.Errorf("state: replace customers: clear: %w", err)
	}
	stmt := s.rebind(`
		INSERT INTO catalog_customers (external_id, display_name, company_name, email, active, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, c := range customers {
		if _, err := tx.ExecContext(ctx, stmt,
			c.ExternalID, c.DisplayName, c.CompanyName, c.Email, boolInt(c.Active), fmtTime(fetchedAt)); err != nil {
			return fmt.Errorf("state: replace customers: insert %s: %w", c.ExternalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: replace customers: commit: %w", err)
	}
	return nil
}

// ReplaceItems swaps the persistent item mirror for a fresh fetch.
func (s *Store) ReplaceItems(ctx context.Context, items []contracts.CatalogItem, fetchedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: replace items: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_items`); err != nil {
		return fmt.Errorf("state: replace items: clear: %w", err)
	}
	stmt := s.rebind(`
		INSERT INTO catalog_items (external_id, sku, gtin, name, rate, unit, active, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, stmt,
			it.ExternalID, it.SKU, it.GTIN, it.Name, it.Rate, it.Unit, boolInt(it.Active), fmtTime(fetchedAt)); err != nil {
			return fmt.Errorf("state: replace items: insert %s: %w", it.ExternalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: replace items: commit: %w", err)
	}
	return nil
}

// LoadCatalogSnapshot reads the persistent catalog mirror. FetchedAt is the
// older of the two sides, so the snapshot is considered stale as soon as
// either side is. An empty mirror returns a snapshot with zero FetchedAt.
func (s *Store) LoadCatalogSnapshot(ctx context.Context) (*contracts.CatalogSnapshot, error) {
	customers, customersAt, err := s.loadCustomers(ctx)
	if err != nil {
		return nil, err
	}
	items, itemsAt, err := s.loadItems(ctx)
	if err != nil {
		return nil, err
	}
	fetchedAt := customersAt
	if itemsAt.Before(fetchedAt) || fetchedAt.IsZero() {
		fetchedAt = itemsAt
	}
	return &contracts.CatalogSnapshot{
		Customers: customers,
		Items:     items,
		FetchedAt: fetchedAt,
	}, nil
}

func (s *Store) loadCustomers(ctx context.Context) ([]contracts.CatalogCustomer, time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, display_name, company_name, email, active, fetched_at
		FROM catalog_customers ORDER BY external_id`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("state: load customers: %w", err)
	}
	defer rows.Close()

	var out []contracts.CatalogCustomer
	var fetchedAt time.Time
	for rows.Next() {
		var c contracts.CatalogCustomer
		var active int
		var at string
		if err := rows.Scan(&c.ExternalID, &c.DisplayName, &c.CompanyName, &c.Email, &active, &at); err != nil {
			return nil, time.Time{}, fmt.Errorf("state: scan customer: %w", err)
		}
		c.Active = active != 0
		if t := parseWireTime(at); fetchedAt.IsZero() || t.Before(fetchedAt) {
			fetchedAt = t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("state: iterate customers: %w", err)
	}
	return out, fetchedAt, nil
}

func (s *Store) loadItems(ctx context.Context) ([]contracts.CatalogItem, time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, sku, gtin, name, rate, unit, active, fetched_at
		FROM catalog_items ORDER BY external_id`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("state: load items: %w", err)
	}
	defer rows.Close()

	var out []contracts.CatalogItem
	var fetchedAt time.Time
	for rows.Next() {
		var it contracts.CatalogItem
		var active int
		var at string
		if err := rows.Scan(&it.ExternalID, &it.SKU, &it.GTIN, &it.Name, &it.Rate, &it.Unit, &active, &at); err != nil {
			return nil, time.Time{}, fmt.Errorf("state: scan item: %w", err)
		}
		it.Active = active != 0
		if t := parseWireTime(at); fetchedAt.IsZero() || t.Before(fetchedAt) {
			fetchedAt = t
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("state: iterate items: %w", err)
	}
	return out, fetchedAt, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
