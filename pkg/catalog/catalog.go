// Package catalog serves customer and item reference data through a two-tier
// cache: a process-local snapshot with a freshness TTL, backed by the
// persistent mirror in the state store. Misses block on a fetch from the
// external source; when the source is down a stale mirror is served and
// flagged rather than failing the case.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// Source fetches the full catalog from the external system of record.
type Source interface {
	FetchCustomers(ctx context.Context) ([]contracts.CatalogCustomer, error)
	FetchItems(ctx context.Context) ([]contracts.CatalogItem, error)
}

// Cache is the two-tier catalog cache.
type Cache struct {
	source Source
	store  *state.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot *contracts.CatalogSnapshot

	// Serializes blocking fetches so a cold start does not stampede the
	// external system.
	fetchMu sync.Mutex
}

// New builds a cache over the given source and persistent mirror.
func New(source Source, store *state.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		source: source,
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: observability.Component("catalog"),
	}
}

// WithClock overrides the clock. Test hook.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) fresh(snap *contracts.CatalogSnapshot) bool {
	return snap != nil && !snap.FetchedAt.IsZero() &&
		c.now().Sub(snap.FetchedAt) < c.ttl
}

// Snapshot returns the current catalog. Resolution order: fresh memory tier,
// fresh persistent tier, blocking source fetch, then stale persistent tier
// with Stale set when the source is unreachable.
func (c *Cache) Snapshot(ctx context.Context) (*contracts.CatalogSnapshot, error) {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()
	if c.fresh(snap) {
		return snap, nil
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another caller may have filled the cache while we waited.
	c.mu.RLock()
	snap = c.snapshot
	c.mu.RUnlock()
	if c.fresh(snap) {
		return snap, nil
	}

	if stored, err := c.store.LoadCatalogSnapshot(ctx); err == nil && c.fresh(stored) {
		c.install(stored)
		return stored, nil
	}

	refreshed, err := c.refresh(ctx)
	if err == nil {
		return refreshed, nil
	}

	stored, loadErr := c.store.LoadCatalogSnapshot(ctx)
	if loadErr == nil && !stored.FetchedAt.IsZero() {
		stale := *stored
		stale.Stale = true
		c.logger.Warn("serving stale catalog", "error", err,
			"fetched_at", stored.FetchedAt, "customers", len(stored.Customers), "items", len(stored.Items))
		c.install(&stale)
		return &stale, nil
	}
	return nil, fmt.Errorf("catalog: fetch failed with no fallback: %w", err)
}

// ForceRefresh bypasses both tiers and fetches from the source.
func (c *Cache) ForceRefresh(ctx context.Context) (*contracts.CatalogSnapshot, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	return c.refresh(ctx)
}

// refresh fetches both sides, persists the mirror, and installs the memory
// tier. Caller holds fetchMu.
func (c *Cache) refresh(ctx context.Context) (*contracts.CatalogSnapshot, error) {
	started := c.now()
	customers, err := c.source.FetchCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch customers: %w", err)
	}
	items, err := c.source.FetchItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch items: %w", err)
	}
	fetchedAt := c.now()
	if err := c.store.ReplaceCustomers(ctx, customers, fetchedAt); err != nil {
		return nil, err
	}
	if err := c.store.ReplaceItems(ctx, items, fetchedAt); err != nil {
		return nil, err
	}
	snap := &contracts.CatalogSnapshot{
		Customers: customers,
		Items:     items,
		FetchedAt: fetchedAt,
	}
	c.install(snap)
	c.logger.Info("catalog refreshed",
		"customers", len(customers), "items", len(items),
		"duration_ms", c.now().Sub(started).Milliseconds())
	return snap, nil
}

func (c *Cache) install(snap *contracts.CatalogSnapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

// Run refreshes the catalog on the given interval until the context is
// cancelled. Failures are logged and the loop keeps going; reads fall back
// through Snapshot's tier walk.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.ForceRefresh(ctx); err != nil {
				c.logger.Warn("background catalog refresh failed", "error", err)
			}
		}
	}
}
