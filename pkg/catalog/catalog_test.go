package catalog

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

type fakeSource struct {
	customers []contracts.CatalogCustomer
	items     []contracts.CatalogItem
	err       error
	fetches   atomic.Int32
}

func (f *fakeSource) FetchCustomers(ctx context.Context) ([]contracts.CatalogCustomer, error) {
	f.fetches.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.customers, nil
}

func (f *fakeSource) FetchItems(ctx context.Context) ([]contracts.CatalogItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func newTestState(t *testing.T) *state.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := state.New(db, state.DialectSQLite)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func testSource() *fakeSource {
	return &fakeSource{
		customers: []contracts.CatalogCustomer{
			{ExternalID: "cust_001", DisplayName: "ACME Corporation", Active: true},
		},
		items: []contracts.CatalogItem{
			{ExternalID: "item_001", SKU: "SKU-001", Name: "Widget", Rate: 25.50, Active: true},
		},
	}
}

func TestSnapshotColdStartFetches(t *testing.T) {
	src := testSource()
	c := New(src, newTestState(t), time.Hour)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Len(t, snap.Customers, 1)
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, int32(1), src.fetches.Load())
}

func TestSnapshotServedFromMemoryWhileFresh(t *testing.T) {
	src := testSource()
	c := New(src, newTestState(t), time.Hour)
	ctx := context.Background()

	_, err := c.Snapshot(ctx)
	require.NoError(t, err)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.fetches.Load(), "fresh snapshot must not refetch")
}

func TestSnapshotRefetchesAfterTTL(t *testing.T) {
	src := testSource()
	st := newTestState(t)
	clock := time.Now()
	c := New(src, st, time.Hour).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	_, err := c.Snapshot(ctx)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.fetches.Load())
}

func TestSnapshotHydratesFromPersistentTier(t *testing.T) {
	src := testSource()
	st := newTestState(t)
	ctx := context.Background()

	// Another process already filled the mirror.
	require.NoError(t, st.ReplaceCustomers(ctx, src.customers, time.Now()))
	require.NoError(t, st.ReplaceItems(ctx, src.items, time.Now()))

	c := New(src, st, time.Hour)
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Customers, 1)
	assert.False(t, snap.Stale)
	assert.Equal(t, int32(0), src.fetches.Load(), "fresh mirror avoids the source")
}

func TestSnapshotStaleFallbackWhenSourceDown(t *testing.T) {
	src := testSource()
	st := newTestState(t)
	ctx := context.Background()

	// Mirror filled long ago, source now unreachable.
	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, st.ReplaceCustomers(ctx, src.customers, old))
	require.NoError(t, st.ReplaceItems(ctx, src.items, old))
	src.err = errors.New("connection refused")

	c := New(src, st, time.Hour)
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Len(t, snap.Customers, 1)
}

func TestSnapshotFailsWithNoFallback(t *testing.T) {
	src := testSource()
	src.err = errors.New("connection refused")
	c := New(src, newTestState(t), time.Hour)

	_, err := c.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestForceRefreshPersistsMirror(t *testing.T) {
	src := testSource()
	st := newTestState(t)
	c := New(src, st, time.Hour)
	ctx := context.Background()

	_, err := c.ForceRefresh(ctx)
	require.NoError(t, err)

	stored, err := st.LoadCatalogSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, stored.Customers, 1)
	assert.Len(t, stored.Items, 1)
}
