package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// capturingNotifier records every delivery attempt and can be told to refuse
// one entry until further notice.
type capturingNotifier struct {
	mu     sync.Mutex
	seen   []string
	failID string
}

func (n *capturingNotifier) Notify(_ context.Context, e *contracts.OutboxEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, e.ID)
	if n.failID != "" && e.ID == n.failID {
		return errors.New("channel unavailable")
	}
	return nil
}

func (n *capturingNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.seen))
	copy(out, n.seen)
	return out
}

func (n *capturingNotifier) failOn(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failID = id
}

// enqueueN inserts n pending entries with spaced timestamps so their
// delivery order is fixed.
func enqueueN(t *testing.T, r *rig, n int) []string {
	t.Helper()
	base := time.Now().UTC()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e := &contracts.OutboxEntry{
			ID:        fmt.Sprintf("entry-%03d", i+1),
			CaseID:    fmt.Sprintf("case-ob-%03d", i+1),
			Type:      contracts.OutboxSalesOrderCreated,
			Payload:   map[string]any{"external_order_id": fmt.Sprintf("so_%03d", i+1)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, r.store.EnqueueOutbox(context.Background(), e))
		ids = append(ids, e.ID)
	}
	return ids
}

func TestDeliverPendingInOrder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	n := &capturingNotifier{}
	d := NewOutboxDispatcher(r.store, n, time.Second, 10)

	ids := enqueueN(t, r, 3)
	assert.Equal(t, 3, d.deliverPending(ctx))
	assert.Equal(t, ids, n.calls())

	pending, err := r.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing left; another pass is a no-op.
	assert.Zero(t, d.deliverPending(ctx))
	assert.Len(t, n.calls(), 3)
}

func TestDeliverPendingStopsOnFailure(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	n := &capturingNotifier{}
	d := NewOutboxDispatcher(r.store, n, time.Second, 10)

	ids := enqueueN(t, r, 3)
	n.failOn(ids[1])

	// The refused entry stops the pass so the backlog stays ordered; only the
	// first entry is marked.
	assert.Equal(t, 1, d.deliverPending(ctx))
	pending, err := r.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	// Once the channel is back the rest drains, the refused entry delivered
	// again from scratch.
	n.failOn("")
	assert.Equal(t, 2, d.deliverPending(ctx))
	assert.Equal(t, []string{ids[0], ids[1], ids[1], ids[2]}, n.calls())

	pending, err = r.store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeliverPendingFromCompletedCase(t *testing.T) {
	r := newRigWith(t, rigConfig{policyExpr: "false"})
	ctx := context.Background()

	r.create(t, "case-notify", []byte(orderCSV))
	done := r.drive(t, "case-notify")
	require.Equal(t, contracts.StatusCompleted, done.Status)

	n := &capturingNotifier{}
	d := NewOutboxDispatcher(r.store, n, time.Second, 10)
	require.Equal(t, 1, d.deliverPending(ctx))

	entries, err := r.store.ListOutboxForCase(ctx, "case-notify")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.OutboxSalesOrderCreated, entries[0].Type)
	assert.False(t, entries[0].Pending())
	assert.Equal(t, done.ExternalOrderID, entries[0].Payload["external_order_id"])
}

func TestDispatcherDefaults(t *testing.T) {
	r := newRig(t)

	d := NewOutboxDispatcher(r.store, nil, 0, 0)
	assert.Equal(t, 2*time.Second, d.interval)
	assert.Equal(t, 50, d.batch)
	require.IsType(t, &LogNotifier{}, d.notifier)

	// The stand-in notifier accepts everything.
	e := &contracts.OutboxEntry{ID: "e-1", CaseID: "c-1", Type: contracts.OutboxSalesOrderCreated}
	assert.NoError(t, d.notifier.Notify(context.Background(), e))
}
