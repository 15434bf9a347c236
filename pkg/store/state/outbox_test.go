package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &contracts.OutboxEntry{
		CaseID:  "case_ob",
		Type:    contracts.OutboxSalesOrderFailed,
		Payload: map[string]any{"error_code": "INVALID_PRICE"},
	}
	require.NoError(t, s.EnqueueOutbox(ctx, entry))
	require.NotEmpty(t, entry.ID)

	pending, err := s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "INVALID_PRICE", pending[0].Payload["error_code"])
	assert.True(t, pending[0].Pending())

	require.NoError(t, s.MarkOutboxProcessed(ctx, entry.ID))

	pending, err = s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Double-processing is rejected.
	err = s.MarkOutboxProcessed(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueOutboxIdempotentOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &contracts.OutboxEntry{
		ID:     "fixed-id",
		CaseID: "case_ob",
		Type:   contracts.OutboxRetryExhausted,
	}
	require.NoError(t, s.EnqueueOutbox(ctx, entry))
	require.NoError(t, s.EnqueueOutbox(ctx, entry))

	pending, err := s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueueOutboxRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	err := s.EnqueueOutbox(context.Background(), &contracts.OutboxEntry{
		CaseID: "case_ob",
		Type:   "unknown_event",
	})
	assert.Error(t, err)
}

func TestListOutboxForCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []contracts.OutboxEventType{
		contracts.OutboxSalesOrderFailed,
		contracts.OutboxRetryExhausted,
	} {
		require.NoError(t, s.EnqueueOutbox(ctx, &contracts.OutboxEntry{CaseID: "case_multi", Type: typ}))
	}
	require.NoError(t, s.EnqueueOutbox(ctx, &contracts.OutboxEntry{
		CaseID: "case_other", Type: contracts.OutboxSalesOrderCreated,
	}))

	got, err := s.ListOutboxForCase(ctx, "case_multi")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
