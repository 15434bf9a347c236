package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

func seedCase(t *testing.T, s *Store, id string, status contracts.CaseStatus) *contracts.Case {
	t.Helper()
	c := &contracts.Case{
		CaseID:        id,
		TenantID:      "tenant_1",
		UploaderID:    "user_7",
		FileName:      "order.xlsx",
		Status:        status,
		CorrelationID: id,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	created, err := s.CreateCase(context.Background(), c)
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func TestCreateCaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCase(t, s, "case_rt", contracts.StatusCreated)
	got, err := s.GetCase(ctx, "case_rt")
	require.NoError(t, err)

	assert.Equal(t, "case_rt", got.CaseID)
	assert.Equal(t, "tenant_1", got.TenantID)
	assert.Equal(t, "user_7", got.UploaderID)
	assert.Equal(t, contracts.StatusCreated, got.Status)
	assert.Nil(t, got.WaitDeadline)
	assert.Nil(t, got.LeasedUntil)
	assert.Empty(t, got.ExternalOrderID)
}

func TestCreateCaseSecondInsertIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCase(t, s, "case_dup", contracts.StatusCreated)
	again := &contracts.Case{
		CaseID:        "case_dup",
		TenantID:      "tenant_other",
		Status:        contracts.StatusCreated,
		CorrelationID: "case_dup",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	created, err := s.CreateCase(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetCase(ctx, "case_dup")
	require.NoError(t, err)
	assert.Equal(t, "tenant_1", got.TenantID, "first writer wins")
}

func TestGetCaseNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCase(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusOptimisticGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_st", contracts.StatusCreated)

	require.NoError(t, s.UpdateStatus(ctx, "case_st", contracts.StatusCreated, contracts.StatusStoringFile))

	// Stale from-status loses.
	err := s.UpdateStatus(ctx, "case_st", contracts.StatusCreated, contracts.StatusStoringFile)
	assert.ErrorIs(t, err, ErrConflict)

	// Illegal edge is rejected before touching the database.
	err = s.UpdateStatus(ctx, "case_st", contracts.StatusStoringFile, contracts.StatusCompleted)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetCase(ctx, "case_st")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusStoringFile, got.Status)
}

func TestLeaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_lease", contracts.StatusParsing)

	require.NoError(t, s.AcquireLease(ctx, "case_lease", "worker_a", time.Minute))

	err := s.AcquireLease(ctx, "case_lease", "worker_b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// The holder can re-acquire and extend.
	require.NoError(t, s.AcquireLease(ctx, "case_lease", "worker_a", time.Minute))
	require.NoError(t, s.ExtendLease(ctx, "case_lease", "worker_a", time.Minute))

	err = s.ExtendLease(ctx, "case_lease", "worker_b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, "case_lease", "worker_a"))
	require.NoError(t, s.AcquireLease(ctx, "case_lease", "worker_b", time.Minute))
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_exp", contracts.StatusParsing)

	require.NoError(t, s.AcquireLease(ctx, "case_exp", "worker_a", -time.Second))
	require.NoError(t, s.AcquireLease(ctx, "case_exp", "worker_b", time.Minute))
}

func TestAcquireLeaseMissingCase(t *testing.T) {
	s := newTestStore(t)
	err := s.AcquireLease(context.Background(), "missing", "worker_a", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireNextRunnable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCase(t, s, "case_r1", contracts.StatusParsing)
	time.Sleep(2 * time.Millisecond)
	seedCase(t, s, "case_r2", contracts.StatusParsing)
	seedCase(t, s, "case_w", contracts.StatusAwaitingApproval)

	runnable := []contracts.CaseStatus{contracts.StatusParsing}

	first, err := s.AcquireNextRunnable(ctx, "worker_a", time.Minute, runnable)
	require.NoError(t, err)
	assert.Equal(t, "case_r1", first.CaseID, "oldest first")
	assert.Equal(t, "worker_a", first.LeasedBy)

	second, err := s.AcquireNextRunnable(ctx, "worker_b", time.Minute, runnable)
	require.NoError(t, err)
	assert.Equal(t, "case_r2", second.CaseID)

	_, err = s.AcquireNextRunnable(ctx, "worker_c", time.Minute, runnable)
	assert.ErrorIs(t, err, ErrNotFound, "parked case is not runnable")
}

func TestCaseFieldSetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_set", contracts.StatusResolvingCustomer)

	require.NoError(t, s.SetFile(ctx, "case_set", "v2.xlsx",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	require.NoError(t, s.SetResolvedCustomer(ctx, "case_set", "cust_001", "ACME Corporation"))
	require.NoError(t, s.SetExternalOrder(ctx, "case_set", "SO-123"))

	deadline := time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, s.SetWaitDeadline(ctx, "case_set", deadline))

	got, err := s.GetCase(ctx, "case_set")
	require.NoError(t, err)
	assert.Equal(t, "v2.xlsx", got.FileName)
	assert.Equal(t, "cust_001", got.ResolvedCustomerID)
	assert.Equal(t, "ACME Corporation", got.ResolvedCustomerName)
	assert.Equal(t, "SO-123", got.ExternalOrderID)
	require.NotNil(t, got.WaitDeadline)
	assert.WithinDuration(t, deadline, *got.WaitDeadline, time.Second)

	// Zero time disarms the deadline.
	require.NoError(t, s.SetWaitDeadline(ctx, "case_set", time.Time{}))
	got, err = s.GetCase(ctx, "case_set")
	require.NoError(t, err)
	assert.Nil(t, got.WaitDeadline)
}

func TestListExpiredWaits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCase(t, s, "case_past", contracts.StatusAwaitingApproval)
	seedCase(t, s, "case_future", contracts.StatusAwaitingApproval)
	seedCase(t, s, "case_done", contracts.StatusCompleted)

	now := time.Now()
	require.NoError(t, s.SetWaitDeadline(ctx, "case_past", now.Add(-time.Hour)))
	require.NoError(t, s.SetWaitDeadline(ctx, "case_future", now.Add(time.Hour)))
	require.NoError(t, s.SetWaitDeadline(ctx, "case_done", now.Add(-time.Hour)))

	expired, err := s.ListExpiredWaits(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "case_past", expired[0].CaseID, "terminal cases never expire")
}

func TestListCasesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCase(t, s, "case_a", contracts.StatusCompleted)
	seedCase(t, s, "case_b", contracts.StatusParsing)
	seedCase(t, s, "case_c", contracts.StatusCompleted)
	require.NoError(t, s.SetResolvedCustomer(ctx, "case_a", "cust_001", "ACME Corporation"))
	require.NoError(t, s.SetResolvedCustomer(ctx, "case_c", "cust_002", "Globex"))

	byStatus, err := s.ListCases(ctx, CaseFilter{Status: contracts.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byCustomer, err := s.ListCases(ctx, CaseFilter{Customer: "acme"})
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, "case_a", byCustomer[0].CaseID)

	byID, err := s.ListCases(ctx, CaseFilter{Customer: "cust_002"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "case_c", byID[0].CaseID)

	byUploader, err := s.ListCases(ctx, CaseFilter{UploaderID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, byUploader)

	total, err := s.CountCases(ctx, CaseFilter{Status: contracts.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	paged, err := s.ListCases(ctx, CaseFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
	rest, err := s.ListCases(ctx, CaseFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestListCasesDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_now", contracts.StatusCreated)

	hit, err := s.ListCases(ctx, CaseFilter{
		DateFrom: time.Now().Add(-time.Minute),
		DateTo:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, hit, 1)

	miss, err := s.ListCases(ctx, CaseFilter{DateFrom: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, miss)
}
