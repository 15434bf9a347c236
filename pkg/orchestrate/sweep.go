package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// sweepLoop periodically wakes cases whose retry is due, cancels cases
// whose wait deadline has passed, and does storage housekeeping.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	sweeperID := fmt.Sprintf("sweep-%s", uuid.NewString()[:8])
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepRetries(ctx, sweeperID)
			o.sweepDeadlines(ctx)
			o.sweepIdempotency(ctx)
		}
	}
}

// idempotencyPurgeEvery spaces out expired-key deletion; replay correctness
// does not depend on it, expired rows are already invisible to lookups.
const idempotencyPurgeEvery = time.Minute

// sweepIdempotency drops expired boundary idempotency keys.
func (o *Orchestrator) sweepIdempotency(ctx context.Context) {
	now := o.now()
	if now.Sub(o.lastPurge) < idempotencyPurgeEvery {
		return
	}
	o.lastPurge = now
	n, err := o.store.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("purge idempotency keys", "error", err)
		}
		return
	}
	if n > 0 {
		o.logger.Debug("purged idempotency keys", "count", n)
	}
}

// sweepRetries moves queued cases whose backoff has elapsed back into draft
// creation. The claim TTL covers a sweeper crashing mid-batch: unfinished
// items come due again once it lapses.
func (o *Orchestrator) sweepRetries(ctx context.Context, sweeperID string) {
	items, err := o.store.ClaimDueRetries(ctx, sweeperID, o.opts.LeaseTTL, o.opts.RetryBatch)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("claim due retries", "error", err)
		}
		return
	}
	for i := range items {
		item := &items[i]
		err := o.store.UpdateStatus(ctx, item.CaseID, contracts.StatusQueuedForRetry, contracts.StatusCreatingDraft)
		if err != nil && !errors.Is(err, state.ErrConflict) && !errors.Is(err, state.ErrNotFound) {
			o.logger.Error("resume retry", "case_id", item.CaseID, "error", err)
			continue
		}
		// A conflict means the case was cancelled or already moved; either
		// way the item is spent.
		if err := o.store.CompleteRetry(ctx, item.ID); err != nil {
			o.logger.Warn("complete retry", "case_id", item.CaseID, "error", err)
		}
	}
}

// sweepDeadlines cancels waiting cases nobody acted on in time. A runnable
// case with a leftover armed deadline is only disarmed.
func (o *Orchestrator) sweepDeadlines(ctx context.Context) {
	now := o.now()
	cases, err := o.store.ListExpiredWaits(ctx, now, o.opts.RetryBatch)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("list expired waits", "error", err)
		}
		return
	}
	for i := range cases {
		c := &cases[i]
		if !c.Status.Waiting() {
			if err := o.disarmDeadline(ctx, c.CaseID); err != nil {
				o.logger.Warn("disarm stale deadline", "case_id", c.CaseID, "error", err)
			}
			continue
		}
		ev := o.newEvent(c.CaseID, contracts.EventCaseExpired, contracts.StatusCancelled, contracts.SchedulerActor())
		ev.Data = map[string]any{
			"reason":      string(contracts.IssueCaseExpired),
			"from_status": string(c.Status),
		}
		if err := o.store.AppendEvent(ctx, ev); err != nil {
			o.logger.Error("record case expiry", "case_id", c.CaseID, "error", err)
			continue
		}
		if err := o.store.UpdateStatus(ctx, c.CaseID, c.Status, contracts.StatusCancelled); err != nil {
			if errors.Is(err, state.ErrConflict) {
				// Someone acted at the last moment; their transition wins.
				continue
			}
			o.logger.Error("expire case", "case_id", c.CaseID, "error", err)
			continue
		}
		o.caseClosed(ctx)
		o.logger.Info("case expired", "case_id", c.CaseID, "waited_in", string(c.Status))
	}
}
