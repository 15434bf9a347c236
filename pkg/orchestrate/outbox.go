package orchestrate

import (
	"context"
	"log/slog"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// Notifier delivers one outbox notification to the channel the uploader is
// on. An error leaves the entry pending; the dispatcher tries again on its
// next pass, so delivery is at-least-once and receivers must dedupe on the
// entry id.
type Notifier interface {
	Notify(ctx context.Context, e *contracts.OutboxEntry) error
}

// LogNotifier writes notifications to the log. It stands in when no chat
// callback is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: observability.Component("outbox")}
}

func (n *LogNotifier) Notify(_ context.Context, e *contracts.OutboxEntry) error {
	n.logger.Info("outbox notification",
		"entry_id", e.ID, "case_id", e.CaseID, "event_type", string(e.Type))
	return nil
}

// OutboxDispatcher drains pending outbox entries to a notifier. Entries are
// written in the same transaction as the state change they report, so this
// loop is the only place a notification can be lost or doubled, and it
// chooses doubled: processed is marked only after the notifier accepts.
type OutboxDispatcher struct {
	store    *state.Store
	notifier Notifier
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewOutboxDispatcher(store *state.Store, notifier Notifier, interval time.Duration, batch int) *OutboxDispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &OutboxDispatcher{
		store:    store,
		notifier: notifier,
		interval: interval,
		batch:    batch,
		logger:   observability.Component("outbox"),
	}
}

// Run blocks delivering pending entries until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverPending(ctx)
		}
	}
}

// deliverPending runs one delivery pass and reports how many entries were
// accepted. A notifier failure stops the pass; the backlog stays ordered.
func (d *OutboxDispatcher) deliverPending(ctx context.Context) int {
	entries, err := d.store.ListPendingOutbox(ctx, d.batch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("list pending outbox", "error", err)
		}
		return 0
	}
	delivered := 0
	for i := range entries {
		e := &entries[i]
		if err := d.notifier.Notify(ctx, e); err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("outbox delivery failed",
					"entry_id", e.ID, "case_id", e.CaseID, "event_type", string(e.Type), "error", err)
			}
			return delivered
		}
		if err := d.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
			d.logger.Error("mark outbox processed", "entry_id", e.ID, "error", err)
			return delivered
		}
		delivered++
	}
	return delivered
}
