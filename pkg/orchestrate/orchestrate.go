// Package orchestrate drives cases through the intake state machine. A pool
// of lease-holding workers runs the automated steps; waiting statuses park
// the case without occupying a worker, and background sweeps resume due
// retries and expire abandoned waits. Every step logs its intent to the
// audit chain before touching anything, so a successor inspecting the log's
// tail can finish an interrupted transition instead of repeating its effect.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Quillon-Labs/orderdesk/pkg/committee"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/resolve"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
	"github.com/Quillon-Labs/orderdesk/pkg/submit"
)

// Deps are the components the orchestrator drives. All are required except
// Policy, which defaults to requiring a human approval on every order.
type Deps struct {
	Store     *state.Store
	Evidence  evidence.Store
	Extractor *extract.Extractor
	Committee *committee.Committee
	Resolver  *resolve.Resolver
	Submitter *submit.Submitter
	Policy    *ApprovalPolicy
}

// Options tune the worker pool and the background sweeps.
type Options struct {
	// Workers is the number of concurrent case-driving goroutines.
	Workers int
	// LeaseTTL bounds how long a crashed worker blocks its case. It also
	// spaces out retries of a case whose step keeps failing.
	LeaseTTL time.Duration
	// PollInterval is the idle wait between runnable-case scans.
	PollInterval time.Duration
	// SweepInterval paces the retry and wait-deadline sweeps.
	SweepInterval time.Duration
	// WaitTimeout is how long a case may sit in a waiting status before the
	// deadline sweep cancels it as expired.
	WaitTimeout time.Duration
	// RetryBatch caps how many due retries one sweep claims.
	RetryBatch int
}

// Orchestrator owns the case lifecycle from intake to draft order.
type Orchestrator struct {
	store     *state.Store
	evidence  evidence.Store
	extractor *extract.Extractor
	committee *committee.Committee
	resolver  *resolve.Resolver
	submitter *submit.Submitter
	policy    *ApprovalPolicy
	opts      Options
	now       func() time.Time
	telemetry *observability.Provider
	logger    *slog.Logger

	// lastPurge throttles idempotency housekeeping; only the sweep loop
	// touches it.
	lastPurge time.Time
}

// New builds an orchestrator over the given components.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Evidence == nil || deps.Extractor == nil ||
		deps.Committee == nil || deps.Resolver == nil || deps.Submitter == nil {
		return nil, fmt.Errorf("orchestrate: store, evidence, extractor, committee, resolver and submitter are required")
	}
	if deps.Policy == nil {
		p, err := NewApprovalPolicy("")
		if err != nil {
			return nil, err
		}
		deps.Policy = p
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 7 * 24 * time.Hour
	}
	if opts.RetryBatch <= 0 {
		opts.RetryBatch = 20
	}
	return &Orchestrator{
		store:     deps.Store,
		evidence:  deps.Evidence,
		extractor: deps.Extractor,
		committee: deps.Committee,
		resolver:  deps.Resolver,
		submitter: deps.Submitter,
		policy:    deps.Policy,
		opts:      opts,
		now:       time.Now,
		logger:    observability.Component("orchestrate"),
	}, nil
}

// WithClock overrides the clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithTelemetry traces and meters every step through the given provider.
func (o *Orchestrator) WithTelemetry(p *observability.Provider) *Orchestrator {
	o.telemetry = p
	return o
}

// runnableStatuses are the statuses workers pick up. Waiting and terminal
// statuses never occupy a worker; created is included so a case whose intake
// was interrupted still moves.
var runnableStatuses = []contracts.CaseStatus{
	contracts.StatusCreated,
	contracts.StatusStoringFile,
	contracts.StatusParsing,
	contracts.StatusRunningCommittee,
	contracts.StatusResolvingCustomer,
	contracts.StatusResolvingItems,
	contracts.StatusCreatingDraft,
}

func runnable(s contracts.CaseStatus) bool {
	for _, r := range runnableStatuses {
		if r == s {
			return true
		}
	}
	return false
}

// stepName labels a runnable status's step in intent events and logs.
func stepName(s contracts.CaseStatus) string {
	switch s {
	case contracts.StatusStoringFile:
		return "store_file"
	case contracts.StatusParsing:
		return "parse"
	case contracts.StatusRunningCommittee:
		return "committee_review"
	case contracts.StatusResolvingCustomer:
		return "resolve_customer"
	case contracts.StatusResolvingItems:
		return "resolve_items"
	case contracts.StatusCreatingDraft:
		return "create_draft"
	}
	return string(s)
}

// stepResults maps each runnable status to the event types that mark its
// step as already done. A log whose tail is one of these with a different
// StatusAfter means the previous holder crashed between logging the result
// and moving the case.
var stepResults = map[contracts.CaseStatus]map[contracts.EventType]bool{
	contracts.StatusStoringFile: {
		contracts.EventFileStored: true,
	},
	contracts.StatusParsing: {
		contracts.EventParseCompleted: true,
		contracts.EventParseBlocked:   true,
	},
	contracts.StatusRunningCommittee: {
		contracts.EventCommitteeCompleted:   true,
		contracts.EventCorrectionsRequested: true,
	},
	contracts.StatusResolvingCustomer: {
		contracts.EventCustomerResolved:           true,
		contracts.EventCustomerSelectionRequested: true,
	},
	contracts.StatusResolvingItems: {
		contracts.EventItemsResolved:          true,
		contracts.EventItemSelectionRequested: true,
	},
	contracts.StatusCreatingDraft: {
		contracts.EventDraftSubmitted: true,
		contracts.EventDraftDuplicate: true,
		contracts.EventRetryScheduled: true,
		contracts.EventSubmitFailed:   true,
		contracts.EventRetryExhausted: true,
	},
}

// Run starts the worker pool and the sweeps, blocking until ctx is
// cancelled and everything has wound down.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		workerID := fmt.Sprintf("w%d-%s", i, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sweepLoop(ctx)
	}()
	o.logger.Info("orchestrator running", "workers", o.opts.Workers,
		"lease_ttl", o.opts.LeaseTTL, "wait_timeout", o.opts.WaitTimeout)
	wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// workerLoop claims runnable cases one at a time and drives each as far as
// it will go.
func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	for {
		c, err := o.store.AcquireNextRunnable(ctx, workerID, o.opts.LeaseTTL, runnableStatuses)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, state.ErrNotFound) {
				o.logger.Error("acquire runnable case", "worker", workerID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.opts.PollInterval):
			}
			continue
		}
		o.drive(ctx, workerID, c)
		if ctx.Err() != nil {
			return
		}
	}
}

// drive runs automated steps until the case parks, terminates, fails, or
// the context ends. The lease is released on clean exits; a step failure
// keeps it so the TTL spaces out further attempts on a misbehaving case.
func (o *Orchestrator) drive(ctx context.Context, workerID string, c *contracts.Case) {
	status := c.Status
	keepLease := false
	defer func() {
		if keepLease {
			return
		}
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.ReleaseLease(relCtx, c.CaseID, workerID); err != nil {
			o.logger.Warn("release lease", "case_id", c.CaseID, "error", err)
		}
	}()

	for runnable(status) {
		if ctx.Err() != nil {
			return
		}
		if err := o.store.ExtendLease(ctx, c.CaseID, workerID, o.opts.LeaseTTL); err != nil {
			// The lease moved on; whoever holds it now owns the case.
			return
		}
		next, err := o.step(ctx, workerID, c.CaseID, status)
		if err != nil {
			if errors.Is(err, state.ErrConflict) || errors.Is(err, state.ErrSequenceConflict) {
				// The case changed under us, usually a cancellation landing
				// mid-step. The next acquisition sees the new status.
				o.logger.Info("case moved during step",
					"case_id", c.CaseID, "step", stepName(status))
				return
			}
			o.logger.Error("step failed",
				"case_id", c.CaseID, "step", stepName(status), "error", err)
			keepLease = true
			return
		}
		status = next
	}
}

// step executes the automated step for the given status and returns the
// status the case landed in.
func (o *Orchestrator) step(ctx context.Context, workerID, caseID string, status contracts.CaseStatus) (next contracts.CaseStatus, err error) {
	if o.telemetry != nil {
		var done func(error)
		ctx, done = o.telemetry.TrackOperation(ctx, "orchestrate."+stepName(status),
			attribute.String("case_id", caseID))
		defer func() { done(err) }()
	}

	if status == contracts.StatusCreated {
		return o.stepCreated(ctx, caseID)
	}

	if next, done, err := o.replayedResult(ctx, caseID, status); err != nil {
		return "", err
	} else if done {
		return next, nil
	}

	intent := o.newEvent(caseID, contracts.EventStepIntent, status, contracts.SystemActor())
	intent.Data = map[string]any{"step": stepName(status), "worker": workerID}
	if err := o.store.AppendEvent(ctx, intent); err != nil {
		return "", err
	}

	switch status {
	case contracts.StatusStoringFile:
		return o.stepStoreFile(ctx, caseID)
	case contracts.StatusParsing:
		return o.stepParse(ctx, caseID)
	case contracts.StatusRunningCommittee:
		return o.stepCommittee(ctx, caseID)
	case contracts.StatusResolvingCustomer:
		return o.stepResolveCustomer(ctx, caseID)
	case contracts.StatusResolvingItems:
		return o.stepResolveItems(ctx, caseID)
	case contracts.StatusCreatingDraft:
		return o.stepCreateDraft(ctx, caseID)
	}
	return "", fmt.Errorf("orchestrate: no step for status %q", status)
}

// stepCreated finishes an interrupted intake. The blob and the case row are
// already in place; whatever is missing of the creation event and the
// hand-off to storing_file is completed here.
func (o *Orchestrator) stepCreated(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	_, err := o.store.LatestEvent(ctx, caseID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		c, gerr := o.store.GetCase(ctx, caseID)
		if gerr != nil {
			return "", gerr
		}
		ref, _, gerr := o.evidence.GetOriginal(ctx, caseID)
		if gerr != nil {
			return "", fmt.Errorf("orchestrate: original for %s: %w", caseID, gerr)
		}
		ev := o.newEvent(caseID, contracts.EventCaseCreated, contracts.StatusCreated, contracts.SystemActor())
		ev.Data = map[string]any{
			"file_name":   c.FileName,
			"tenant_id":   c.TenantID,
			"uploader_id": c.UploaderID,
		}
		ev.Pointers = map[string]string{"original": ref.Pointer()}
		if aerr := o.store.AppendEvent(ctx, ev); aerr != nil {
			return "", aerr
		}
	case err != nil:
		return "", err
	}
	if err := o.store.UpdateStatus(ctx, caseID, contracts.StatusCreated, contracts.StatusStoringFile); err != nil {
		return "", err
	}
	return contracts.StatusStoringFile, nil
}

// replayedResult finishes the transition of a predecessor that crashed after
// logging a step's result event but before moving the case. The effect is
// already on record, so it must not run again.
func (o *Orchestrator) replayedResult(ctx context.Context, caseID string, status contracts.CaseStatus) (contracts.CaseStatus, bool, error) {
	last, err := o.store.LatestEvent(ctx, caseID)
	if errors.Is(err, state.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !stepResults[status][last.Type] || last.StatusAfter == status ||
		!contracts.CanTransition(status, last.StatusAfter) {
		return "", false, nil
	}
	if err := o.store.UpdateStatus(ctx, caseID, status, last.StatusAfter); err != nil {
		return "", false, err
	}
	if last.StatusAfter.Waiting() {
		if err := o.store.SetWaitDeadline(ctx, caseID, o.now().Add(o.opts.WaitTimeout)); err != nil {
			return "", false, err
		}
	}
	o.logger.Info("finished interrupted step", "case_id", caseID,
		"event", string(last.Type), "status", string(last.StatusAfter))
	return last.StatusAfter, true, nil
}

// advance appends the result event, optionally with outbox entries in the
// same transaction, and moves the case to the event's StatusAfter.
func (o *Orchestrator) advance(ctx context.Context, caseID string, from contracts.CaseStatus, ev *contracts.AuditEvent, outbox ...contracts.OutboxEntry) (contracts.CaseStatus, error) {
	to := ev.StatusAfter
	if err := o.appendWithOutbox(ctx, ev, outbox); err != nil {
		return "", err
	}
	if err := o.store.UpdateStatus(ctx, caseID, from, to); err != nil {
		return "", err
	}
	if to.Terminal() {
		o.caseClosed(ctx)
	}
	return to, nil
}

// caseOpened and caseClosed feed the active-case gauge when telemetry is on.
func (o *Orchestrator) caseOpened(ctx context.Context) {
	if o.telemetry != nil {
		o.telemetry.CaseOpened(ctx)
	}
}

func (o *Orchestrator) caseClosed(ctx context.Context) {
	if o.telemetry != nil {
		o.telemetry.CaseClosed(ctx)
	}
}

// park arms the wait deadline, appends the parking event, and moves the case
// into the event's waiting StatusAfter. The deadline goes first: a crash in
// between leaves a runnable case with a far-future deadline, which is
// harmless, while the reverse order could park a case that never expires.
func (o *Orchestrator) park(ctx context.Context, caseID string, from contracts.CaseStatus, ev *contracts.AuditEvent) (contracts.CaseStatus, error) {
	if err := o.store.SetWaitDeadline(ctx, caseID, o.now().Add(o.opts.WaitTimeout)); err != nil {
		return "", err
	}
	return o.advance(ctx, caseID, from, ev)
}

func (o *Orchestrator) appendWithOutbox(ctx context.Context, ev *contracts.AuditEvent, outbox []contracts.OutboxEntry) error {
	if len(outbox) == 0 {
		return o.store.AppendEvent(ctx, ev)
	}
	return o.store.AppendEventWithOutbox(ctx, ev, outbox...)
}
