// Package submit posts a resolved order to the accounting system as a draft
// sales order, at most once per fingerprint. The fingerprint row is claimed
// before the external call and the draft order id attached after it, so a
// crash between the two replays into the same claim instead of a second
// order. API failures come back as data on the Result; the error return is
// reserved for storage faults.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/books"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// DraftCreator is the accounting-side surface the submitter needs.
type DraftCreator interface {
	CreateDraftSalesOrder(ctx context.Context, req *books.SalesOrderRequest) (*books.SalesOrder, error)
}

// Outcome classifies one submission attempt.
type Outcome string

const (
	// OutcomeCreated: the draft order exists and is attached to this case.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate: another case already submitted this fingerprint.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeferred: transient failure, worth another attempt.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed: the API rejected the order; retrying cannot help.
	OutcomeFailed Outcome = "failed"
)

// Result is the audit-ready record of one attempt.
type Result struct {
	Outcome             Outcome
	Fingerprint         string
	ExternalOrderID     string
	ExternalOrderNumber string

	// Set on OutcomeDuplicate: the case that created the original order.
	OriginalCaseID string

	// Evidence references for the request and response artifacts.
	RequestRef  evidence.ObjectRef
	ResponseRef evidence.ObjectRef

	// Server-requested minimum wait before the next attempt, when given.
	RetryAfter time.Duration

	// Classification detail for the event log. Operational text only.
	Reason string
}

// Options tune the retry policy and the in-flight conflict wait.
type Options struct {
	RetryBase    time.Duration // first backoff step
	RetryCap     time.Duration // backoff ceiling
	MaxAttempts  int           // scheduled retries before giving up
	Jitter       bool
	WaitInterval time.Duration // poll spacing while another case holds the claim
	WaitPolls    int
}

// Submitter owns the fingerprint gate and the external create call.
type Submitter struct {
	orders   DraftCreator
	store    *state.Store
	evidence evidence.Store
	opts     Options
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// New builds a submitter with the default policy: 1s doubling to 16s, five
// attempts, 6 x 5s conflict polls.
func New(orders DraftCreator, store *state.Store, ev evidence.Store, opts Options) *Submitter {
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 16 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 5 * time.Second
	}
	if opts.WaitPolls <= 0 {
		opts.WaitPolls = 6
	}
	return &Submitter{
		orders:   orders,
		store:    store,
		evidence: ev,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      observability.Component("submit"),
	}
}

// WithClock overrides the clock. Test hook.
func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fingerprint derives the submission fingerprint for a fully resolved order.
func Fingerprint(order *contracts.CanonicalOrder) (string, error) {
	lines, err := fingerprintLines(order)
	if err != nil {
		return "", err
	}
	customer := order.Customer.Resolved
	if customer == nil || customer.ExternalID == "" {
		return "", fmt.Errorf("submit: order has no resolved customer")
	}
	return contracts.ComputeFingerprint(order.Meta.FileHash, customer.ExternalID, lines, order.Meta.ReceivedAt)
}

func fingerprintLines(order *contracts.CanonicalOrder) ([]contracts.FingerprintLine, error) {
	lines := make([]contracts.FingerprintLine, 0, len(order.LineItems))
	for i, li := range order.LineItems {
		if li.Resolution.Status != contracts.ResolutionResolved || li.Resolution.Resolved == nil {
			return nil, fmt.Errorf("submit: line %d is not resolved", i)
		}
		if li.Quantity == nil {
			return nil, fmt.Errorf("submit: line %d has no quantity", i)
		}
		lines = append(lines, contracts.FingerprintLine{
			ItemID:   li.Resolution.Resolved.ExternalID,
			Quantity: *li.Quantity,
		})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("submit: order has no line items")
	}
	return lines, nil
}

// BuildRequest assembles the create payload. Only the catalog-resolved unit
// price is ever sent; the sheet price stays in the canonical order.
func BuildRequest(order *contracts.CanonicalOrder) (*books.SalesOrderRequest, error) {
	customer := order.Customer.Resolved
	if customer == nil || customer.ExternalID == "" {
		return nil, fmt.Errorf("submit: order has no resolved customer")
	}
	lines := make([]books.SalesOrderLine, 0, len(order.LineItems))
	for i, li := range order.LineItems {
		if li.Resolution.Status != contracts.ResolutionResolved || li.Resolution.Resolved == nil {
			return nil, fmt.Errorf("submit: line %d is not resolved", i)
		}
		if li.Quantity == nil {
			return nil, fmt.Errorf("submit: line %d has no quantity", i)
		}
		if li.UnitPriceResolved == nil {
			return nil, fmt.Errorf("submit: line %d has no resolved unit price", i)
		}
		lines = append(lines, books.SalesOrderLine{
			ItemID:   li.Resolution.Resolved.ExternalID,
			Quantity: *li.Quantity,
			Rate:     *li.UnitPriceResolved,
		})
	}
	return books.DraftOrder(order.Meta.CaseID, customer.ExternalID, lines), nil
}

// Submit runs one idempotent submission attempt. attempt counts from 1 and
// is carried into logs and artifacts only; scheduling stays with the caller.
func (s *Submitter) Submit(ctx context.Context, order *contracts.CanonicalOrder, attempt int) (*Result, error) {
	caseID := order.Meta.CaseID
	hash, err := Fingerprint(order)
	if err != nil {
		return nil, err
	}
	req, err := BuildRequest(order)
	if err != nil {
		return nil, err
	}

	fp := &contracts.Fingerprint{
		Hash:      hash,
		CaseID:    caseID,
		TenantID:  order.Meta.TenantID,
		CreatedAt: s.now().UTC(),
	}
	existing, err := s.store.InsertFingerprint(ctx, fp)
	if errors.Is(err, state.ErrDuplicateFingerprint) {
		res, derr := s.resolveConflict(ctx, caseID, hash, existing)
		if derr != nil || res != nil {
			return res, derr
		}
		// The claim belongs to this case with no order attached yet: a
		// replayed attempt. Fall through and create.
	} else if err != nil {
		return nil, err
	}

	return s.create(ctx, caseID, hash, attempt, req)
}

// resolveConflict decides what an existing fingerprint row means for this
// case. A nil, nil return hands the claim back to the caller.
func (s *Submitter) resolveConflict(ctx context.Context, caseID, hash string, existing *contracts.Fingerprint) (*Result, error) {
	if existing.CaseID == caseID {
		if existing.ExternalOrderID != "" {
			// Crash after create, before the case advanced. Converge on
			// the order that already exists.
			s.log.InfoContext(ctx, "replay found existing draft order",
				"case_id", caseID, "external_order_id", existing.ExternalOrderID)
			return &Result{
				Outcome:         OutcomeCreated,
				Fingerprint:     hash,
				ExternalOrderID: existing.ExternalOrderID,
			}, nil
		}
		return nil, nil
	}

	if existing.ExternalOrderID != "" {
		return s.duplicate(ctx, hash, existing), nil
	}

	// Another case holds the claim but has not finished. Wait briefly for
	// its order id instead of racing it.
	for i := 0; i < s.opts.WaitPolls; i++ {
		if err := s.sleep(ctx, s.opts.WaitInterval); err != nil {
			return nil, err
		}
		row, err := s.store.GetFingerprint(ctx, hash)
		if errors.Is(err, state.ErrNotFound) {
			// The other case abandoned the claim. Defer so the next
			// attempt can take it cleanly.
			return &Result{
				Outcome:     OutcomeDeferred,
				Fingerprint: hash,
				Reason:      "fingerprint claim was abandoned by another case",
			}, nil
		}
		if err != nil {
			return nil, err
		}
		if row.ExternalOrderID != "" {
			return s.duplicate(ctx, hash, row), nil
		}
	}
	s.log.WarnContext(ctx, "fingerprint still in flight after wait",
		"case_id", caseID, "holder_case_id", existing.CaseID)
	return &Result{
		Outcome:     OutcomeDeferred,
		Fingerprint: hash,
		Reason:      fmt.Sprintf("identical submission in flight on case %s", existing.CaseID),
	}, nil
}

func (s *Submitter) duplicate(ctx context.Context, hash string, row *contracts.Fingerprint) *Result {
	s.log.InfoContext(ctx, "duplicate submission suppressed",
		"original_case_id", row.CaseID, "external_order_id", row.ExternalOrderID)
	return &Result{
		Outcome:         OutcomeDuplicate,
		Fingerprint:     hash,
		ExternalOrderID: row.ExternalOrderID,
		OriginalCaseID:  row.CaseID,
		Reason:          fmt.Sprintf("same order already submitted by case %s", row.CaseID),
	}
}

// create performs the external call with the claim held, archiving request
// and response around it.
func (s *Submitter) create(ctx context.Context, caseID, hash string, attempt int, req *books.SalesOrderRequest) (*Result, error) {
	res := &Result{Fingerprint: hash}

	reqRef, err := evidence.PutArtifactJSON(ctx, s.evidence, caseID, evidence.ArtifactExternalRequest, archivedRequest{
		Attempt:    attempt,
		SentAt:     s.now().UTC(),
		SalesOrder: req,
	})
	if err != nil {
		return nil, fmt.Errorf("submit: archive request: %w", err)
	}
	res.RequestRef = reqRef

	order, callErr := s.orders.CreateDraftSalesOrder(ctx, req)
	if callErr != nil {
		return s.classify(ctx, caseID, hash, attempt, res, callErr)
	}

	respRef, err := evidence.PutArtifactJSON(ctx, s.evidence, caseID, evidence.ArtifactExternalResponse, archivedResponse{
		Attempt:    attempt,
		ReceivedAt: s.now().UTC(),
		SalesOrder: order,
	})
	if err != nil {
		return nil, fmt.Errorf("submit: archive response: %w", err)
	}
	res.ResponseRef = respRef

	if err := s.store.AttachExternalOrder(ctx, hash, order.SalesOrderID); err != nil {
		return nil, fmt.Errorf("submit: attach external order: %w", err)
	}

	res.Outcome = OutcomeCreated
	res.ExternalOrderID = order.SalesOrderID
	res.ExternalOrderNumber = order.SalesOrderNumber
	s.log.InfoContext(ctx, "draft order submitted",
		"case_id", caseID,
		"attempt", attempt,
		"external_order_id", order.SalesOrderID)
	return res, nil
}

// classify turns an API failure into a deferred or failed result. Permanent
// failures release the claim so a later corrected case is not blocked.
func (s *Submitter) classify(ctx context.Context, caseID, hash string, attempt int, res *Result, callErr error) (*Result, error) {
	res.Reason = callErr.Error()
	res.RetryAfter = books.RetryAfter(callErr)

	if books.Transient(callErr) {
		res.Outcome = OutcomeDeferred
		s.log.WarnContext(ctx, "submission deferred",
			"case_id", caseID, "attempt", attempt, "reason", res.Reason)
		return res, nil
	}

	if err := s.store.DeleteFingerprint(ctx, hash); err != nil {
		return nil, fmt.Errorf("submit: release claim: %w", err)
	}
	res.Outcome = OutcomeFailed
	s.log.ErrorContext(ctx, "submission rejected",
		"case_id", caseID, "attempt", attempt, "reason", res.Reason)
	return res, nil
}

// Abandon releases the fingerprint claim of a case whose retries are
// exhausted or that was cancelled mid-submission.
func (s *Submitter) Abandon(ctx context.Context, order *contracts.CanonicalOrder) error {
	hash, err := Fingerprint(order)
	if err != nil {
		return err
	}
	row, err := s.store.GetFingerprint(ctx, hash)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if row.CaseID != order.Meta.CaseID || row.ExternalOrderID != "" {
		return nil
	}
	return s.store.DeleteFingerprint(ctx, hash)
}

// NextDelay is the wait before the given failed attempt is retried: RetryBase
// doubling per attempt up to RetryCap, with the server hint taking over when
// it asks for longer.
func (s *Submitter) NextDelay(attempt int, serverHint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.opts.RetryBase << (attempt - 1)
	if d > s.opts.RetryCap || d <= 0 {
		d = s.opts.RetryCap
	}
	if serverHint > d {
		d = serverHint
	}
	if q := int64(d) / 4; s.opts.Jitter && q > 0 {
		d += time.Duration(rand.Int63n(q))
	}
	return d
}

// Exhausted reports whether n scheduled retries spend the whole budget; a
// transient failure after the last scheduled retry is terminal.
func (s *Submitter) Exhausted(n int) bool {
	return n >= s.opts.MaxAttempts
}

type archivedRequest struct {
	Attempt    int                      `json:"attempt"`
	SentAt     time.Time                `json:"sent_at"`
	SalesOrder *books.SalesOrderRequest `json:"salesorder"`
}

type archivedResponse struct {
	Attempt    int               `json:"attempt"`
	ReceivedAt time.Time         `json:"received_at"`
	SalesOrder *books.SalesOrder `json:"salesorder"`
}
