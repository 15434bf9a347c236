package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
	"github.com/Quillon-Labs/orderdesk/pkg/committee"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
	"github.com/Quillon-Labs/orderdesk/pkg/submit"
)

// maxEventRows caps how many unresolved rows a parking event describes.
const maxEventRows = 20

// stepStoreFile verifies the uploaded blob against the recorded hash. The
// blob itself was written before the case row existed, so this step is the
// integrity gate, not the store.
func (o *Orchestrator) stepStoreFile(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	ref, data, err := o.evidence.GetOriginal(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("orchestrate: original for %s: %w", caseID, err)
	}
	if got := canonicalize.HashBytes(data); got != c.FileHash {
		return "", fmt.Errorf("orchestrate: stored file hash mismatch for %s: got %s want %s", caseID, got, c.FileHash)
	}

	ev := o.newEvent(caseID, contracts.EventFileStored, contracts.StatusParsing, contracts.SystemActor())
	ev.Data = map[string]any{"file_name": c.FileName, "size": ref.Size, "hash": c.FileHash}
	ev.Pointers = map[string]string{"original": ref.Pointer()}
	return o.advance(ctx, caseID, contracts.StatusStoringFile, ev)
}

// stepParse runs the extractor over the stored workbook, honoring any
// corrections submitted since the file was stored. Blockers park the case;
// a clean parse hands it to the committee.
func (o *Orchestrator) stepParse(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	_, data, err := o.evidence.GetOriginal(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("orchestrate: original for %s: %w", caseID, err)
	}
	events, err := o.store.ListEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	ov, err := o.pendingOverrides(ctx, caseID, events)
	if err != nil {
		return "", err
	}

	meta := contracts.OrderMeta{
		CaseID:     caseID,
		TenantID:   c.TenantID,
		ReceivedAt: c.CreatedAt,
		FileName:   c.FileName,
		FileHash:   c.FileHash,
	}
	res, err := o.extractor.Reextract(ctx, meta, data, ov)
	ignored := ""
	if err != nil && ov != nil && !errors.Is(err, extract.ErrDecode) {
		// A correction names a column this workbook does not have. Parse
		// without it and say so, rather than wedging the case.
		ignored = err.Error()
		o.logger.Warn("corrections not applicable", "case_id", caseID, "error", err)
		res, err = o.extractor.Extract(ctx, meta, data)
	}
	if err != nil {
		// The workbook cannot be decoded at all. Only a new file helps.
		ev := o.newEvent(caseID, contracts.EventParseBlocked, contracts.StatusParseBlocked, contracts.SystemActor())
		ev.Data = map[string]any{
			"blockers": []string{string(contracts.IssueParseFatal)},
			"error":    err.Error(),
		}
		return o.park(ctx, caseID, contracts.StatusParsing, ev)
	}

	order := res.Order
	ref, err := o.saveCanonical(ctx, caseID, order)
	if err != nil {
		return "", err
	}

	if order.HasBlockers() {
		ev := o.newEvent(caseID, contracts.EventParseBlocked, contracts.StatusParseBlocked, contracts.SystemActor())
		ev.Data = map[string]any{
			"blockers": issueCodes(order.Issues, contracts.SeverityBlocker),
			"issues":   len(order.Issues),
		}
		ev.Pointers = map[string]string{string(evidence.ArtifactCanonical): ref.Pointer()}
		return o.park(ctx, caseID, contracts.StatusParsing, ev)
	}

	ev := o.newEvent(caseID, contracts.EventParseCompleted, contracts.StatusRunningCommittee, contracts.SystemActor())
	ev.Data = map[string]any{
		"line_items":    len(order.LineItems),
		"language_hint": order.Meta.LanguageHint,
		"sheet":         order.Schema.SelectedSheet,
		"confidence":    order.Confid.Overall,
	}
	if ignored != "" {
		ev.Data["corrections_ignored"] = ignored
	}
	ev.Pointers = map[string]string{string(evidence.ArtifactCanonical): ref.Pointer()}
	return o.advance(ctx, caseID, contracts.StatusParsing, ev)
}

// stepCommittee convenes a review panel over the evidence pack. A confident
// consensus proceeds, refining the column mapping when the panel disagrees
// with the parser; anything weaker asks the uploader for corrections.
func (o *Orchestrator) stepCommittee(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	events, err := o.store.ListEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	order, err := o.canonicalAt(ctx, caseID, events,
		contracts.EventParseCompleted, contracts.EventCommitteeCompleted)
	if err != nil {
		return "", err
	}
	_, data, err := o.evidence.GetOriginal(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("orchestrate: original for %s: %w", caseID, err)
	}

	// The pack is derived from the workbook's column profiles, so a plain
	// re-extraction reproduces it exactly.
	meta := order.Meta
	packRes, err := o.extractor.Extract(ctx, meta, data)
	if err != nil {
		return "", fmt.Errorf("orchestrate: rebuild evidence pack for %s: %w", caseID, err)
	}

	attempt := countEvents(events, contracts.EventCommitteeStarted) + 1
	seed := committee.PanelSeed(caseID, attempt)
	started := o.newEvent(caseID, contracts.EventCommitteeStarted, contracts.StatusRunningCommittee, contracts.SystemActor())
	started.Data = map[string]any{
		"attempt":    attempt,
		"panel_seed": strconv.FormatUint(seed, 10),
	}
	if err := o.store.AppendEvent(ctx, started); err != nil {
		return "", err
	}

	result, err := o.committee.Review(ctx, caseID, attempt, packRes.Pack)
	if err != nil {
		return "", err
	}
	if o.telemetry != nil {
		for _, vote := range result.Votes {
			o.telemetry.RecordVote(ctx, vote.Provider, vote.Valid)
		}
	}
	votesRef, err := evidence.PutArtifactJSON(ctx, o.evidence, caseID, evidence.ArtifactCommitteeVotes, result)
	if err != nil {
		return "", fmt.Errorf("orchestrate: save committee votes for %s: %w", caseID, err)
	}

	completed := o.newEvent(caseID, contracts.EventCommitteeCompleted, contracts.StatusRunningCommittee, contracts.SystemActor())
	completed.Data = map[string]any{
		"attempt":     attempt,
		"providers":   result.Providers,
		"valid_votes": result.ValidVotes,
		"confidence":  result.OverallConfidence,
	}
	completed.Pointers = map[string]string{string(evidence.ArtifactCommitteeVotes): votesRef.Pointer()}

	if result.ValidVotes == 0 || result.RequiresHumanInput {
		if err := o.store.AppendEvent(ctx, completed); err != nil {
			return "", err
		}
		req := o.newEvent(caseID, contracts.EventCorrectionsRequested, contracts.StatusAwaitingCorrections, contracts.SystemActor())
		if result.ValidVotes == 0 {
			req.Data = map[string]any{"reason": string(contracts.IssueCommitteeUnavailable), "attempt": attempt}
		} else {
			var disputed []string
			for _, fc := range result.Fields {
				if fc.RequiresHumanInput {
					disputed = append(disputed, string(fc.Field))
				}
			}
			req.Data = map[string]any{
				"reason":      string(contracts.IssueCommitteeDisagreement),
				"attempt":     attempt,
				"valid_votes": result.ValidVotes,
			}
			if len(disputed) > 0 {
				req.Data["fields"] = disputed
			}
		}
		return o.park(ctx, caseID, contracts.StatusRunningCommittee, req)
	}

	// Apply consensus winners that beat the parser's own mapping, but never
	// on top of explicit user corrections.
	userPending, err := o.pendingOverrides(ctx, caseID, events)
	if err != nil {
		return "", err
	}
	if ov := committeeOverrides(order, result); ov != nil && userPending == nil {
		refined, rerr := o.extractor.Reextract(ctx, meta, data, ov)
		if rerr != nil {
			o.logger.Warn("committee refinement not applicable", "case_id", caseID, "error", rerr)
		} else {
			order = refined.Order
			ref, serr := o.saveCanonical(ctx, caseID, order)
			if serr != nil {
				return "", serr
			}
			completed.Pointers[string(evidence.ArtifactCanonical)] = ref.Pointer()
			fields := make([]string, 0, len(ov.Mappings))
			for f := range ov.Mappings {
				fields = append(fields, string(f))
			}
			completed.Data["refined_fields"] = fields
		}
	}

	completed.StatusAfter = contracts.StatusResolvingCustomer
	return o.advance(ctx, caseID, contracts.StatusRunningCommittee, completed)
}

// committeeOverrides turns consensus winners that disagree with the current
// schema into re-extraction overrides. Fields without a clear winner are
// left to the mapper.
func committeeOverrides(order *contracts.CanonicalOrder, result *contracts.CommitteeResult) *extract.Overrides {
	current := map[contracts.FieldKey]string{}
	for _, m := range order.Schema.Mappings {
		current[m.Field] = m.ColumnID
	}
	diffs := map[contracts.FieldKey]string{}
	for _, fc := range result.Fields {
		if fc.WinnerColumnID == nil || fc.RequiresHumanInput {
			continue
		}
		if current[fc.Field] != *fc.WinnerColumnID {
			diffs[fc.Field] = *fc.WinnerColumnID
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	return &extract.Overrides{Mappings: diffs, Method: extract.MethodCommittee}
}

// stepResolveCustomer matches the extracted customer against the catalog. A
// human pick made since the last parse wins over the matcher.
func (o *Orchestrator) stepResolveCustomer(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	events, err := o.store.ListEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	order, err := o.canonicalAt(ctx, caseID, events,
		contracts.EventParseCompleted, contracts.EventCommitteeCompleted)
	if err != nil {
		return "", err
	}

	if id := selectedCustomer(events); id != "" {
		ref, lerr := o.resolver.LookupCustomer(ctx, id)
		if lerr != nil {
			// The picked id is gone from the catalog. Ask again.
			ev := o.newEvent(caseID, contracts.EventCustomerSelectionRequested, contracts.StatusAwaitingCustomerSelection, contracts.SystemActor())
			ev.Data = map[string]any{
				"raw_text": trunc(order.Customer.RawText, 200),
				"error":    fmt.Sprintf("selected customer %s is not in the catalog", id),
			}
			return o.park(ctx, caseID, contracts.StatusResolvingCustomer, ev)
		}
		return o.customerResolved(ctx, caseID, ref, "user_selected")
	}

	cres, err := o.resolver.ResolveCustomer(ctx, order.Customer)
	if err != nil {
		return "", err
	}
	if cres.Block.Resolution == contracts.ResolutionResolved {
		return o.customerResolved(ctx, caseID, cres.Block.Resolved, "catalog_match")
	}

	ev := o.newEvent(caseID, contracts.EventCustomerSelectionRequested, contracts.StatusAwaitingCustomerSelection, contracts.SystemActor())
	ev.Data = map[string]any{
		"raw_text":   trunc(order.Customer.RawText, 200),
		"resolution": string(cres.Block.Resolution),
		"candidates": candidateData(cres.Block.Candidates),
	}
	if codes := issueCodes(cres.Issues, contracts.SeverityInfo); len(codes) > 0 {
		ev.Data["issues"] = codes
	}
	if cres.Stale {
		ev.Data["catalog_stale"] = true
	}
	return o.park(ctx, caseID, contracts.StatusResolvingCustomer, ev)
}

func (o *Orchestrator) customerResolved(ctx context.Context, caseID string, ref *contracts.CatalogRef, method string) (contracts.CaseStatus, error) {
	if err := o.store.SetResolvedCustomer(ctx, caseID, ref.ExternalID, ref.Name); err != nil {
		return "", err
	}
	ev := o.newEvent(caseID, contracts.EventCustomerResolved, contracts.StatusResolvingItems, contracts.SystemActor())
	ev.Data = map[string]any{
		"customer_id":   ref.ExternalID,
		"customer_name": ref.Name,
		"method":        method,
	}
	return o.advance(ctx, caseID, contracts.StatusResolvingCustomer, ev)
}

// stepResolveItems matches every order line against the item catalog, lays
// human picks over the matcher's output, and on full resolution writes the
// resolved canonical and decides approval.
func (o *Orchestrator) stepResolveItems(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	if c.ResolvedCustomerID == "" {
		return "", fmt.Errorf("orchestrate: case %s reached item resolution without a customer", caseID)
	}
	events, err := o.store.ListEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	order, err := o.canonicalAt(ctx, caseID, events,
		contracts.EventParseCompleted, contracts.EventCommitteeCompleted)
	if err != nil {
		return "", err
	}

	ires, err := o.resolver.ResolveItems(ctx, order.LineItems)
	if err != nil {
		return "", err
	}
	items := ires.Items

	// Human picks override the matcher for their rows.
	picks := selectedItems(events)
	for i := range items {
		id, ok := picks[items[i].RowIndex]
		if !ok {
			continue
		}
		item, lerr := o.resolver.LookupItem(ctx, id)
		if lerr != nil {
			ev := o.newEvent(caseID, contracts.EventItemSelectionRequested, contracts.StatusAwaitingItemSelection, contracts.SystemActor())
			ev.Data = map[string]any{
				"error": fmt.Sprintf("selected item %s is not in the catalog", id),
				"rows":  []any{items[i].RowIndex},
			}
			return o.park(ctx, caseID, contracts.StatusResolvingItems, ev)
		}
		ref := item.Ref()
		items[i].Resolution = contracts.ItemResolution{
			Status:   contracts.ResolutionResolved,
			Resolved: &ref,
			Method:   "user_selected",
		}
		rate := item.Rate
		items[i].UnitPriceResolved = &rate
	}
	order.LineItems = items

	var unresolved []map[string]any
	total := 0
	for i := range items {
		if items[i].Resolution.Status == contracts.ResolutionResolved {
			continue
		}
		total++
		if len(unresolved) < maxEventRows {
			unresolved = append(unresolved, map[string]any{
				"row_index":  items[i].RowIndex,
				"resolution": string(items[i].Resolution.Status),
				"candidates": candidateData(items[i].Resolution.Candidates),
			})
		}
	}
	if total > 0 {
		ev := o.newEvent(caseID, contracts.EventItemSelectionRequested, contracts.StatusAwaitingItemSelection, contracts.SystemActor())
		ev.Data = map[string]any{"unresolved": unresolved, "unresolved_total": total}
		if ires.Stale {
			ev.Data["catalog_stale"] = true
		}
		return o.park(ctx, caseID, contracts.StatusResolvingItems, ev)
	}

	order.Customer.Resolution = contracts.ResolutionResolved
	order.Customer.Resolved = &contracts.CatalogRef{ExternalID: c.ResolvedCustomerID, Name: c.ResolvedCustomerName}
	order.Customer.Candidates = nil
	order.Issues = append(order.Issues, ires.Issues...)

	ref, err := o.saveCanonical(ctx, caseID, order)
	if err != nil {
		return "", err
	}
	ev := o.newEvent(caseID, contracts.EventItemsResolved, contracts.StatusAwaitingApproval, contracts.SystemActor())
	ev.Data = map[string]any{"line_items": len(items)}
	if len(ires.PriceDiffs) > 0 {
		ev.Data["price_overrides"] = len(ires.PriceDiffs)
	}
	if ires.Stale {
		ev.Data["catalog_stale"] = true
	}
	ev.Pointers = map[string]string{string(evidence.ArtifactCanonical): ref.Pointer()}

	needsHuman, perr := o.policy.RequiresApproval(c, order)
	if perr != nil {
		// A broken policy fails closed: a human approves.
		o.logger.Warn("approval policy failed", "case_id", caseID, "error", perr)
		needsHuman = true
	}

	if _, err := o.park(ctx, caseID, contracts.StatusResolvingItems, ev); err != nil {
		return "", err
	}
	if needsHuman {
		req := o.newEvent(caseID, contracts.EventApprovalRequested, contracts.StatusAwaitingApproval, contracts.SystemActor())
		req.Data = map[string]any{"reason": "approval_policy"}
		if err := o.store.AppendEvent(ctx, req); err != nil {
			return "", err
		}
		return contracts.StatusAwaitingApproval, nil
	}

	autoEv := o.newEvent(caseID, contracts.EventApprovalAuto, contracts.StatusCreatingDraft, contracts.SystemActor())
	autoEv.Data = map[string]any{"approved": true, "auto": true}
	if err := o.store.AppendEvent(ctx, autoEv); err != nil {
		return "", err
	}
	if err := o.store.UpdateStatus(ctx, caseID, contracts.StatusAwaitingApproval, contracts.StatusCreatingDraft); err != nil {
		return "", err
	}
	if err := o.disarmDeadline(ctx, caseID); err != nil {
		return "", err
	}
	return contracts.StatusCreatingDraft, nil
}

// stepCreateDraft submits the approved order. Exactly one external draft can
// come out of a fingerprint; everything else is duplicate, deferral, or
// terminal failure.
func (o *Orchestrator) stepCreateDraft(ctx context.Context, caseID string) (contracts.CaseStatus, error) {
	events, err := o.store.ListEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	order, err := o.canonicalAt(ctx, caseID, events, contracts.EventItemsResolved)
	if err != nil {
		return "", err
	}

	retries := countEvents(events, contracts.EventRetryScheduled)
	attempt := retries + 1
	res, err := o.submitter.Submit(ctx, order, attempt)
	if err != nil {
		return "", err
	}
	if o.telemetry != nil {
		o.telemetry.RecordSubmission(ctx, string(res.Outcome))
	}

	switch res.Outcome {
	case submit.OutcomeCreated:
		if err := o.store.SetExternalOrder(ctx, caseID, res.ExternalOrderID); err != nil {
			return "", err
		}
		o.completePendingRetry(ctx, caseID)
		ev := o.newEvent(caseID, contracts.EventDraftSubmitted, contracts.StatusCompleted, contracts.SystemActor())
		ev.Data = map[string]any{
			"external_order_id":     res.ExternalOrderID,
			"external_order_number": res.ExternalOrderNumber,
			"fingerprint":           res.Fingerprint,
			"attempt":               attempt,
		}
		ev.Pointers = map[string]string{}
		if res.RequestRef.Key != "" {
			ev.Pointers[string(evidence.ArtifactExternalRequest)] = res.RequestRef.Pointer()
		}
		if res.ResponseRef.Key != "" {
			ev.Pointers[string(evidence.ArtifactExternalResponse)] = res.ResponseRef.Pointer()
		}
		out := contracts.OutboxEntry{
			CaseID: caseID,
			Type:   contracts.OutboxSalesOrderCreated,
			Payload: map[string]any{
				"case_id":               caseID,
				"external_order_id":     res.ExternalOrderID,
				"external_order_number": res.ExternalOrderNumber,
			},
		}
		return o.advance(ctx, caseID, contracts.StatusCreatingDraft, ev, out)

	case submit.OutcomeDuplicate:
		if err := o.store.SetExternalOrder(ctx, caseID, res.ExternalOrderID); err != nil {
			return "", err
		}
		o.completePendingRetry(ctx, caseID)
		ev := o.newEvent(caseID, contracts.EventDraftDuplicate, contracts.StatusCompleted, contracts.SystemActor())
		ev.Data = map[string]any{
			"external_order_id": res.ExternalOrderID,
			"original_case_id":  res.OriginalCaseID,
			"fingerprint":       res.Fingerprint,
		}
		out := contracts.OutboxEntry{
			CaseID: caseID,
			Type:   contracts.OutboxSalesOrderCreated,
			Payload: map[string]any{
				"case_id":           caseID,
				"external_order_id": res.ExternalOrderID,
				"original_case_id":  res.OriginalCaseID,
				"duplicate":         true,
			},
		}
		return o.advance(ctx, caseID, contracts.StatusCreatingDraft, ev, out)

	case submit.OutcomeDeferred:
		if o.submitter.Exhausted(retries) {
			if err := o.submitter.Abandon(ctx, order); err != nil {
				return "", err
			}
			o.completePendingRetry(ctx, caseID)
			ev := o.newEvent(caseID, contracts.EventRetryExhausted, contracts.StatusFailed, contracts.SystemActor())
			ev.Data = map[string]any{"attempts": attempt, "reason": res.Reason}
			out := contracts.OutboxEntry{
				CaseID: caseID,
				Type:   contracts.OutboxRetryExhausted,
				Payload: map[string]any{
					"case_id":  caseID,
					"attempts": attempt,
					"reason":   res.Reason,
				},
			}
			return o.advance(ctx, caseID, contracts.StatusCreatingDraft, ev, out)
		}

		delay := o.submitter.NextDelay(attempt, res.RetryAfter)
		nextAt := o.now().Add(delay)
		if err := o.scheduleRetry(ctx, caseID, attempt, nextAt, res.Reason); err != nil {
			return "", err
		}
		deferred := o.newEvent(caseID, contracts.EventSubmitDeferred, contracts.StatusCreatingDraft, contracts.SystemActor())
		deferred.Data = map[string]any{"attempt": attempt, "reason": res.Reason}
		if res.RequestRef.Key != "" {
			deferred.Pointers = map[string]string{string(evidence.ArtifactExternalRequest): res.RequestRef.Pointer()}
		}
		if err := o.store.AppendEvent(ctx, deferred); err != nil {
			return "", err
		}
		ev := o.newEvent(caseID, contracts.EventRetryScheduled, contracts.StatusQueuedForRetry, contracts.SystemActor())
		ev.Data = map[string]any{
			"attempt":         attempt,
			"delay_ms":        delay.Milliseconds(),
			"next_attempt_at": nextAt.UTC().Format(time.RFC3339Nano),
		}
		return o.advance(ctx, caseID, contracts.StatusCreatingDraft, ev)

	default: // submit.OutcomeFailed
		o.completePendingRetry(ctx, caseID)
		ev := o.newEvent(caseID, contracts.EventSubmitFailed, contracts.StatusFailed, contracts.SystemActor())
		ev.Data = map[string]any{"attempt": attempt, "reason": res.Reason}
		if res.RequestRef.Key != "" {
			ev.Pointers = map[string]string{string(evidence.ArtifactExternalRequest): res.RequestRef.Pointer()}
		}
		out := contracts.OutboxEntry{
			CaseID: caseID,
			Type:   contracts.OutboxSalesOrderFailed,
			Payload: map[string]any{
				"case_id": caseID,
				"reason":  res.Reason,
			},
		}
		return o.advance(ctx, caseID, contracts.StatusCreatingDraft, ev, out)
	}
}

// scheduleRetry enqueues the next attempt, reusing a pending row left by an
// interrupted predecessor instead of stacking a second one.
func (o *Orchestrator) scheduleRetry(ctx context.Context, caseID string, attempt int, nextAt time.Time, lastErr string) error {
	existing, err := o.store.PendingRetryForCase(ctx, caseID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if existing != nil {
		return o.store.RescheduleRetry(ctx, existing.ID, attempt, nextAt, lastErr)
	}
	return o.store.EnqueueRetry(ctx, &contracts.RetryItem{
		CaseID:        caseID,
		Attempt:       attempt,
		NextAttemptAt: nextAt,
		LastError:     lastErr,
	})
}

// completePendingRetry consumes a leftover retry row when the case reaches a
// terminal submit outcome through a path that bypassed the sweep.
func (o *Orchestrator) completePendingRetry(ctx context.Context, caseID string) {
	item, err := o.store.PendingRetryForCase(ctx, caseID)
	if err != nil {
		return
	}
	if err := o.store.CompleteRetry(ctx, item.ID); err != nil {
		o.logger.Warn("complete retry", "case_id", caseID, "error", err)
	}
}

// canonicalAt loads the canonical order referenced by the newest event of
// any of the given types. Reading through the event pointer rather than the
// latest version keeps a re-run of a step working from the same input.
func (o *Orchestrator) canonicalAt(ctx context.Context, caseID string, events []contracts.AuditEvent, types ...contracts.EventType) (*contracts.CanonicalOrder, error) {
	for i := len(events) - 1; i >= 0; i-- {
		e := &events[i]
		match := false
		for _, t := range types {
			if e.Type == t {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		ptr, ok := e.Pointers[string(evidence.ArtifactCanonical)]
		if !ok {
			continue
		}
		bucket, key, ok := evidence.SplitPointer(ptr)
		if !ok {
			return nil, fmt.Errorf("orchestrate: bad canonical pointer at sequence %d of %s", e.Sequence, caseID)
		}
		data, err := o.evidence.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: load canonical for %s: %w", caseID, err)
		}
		var order contracts.CanonicalOrder
		if err := json.Unmarshal(data, &order); err != nil {
			return nil, fmt.Errorf("orchestrate: decode canonical for %s: %w", caseID, err)
		}
		return &order, nil
	}
	return nil, fmt.Errorf("orchestrate: no canonical order recorded for %s", caseID)
}

// disarmDeadline clears the wait deadline once a case leaves its waiting
// status.
func (o *Orchestrator) disarmDeadline(ctx context.Context, caseID string) error {
	return o.store.SetWaitDeadline(ctx, caseID, time.Time{})
}

// trunc caps s at n runes. Event data carries Farsi and Arabic text, so the
// cut must not land inside a UTF-8 sequence.
func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
