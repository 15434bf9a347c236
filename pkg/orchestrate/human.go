package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
)

// ErrNotWaiting: the case is not in the status this action resumes.
var ErrNotWaiting = errors.New("orchestrate: case is not awaiting this action")

// HandleHumanEvent applies a user action to a waiting case and hands it back
// to the worker pool. Actions are gated on the status that awaits them;
// cancel is legal in any non-terminal status.
func (o *Orchestrator) HandleHumanEvent(ctx context.Context, hev contracts.HumanEvent) error {
	if !hev.Type.Valid() {
		return fmt.Errorf("orchestrate: unknown human event type %q", hev.Type)
	}
	c, err := o.store.GetCase(ctx, hev.CaseID)
	if err != nil {
		return err
	}

	switch hev.Type {
	case contracts.HumanCancel:
		return o.cancelCase(ctx, c, hev)
	case contracts.HumanFileReuploaded:
		return fmt.Errorf("orchestrate: file re-upload carries content, use ReuploadFile")
	case contracts.HumanCorrectionsSubmitted:
		if err := awaiting(c, contracts.StatusAwaitingCorrections); err != nil {
			return err
		}
		return o.applyCorrections(ctx, c, hev)
	case contracts.HumanCustomerSelected:
		if err := awaiting(c, contracts.StatusAwaitingCustomerSelection); err != nil {
			return err
		}
		return o.applyCustomerSelection(ctx, c, hev)
	case contracts.HumanItemSelected:
		return o.applyItemSelection(ctx, c, hev)
	case contracts.HumanApprovalReceived:
		if err := awaiting(c, contracts.StatusAwaitingApproval); err != nil {
			return err
		}
		return o.applyApproval(ctx, c, hev)
	}
	return fmt.Errorf("orchestrate: unhandled human event type %q", hev.Type)
}

func awaiting(c *contracts.Case, want contracts.CaseStatus) error {
	if c.Status != want {
		return fmt.Errorf("orchestrate: case %s is %s, not %s: %w", c.CaseID, c.Status, want, ErrNotWaiting)
	}
	return nil
}

// resume disarms the deadline, appends the action event, and moves the case
// into the event's runnable StatusAfter. The deadline goes first so an
// expiry sweep cannot cancel a case the user just acted on.
func (o *Orchestrator) resume(ctx context.Context, caseID string, from contracts.CaseStatus, ev *contracts.AuditEvent) error {
	if err := o.disarmDeadline(ctx, caseID); err != nil {
		return err
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return o.store.UpdateStatus(ctx, caseID, from, ev.StatusAfter)
}

// applyCorrections archives the correction round and sends the case back
// through parsing. The event carries a blob pointer, never the payload.
func (o *Orchestrator) applyCorrections(ctx context.Context, c *contracts.Case, hev contracts.HumanEvent) error {
	var corr contracts.Corrections
	if err := decodePayload(hev.Payload, &corr); err != nil {
		return err
	}
	if err := corr.Validate(); err != nil {
		return err
	}
	ref, err := evidence.PutArtifactJSON(ctx, o.evidence, c.CaseID, evidence.ArtifactCorrections, &corr)
	if err != nil {
		return fmt.Errorf("orchestrate: store corrections for %s: %w", c.CaseID, err)
	}

	fields := make([]string, 0, len(corr.Mappings))
	for f := range corr.Mappings {
		fields = append(fields, string(f))
	}
	ev := o.newEvent(c.CaseID, contracts.EventCorrectionsSubmitted, contracts.StatusParsing, hev.Actor)
	ev.Data = map[string]any{"fields": fields}
	if corr.CustomerText != "" {
		ev.Data["customer_text"] = true
	}
	ev.Pointers = map[string]string{string(evidence.ArtifactCorrections): ref.Pointer()}
	return o.resume(ctx, c.CaseID, contracts.StatusAwaitingCorrections, ev)
}

// applyCustomerSelection records the picked customer. The id is validated
// against the catalog here so a bad pick is rejected at the boundary instead
// of bouncing the case back to waiting.
func (o *Orchestrator) applyCustomerSelection(ctx context.Context, c *contracts.Case, hev contracts.HumanEvent) error {
	var sel struct {
		CustomerID string `json:"customer_id"`
	}
	if err := decodePayload(hev.Payload, &sel); err != nil {
		return err
	}
	if sel.CustomerID == "" {
		return fmt.Errorf("orchestrate: customer_id is required")
	}
	ref, err := o.resolver.LookupCustomer(ctx, sel.CustomerID)
	if err != nil {
		return fmt.Errorf("orchestrate: customer %s: %w", sel.CustomerID, err)
	}

	ev := o.newEvent(c.CaseID, contracts.EventCustomerSelected, contracts.StatusResolvingCustomer, hev.Actor)
	ev.Data = map[string]any{"customer_id": ref.ExternalID, "customer_name": ref.Name}
	return o.resume(ctx, c.CaseID, contracts.StatusAwaitingCustomerSelection, ev)
}

// applyItemSelection records one row's pick. Picks for further rows may land
// while the resolver is already re-running; those append without a
// transition and the next run folds them in.
func (o *Orchestrator) applyItemSelection(ctx context.Context, c *contracts.Case, hev contracts.HumanEvent) error {
	if c.Status != contracts.StatusAwaitingItemSelection && c.Status != contracts.StatusResolvingItems {
		return fmt.Errorf("orchestrate: case %s is %s, not %s: %w",
			c.CaseID, c.Status, contracts.StatusAwaitingItemSelection, ErrNotWaiting)
	}
	var sel struct {
		RowIndex *int   `json:"row_index"`
		ItemID   string `json:"item_id"`
	}
	if err := decodePayload(hev.Payload, &sel); err != nil {
		return err
	}
	if sel.RowIndex == nil || sel.ItemID == "" {
		return fmt.Errorf("orchestrate: row_index and item_id are required")
	}
	item, err := o.resolver.LookupItem(ctx, sel.ItemID)
	if err != nil {
		return fmt.Errorf("orchestrate: item %s: %w", sel.ItemID, err)
	}

	ev := o.newEvent(c.CaseID, contracts.EventItemSelected, contracts.StatusResolvingItems, hev.Actor)
	ev.Data = map[string]any{
		"row_index": *sel.RowIndex,
		"item_id":   item.ExternalID,
		"item_name": item.Name,
	}
	if c.Status == contracts.StatusResolvingItems {
		return o.store.AppendEvent(ctx, ev)
	}
	return o.resume(ctx, c.CaseID, contracts.StatusAwaitingItemSelection, ev)
}

// applyApproval either releases the case to draft creation or sends it back
// for another round of corrections. Rejection restarts the wait clock.
func (o *Orchestrator) applyApproval(ctx context.Context, c *contracts.Case, hev contracts.HumanEvent) error {
	var dec struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note"`
	}
	if err := decodePayload(hev.Payload, &dec); err != nil {
		return err
	}

	if dec.Approved {
		ev := o.newEvent(c.CaseID, contracts.EventApprovalReceived, contracts.StatusCreatingDraft, hev.Actor)
		ev.Data = map[string]any{"approved": true}
		if dec.Note != "" {
			ev.Data["note"] = trunc(dec.Note, 500)
		}
		return o.resume(ctx, c.CaseID, contracts.StatusAwaitingApproval, ev)
	}

	if err := o.store.SetWaitDeadline(ctx, c.CaseID, o.now().Add(o.opts.WaitTimeout)); err != nil {
		return err
	}
	ev := o.newEvent(c.CaseID, contracts.EventApprovalReceived, contracts.StatusAwaitingCorrections, hev.Actor)
	ev.Data = map[string]any{"approved": false}
	if dec.Note != "" {
		ev.Data["note"] = trunc(dec.Note, 500)
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return o.store.UpdateStatus(ctx, c.CaseID, contracts.StatusAwaitingApproval, contracts.StatusAwaitingCorrections)
}

// cancelCase ends the case from any non-terminal status.
func (o *Orchestrator) cancelCase(ctx context.Context, c *contracts.Case, hev contracts.HumanEvent) error {
	if c.Status.Terminal() {
		return fmt.Errorf("orchestrate: case %s is already %s: %w", c.CaseID, c.Status, ErrNotWaiting)
	}
	var pay struct {
		Reason string `json:"reason"`
	}
	if err := decodePayload(hev.Payload, &pay); err != nil {
		return err
	}

	ev := o.newEvent(c.CaseID, contracts.EventCaseCancelled, contracts.StatusCancelled, hev.Actor)
	ev.Data = map[string]any{"from_status": string(c.Status)}
	if pay.Reason != "" {
		ev.Data["reason"] = trunc(pay.Reason, 500)
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if err := o.store.UpdateStatus(ctx, c.CaseID, c.Status, contracts.StatusCancelled); err != nil {
		return err
	}
	o.caseClosed(ctx)
	return nil
}

// decodePayload maps a loosely typed webhook payload onto its typed form.
func decodePayload(payload map[string]any, v any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("orchestrate: encode payload: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("orchestrate: decode payload: %w", err)
	}
	return nil
}
