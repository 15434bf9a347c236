package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
)

// newEvent starts an audit event with timestamp and actor filled in. The
// store assigns the event id, sequence, and chain hashes on append.
func (o *Orchestrator) newEvent(caseID string, t contracts.EventType, after contracts.CaseStatus, actor contracts.Actor) *contracts.AuditEvent {
	return &contracts.AuditEvent{
		CaseID:      caseID,
		Timestamp:   o.now().UTC(),
		Type:        t,
		StatusAfter: after,
		Actor:       actor,
	}
}

// saveCanonical writes the canonical order artifact. Identical content
// returns the existing version rather than minting a new one.
func (o *Orchestrator) saveCanonical(ctx context.Context, caseID string, order *contracts.CanonicalOrder) (evidence.ObjectRef, error) {
	ref, err := evidence.PutArtifactJSON(ctx, o.evidence, caseID, evidence.ArtifactCanonical, order)
	if err != nil {
		return evidence.ObjectRef{}, fmt.Errorf("orchestrate: save canonical for %s: %w", caseID, err)
	}
	return ref, nil
}

func countEvents(events []contracts.AuditEvent, t contracts.EventType) int {
	n := 0
	for i := range events {
		if events[i].Type == t {
			n++
		}
	}
	return n
}

// latestOfType returns the newest event of the given type, or nil.
func latestOfType(events []contracts.AuditEvent, t contracts.EventType) *contracts.AuditEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return &events[i]
		}
	}
	return nil
}

// sequenceOf returns the newest event's sequence for the given type, or 0.
func sequenceOf(events []contracts.AuditEvent, t contracts.EventType) int64 {
	if e := latestOfType(events, t); e != nil {
		return e.Sequence
	}
	return 0
}

// pendingOverrides merges the correction rounds submitted since the file was
// last stored, oldest first so later rounds win per field. Rounds tied to an
// earlier upload are skipped: a fresh file voids old column ids.
func (o *Orchestrator) pendingOverrides(ctx context.Context, caseID string, events []contracts.AuditEvent) (*extract.Overrides, error) {
	since := sequenceOf(events, contracts.EventFileStored)
	merged := extract.Overrides{Method: extract.MethodUser}
	found := false
	for i := range events {
		e := &events[i]
		if e.Type != contracts.EventCorrectionsSubmitted || e.Sequence <= since {
			continue
		}
		ptr := e.Pointers[string(evidence.ArtifactCorrections)]
		bucket, key, ok := evidence.SplitPointer(ptr)
		if !ok {
			return nil, fmt.Errorf("orchestrate: corrections event %d for %s has no blob pointer", e.Sequence, caseID)
		}
		data, err := o.evidence.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: load corrections for %s: %w", caseID, err)
		}
		var c contracts.Corrections
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("orchestrate: decode corrections for %s: %w", caseID, err)
		}
		if merged.Mappings == nil {
			merged.Mappings = map[contracts.FieldKey]string{}
		}
		for f, col := range c.Mappings {
			merged.Mappings[f] = col
		}
		if c.CustomerText != "" {
			merged.CustomerText = c.CustomerText
		}
		found = true
	}
	if !found {
		return nil, nil
	}
	return &merged, nil
}

// selectedCustomer returns the customer id picked by a human since the last
// completed parse, or "". Selections predating a re-parse are stale.
func selectedCustomer(events []contracts.AuditEvent) string {
	since := sequenceOf(events, contracts.EventParseCompleted)
	if e := latestOfType(events, contracts.EventCustomerSelected); e != nil && e.Sequence > since {
		return dataString(e, "customer_id")
	}
	return ""
}

// selectedItems returns the per-row item picks made since the last completed
// parse, later picks winning per row.
func selectedItems(events []contracts.AuditEvent) map[int]string {
	since := sequenceOf(events, contracts.EventParseCompleted)
	picks := map[int]string{}
	for i := range events {
		e := &events[i]
		if e.Type != contracts.EventItemSelected || e.Sequence <= since {
			continue
		}
		row, ok := dataInt(e, "row_index")
		id := dataString(e, "item_id")
		if ok && id != "" {
			picks[row] = id
		}
	}
	return picks
}

func dataString(e *contracts.AuditEvent, key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// dataInt reads a numeric Data value. Values round-tripped through JSON come
// back as float64.
func dataInt(e *contracts.AuditEvent, key string) (int, bool) {
	if e == nil || e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// issueCodes lists the distinct codes at or above min, in first-seen order.
func issueCodes(issues []contracts.Issue, min contracts.Severity) []string {
	var codes []string
	seen := map[contracts.IssueCode]bool{}
	for _, is := range issues {
		if !is.Severity.AtLeast(min) || seen[is.Code] {
			continue
		}
		seen[is.Code] = true
		codes = append(codes, string(is.Code))
	}
	return codes
}

// candidateData flattens match candidates for an event's Data payload.
func candidateData(cands []contracts.MatchCandidate) []map[string]any {
	out := make([]map[string]any, 0, len(cands))
	for _, c := range cands {
		out = append(out, map[string]any{
			"external_id": c.Ref.ExternalID,
			"name":        c.Ref.Name,
			"score":       c.Score,
		})
	}
	return out
}
