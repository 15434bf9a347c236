package contracts

import (
	"fmt"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
)

// EventType names one audit event. Automated steps emit an intent event
// before the effect and a result event after it; human actions and the
// scheduler emit their own types.
type EventType string

const (
	EventCaseCreated                EventType = "case_created"
	EventStepIntent                 EventType = "step_intent"
	EventFileStored                 EventType = "file_stored"
	EventParseCompleted             EventType = "parse_completed"
	EventParseBlocked               EventType = "parse_blocked"
	EventCommitteeStarted           EventType = "committee_started"
	EventCommitteeCompleted         EventType = "committee_completed"
	EventCorrectionsRequested       EventType = "corrections_requested"
	EventCustomerResolved           EventType = "customer_resolved"
	EventCustomerSelectionRequested EventType = "customer_selection_requested"
	EventItemsResolved              EventType = "items_resolved"
	EventItemSelectionRequested     EventType = "item_selection_requested"
	EventApprovalRequested          EventType = "approval_requested"
	EventApprovalAuto               EventType = "approval_auto"
	EventDraftSubmitted             EventType = "draft_submitted"
	EventDraftDuplicate             EventType = "draft_duplicate"
	EventSubmitDeferred             EventType = "submit_deferred"
	EventSubmitFailed               EventType = "submit_failed"
	EventRetryScheduled             EventType = "retry_scheduled"
	EventRetryExhausted             EventType = "retry_exhausted"

	EventCorrectionsSubmitted EventType = "corrections_submitted"
	EventCustomerSelected     EventType = "customer_selected"
	EventItemSelected         EventType = "item_selected"
	EventFileReuploaded       EventType = "file_reuploaded"
	EventApprovalReceived     EventType = "approval_received"
	EventCaseCancelled        EventType = "case_cancelled"
	EventCaseExpired          EventType = "case_expired"
)

// ActorType classifies who caused an event.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorSystem    ActorType = "system"
	ActorBot       ActorType = "bot"
	ActorAgent     ActorType = "agent"
	ActorScheduler ActorType = "scheduler"
	ActorAdmin     ActorType = "admin"
)

// Actor identifies the originator of an event or decision.
type Actor struct {
	Type   ActorType `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	IP     string    `json:"ip,omitempty"`
}

// SystemActor is the actor for orchestrator-driven events.
func SystemActor() Actor { return Actor{Type: ActorSystem} }

// SchedulerActor is the actor for deadline and retry sweeps.
func SchedulerActor() Actor { return Actor{Type: ActorScheduler} }

// AuditEvent is one append-only record in a case's event log. Sequence is
// monotonic and gap-free per case, starting at 1. Hash covers the canonical
// form of the event including PrevHash, chaining the log.
type AuditEvent struct {
	EventID     string         `json:"event_id"`
	CaseID      string         `json:"case_id"`
	Sequence    int64          `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"event_type"`
	StatusAfter CaseStatus     `json:"status_after,omitempty"`
	Actor       Actor          `json:"actor"`
	Data        map[string]any `json:"data,omitempty"`

	// Pointers reference evidence-store blobs by logical name, never inline
	// payloads: original, canonical, committee-votes, corrections,
	// external-request, external-response.
	Pointers map[string]string `json:"pointers,omitempty"`

	// Redactions names Data keys whose values were replaced before writing.
	Redactions []string `json:"redactions,omitempty"`

	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// hashableEvent is the canonical projection of an event for hashing. It
// excludes Hash itself and pins the timestamp to RFC 3339 nano UTC so the
// bytes do not depend on the driver's time formatting.
type hashableEvent struct {
	EventID     string            `json:"event_id"`
	CaseID      string            `json:"case_id"`
	Sequence    int64             `json:"sequence"`
	Timestamp   string            `json:"timestamp"`
	Type        EventType         `json:"event_type"`
	StatusAfter CaseStatus        `json:"status_after,omitempty"`
	Actor       Actor             `json:"actor"`
	Data        map[string]any    `json:"data,omitempty"`
	Pointers    map[string]string `json:"pointers,omitempty"`
	Redactions  []string          `json:"redactions,omitempty"`
	PrevHash    string            `json:"prev_hash,omitempty"`
}

// CanonicalBytes serializes the event deterministically for hashing.
func (e *AuditEvent) CanonicalBytes() ([]byte, error) {
	h := hashableEvent{
		EventID:     e.EventID,
		CaseID:      e.CaseID,
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:        e.Type,
		StatusAfter: e.StatusAfter,
		Actor:       e.Actor,
		Data:        e.Data,
		Pointers:    e.Pointers,
		Redactions:  e.Redactions,
		PrevHash:    e.PrevHash,
	}
	return canonicalize.JCS(h)
}

// ComputeHash returns the chained hash of the event, prefixed "sha256:".
func (e *AuditEvent) ComputeHash() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize event %s/%d: %w", e.CaseID, e.Sequence, err)
	}
	return canonicalize.PrefixedHash(b), nil
}

// Seal computes and stores the event hash. PrevHash must already be set to
// the previous event's hash, or empty for sequence 1.
func (e *AuditEvent) Seal() error {
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// VerifyChain checks sequence continuity and hash linkage over an ordered
// slice of events belonging to one case. It returns the first defect found.
func VerifyChain(events []AuditEvent) error {
	prevHash := ""
	for i := range events {
		e := &events[i]
		want := int64(i + 1)
		if e.Sequence != want {
			return fmt.Errorf("audit: sequence gap at index %d: got %d want %d", i, e.Sequence, want)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit: broken link at sequence %d", e.Sequence)
		}
		h, err := e.ComputeHash()
		if err != nil {
			return err
		}
		if e.Hash != h {
			return fmt.Errorf("audit: hash mismatch at sequence %d", e.Sequence)
		}
		prevHash = e.Hash
	}
	return nil
}
