// Package contracts defines the shared domain types of the order-intake core:
// cases, canonical orders, issues, audit events, committee votes, and the
// durable queue records. Components communicate through these types only.
package contracts

import (
	"fmt"
	"regexp"
	"time"
)

// CaseStatus is the orchestrator-owned lifecycle state of a case.
type CaseStatus string

const (
	StatusCreated                   CaseStatus = "created"
	StatusStoringFile               CaseStatus = "storing_file"
	StatusParsing                   CaseStatus = "parsing"
	StatusParseBlocked              CaseStatus = "parse_blocked"
	StatusRunningCommittee          CaseStatus = "running_committee"
	StatusAwaitingCorrections       CaseStatus = "awaiting_corrections"
	StatusResolvingCustomer         CaseStatus = "resolving_customer"
	StatusAwaitingCustomerSelection CaseStatus = "awaiting_customer_selection"
	StatusResolvingItems            CaseStatus = "resolving_items"
	StatusAwaitingItemSelection     CaseStatus = "awaiting_item_selection"
	StatusAwaitingApproval          CaseStatus = "awaiting_approval"
	StatusCreatingDraft             CaseStatus = "creating_draft"
	StatusQueuedForRetry            CaseStatus = "queued_for_retry"
	StatusCompleted                 CaseStatus = "completed"
	StatusFailed                    CaseStatus = "failed"
	StatusCancelled                 CaseStatus = "cancelled"
)

// caseTransitions enumerates the legal forward edges of the state machine.
// Cancellation from any non-terminal status is handled by CanTransition, not
// listed here.
var caseTransitions = map[CaseStatus][]CaseStatus{
	StatusCreated:                   {StatusStoringFile},
	StatusStoringFile:               {StatusParsing},
	StatusParsing:                   {StatusParseBlocked, StatusRunningCommittee},
	StatusParseBlocked:              {StatusStoringFile},
	StatusRunningCommittee:          {StatusAwaitingCorrections, StatusResolvingCustomer},
	StatusAwaitingCorrections:       {StatusParsing},
	StatusResolvingCustomer:         {StatusAwaitingCustomerSelection, StatusResolvingItems},
	StatusAwaitingCustomerSelection: {StatusResolvingCustomer},
	StatusResolvingItems:            {StatusAwaitingItemSelection, StatusAwaitingApproval},
	StatusAwaitingItemSelection:     {StatusResolvingItems},
	StatusAwaitingApproval:          {StatusAwaitingCorrections, StatusCreatingDraft},
	StatusCreatingDraft:             {StatusCompleted, StatusQueuedForRetry, StatusFailed},
	StatusQueuedForRetry:            {StatusCreatingDraft, StatusFailed},
	StatusCompleted:                 {},
	StatusFailed:                    {},
	StatusCancelled:                 {},
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	_, ok := caseTransitions[s]
	return ok
}

// Terminal reports whether the status admits no further transitions.
func (s CaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Waiting reports whether the status parks the case on an external event and
// is therefore subject to the case wait deadline.
func (s CaseStatus) Waiting() bool {
	switch s {
	case StatusParseBlocked, StatusAwaitingCorrections, StatusAwaitingCustomerSelection,
		StatusAwaitingItemSelection, StatusAwaitingApproval:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal edge. Any non-terminal
// status may transition to cancelled.
func CanTransition(from, to CaseStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusCancelled {
		return !from.Terminal()
	}
	for _, next := range caseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the legal successors of s, excluding cancellation.
func NextStatuses(s CaseStatus) []CaseStatus {
	next := caseTransitions[s]
	out := make([]CaseStatus, len(next))
	copy(out, next)
	return out
}

var fileHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Case is the unit of work: one uploaded spreadsheet file. The orchestrator
// exclusively owns Status; everything else is written once at creation or by
// the component that owns the field.
type Case struct {
	CaseID         string     `json:"case_id"`
	TenantID       string     `json:"tenant_id"`
	UploaderID     string     `json:"uploader_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	FileName       string     `json:"file_name"`
	FileHash       string     `json:"file_hash"`
	Status         CaseStatus `json:"status"`
	CorrelationID  string     `json:"correlation_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Lease bookkeeping for the worker pool; zero values mean unleased.
	LeasedBy    string     `json:"leased_by,omitempty"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`

	// Set while the case is parked in a waiting status; expiry cancels the
	// case with CASE_EXPIRED.
	WaitDeadline *time.Time `json:"wait_deadline,omitempty"`

	// Denormalized from the canonical order once the customer resolves, so
	// the case browser can filter without loading artifacts.
	ResolvedCustomerID   string `json:"resolved_customer_id,omitempty"`
	ResolvedCustomerName string `json:"resolved_customer_name,omitempty"`

	// Set by the submitter once a draft order exists.
	ExternalOrderID string `json:"external_order_id,omitempty"`
}

// Validate checks the structural invariants of a case record.
func (c *Case) Validate() error {
	if c.CaseID == "" {
		return fmt.Errorf("case: case_id is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("case: tenant_id is required")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("case: unknown status %q", c.Status)
	}
	if c.FileHash != "" && !fileHashPattern.MatchString(c.FileHash) {
		return fmt.Errorf("case: file_hash must be 64 lowercase hex characters")
	}
	if c.CorrelationID == "" {
		return fmt.Errorf("case: correlation_id is required")
	}
	return nil
}

// HumanEventType enumerates the external events that resume a waiting case.
type HumanEventType string

const (
	HumanCorrectionsSubmitted HumanEventType = "corrections_submitted"
	HumanCustomerSelected     HumanEventType = "customer_selected"
	HumanItemSelected         HumanEventType = "item_selected"
	HumanFileReuploaded       HumanEventType = "file_reuploaded"
	HumanApprovalReceived     HumanEventType = "approval_received"
	HumanCancel               HumanEventType = "cancel"
)

// Valid reports whether t is a known human event type.
func (t HumanEventType) Valid() bool {
	switch t {
	case HumanCorrectionsSubmitted, HumanCustomerSelected, HumanItemSelected,
		HumanFileReuploaded, HumanApprovalReceived, HumanCancel:
		return true
	}
	return false
}

// AwaitedBy returns the case status a human event resumes, or "" when the
// event is legal in any non-terminal status (cancel, re-upload of a blocked
// file is special-cased by the orchestrator).
func (t HumanEventType) AwaitedBy() CaseStatus {
	switch t {
	case HumanCorrectionsSubmitted:
		return StatusAwaitingCorrections
	case HumanCustomerSelected:
		return StatusAwaitingCustomerSelection
	case HumanItemSelected:
		return StatusAwaitingItemSelection
	case HumanApprovalReceived:
		return StatusAwaitingApproval
	case HumanFileReuploaded:
		return StatusParseBlocked
	}
	return ""
}

// HumanEvent is an inbound user action delivered by the boundary layer.
type HumanEvent struct {
	Type    HumanEventType `json:"type"`
	CaseID  string         `json:"case_id"`
	Actor   Actor          `json:"actor"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Corrections is the typed payload of a corrections_submitted event. The next
// parse honors these bindings over its own inference.
type Corrections struct {
	// Mappings binds canonical fields to column ids; an empty column id
	// removes a binding.
	Mappings map[FieldKey]string `json:"mappings,omitempty"`
	// CustomerText replaces the extracted customer text when non-empty.
	CustomerText string `json:"customer_text,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Validate rejects corrections naming fields that cannot be column-bound.
func (c *Corrections) Validate() error {
	if len(c.Mappings) == 0 && c.CustomerText == "" {
		return fmt.Errorf("corrections: nothing to apply")
	}
	for f := range c.Mappings {
		if !f.Mappable() {
			return fmt.Errorf("corrections: field %q cannot be bound to a column", f)
		}
	}
	return nil
}
