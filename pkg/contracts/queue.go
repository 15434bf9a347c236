package contracts

import "time"

// RetryItem is one scheduled redelivery of a failed external submission.
// Attempt counts from 1; NextAttemptAt gates visibility to the retry worker.
// Payload carries the exact external request so a retry resubmits the same
// bytes the first attempt sent.
type RetryItem struct {
	ID            string         `json:"id"`
	CaseID        string         `json:"case_id"`
	Attempt       int            `json:"attempt"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	Payload       map[string]any `json:"payload,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// OutboxEventType enumerates the notifications the outbox can carry.
type OutboxEventType string

const (
	OutboxSalesOrderCreated OutboxEventType = "salesorder_created"
	OutboxSalesOrderFailed  OutboxEventType = "salesorder_failed"
	OutboxRetryExhausted    OutboxEventType = "retry_exhausted"
)

// Valid reports whether t is a known outbox event type.
func (t OutboxEventType) Valid() bool {
	switch t {
	case OutboxSalesOrderCreated, OutboxSalesOrderFailed, OutboxRetryExhausted:
		return true
	}
	return false
}

// OutboxEntry is a durable notification written in the same transaction as
// the state change it reports. The delivery worker marks it processed only
// after the notifier accepts it.
type OutboxEntry struct {
	ID          string          `json:"id"`
	CaseID      string          `json:"case_id"`
	Type        OutboxEventType `json:"event_type"`
	Payload     map[string]any  `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Pending reports whether the entry still awaits delivery.
func (o *OutboxEntry) Pending() bool { return o.ProcessedAt == nil }
