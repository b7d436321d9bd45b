package domain

import "time"

// DispatchKind names the external service an outbox entry targets.
type DispatchKind string

const (
	DispatchClassify DispatchKind = "classify"
	DispatchExtract  DispatchKind = "extract"
)

// OutboxStatus tracks whether a dispatch attempt reached its service.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEntry records one dispatch of a File to an external service and the
// retry budget left for reaching it.
type OutboxEntry struct {
	ID            string       `json:"outbox_id"`
	TenantID      string       `json:"tenant_id"`
	FileID        string       `json:"file_id"`
	Kind          DispatchKind `json:"kind"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	LastError     string       `json:"last_error,omitempty"`
	JobHandle     string       `json:"job_handle,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CallbackKind distinguishes the two webhook sources.
type CallbackKind string

const (
	CallbackClassification CallbackKind = "classification"
	CallbackExtraction     CallbackKind = "extraction"
)

// CallbackOutcome is the recorded result of processing one callback delivery.
type CallbackOutcome string

const (
	OutcomeApplied   CallbackOutcome = "applied"
	OutcomeDuplicate CallbackOutcome = "duplicate"
	OutcomeConflict  CallbackOutcome = "conflict"
	OutcomeRejected  CallbackOutcome = "rejected"
	OutcomeFailed    CallbackOutcome = "failed"
)

// CallbackDelivery is the audit record of one received callback.
type CallbackDelivery struct {
	ID         string          `json:"delivery_id"`
	TenantID   string          `json:"tenant_id"`
	FileID     string          `json:"file_id"`
	Kind       CallbackKind    `json:"kind"`
	Checksum   string          `json:"checksum"`
	Outcome    CallbackOutcome `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}
