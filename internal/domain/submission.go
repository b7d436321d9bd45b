package domain

import "time"

// SubmissionStatus is derived from the statuses of a Submission's Files.
type SubmissionStatus string

const (
	SubmissionPending         SubmissionStatus = "pending"
	SubmissionProcessing      SubmissionStatus = "processing"
	SubmissionProcessed       SubmissionStatus = "processed"
	SubmissionFailed          SubmissionStatus = "failed"
	SubmissionPartiallyFailed SubmissionStatus = "partially_failed"
)

// IsTerminal reports whether no File of the Submission is still pending work.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionProcessed || s == SubmissionFailed || s == SubmissionPartiallyFailed
}

// IngestionMethod records how a batch entered the system.
type IngestionMethod string

const (
	IngestionInteractive IngestionMethod = "interactive"
	IngestionAPI         IngestionMethod = "api"
	IngestionEmail       IngestionMethod = "forwarded_email"
)

// Valid reports whether m is a known ingestion method.
func (m IngestionMethod) Valid() bool {
	switch m {
	case IngestionInteractive, IngestionAPI, IngestionEmail:
		return true
	}
	return false
}

// Submission is one upload batch.
type Submission struct {
	ID              string           `json:"submission_id"`
	TenantID        string           `json:"tenant_id"`
	IngestionMethod IngestionMethod  `json:"ingestion_method"`
	Status          SubmissionStatus `json:"status"`
	FilesTotal      int              `json:"files_total"`
	FilesProcessed  int              `json:"files_processed"`
	CompanyID       string           `json:"company_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
