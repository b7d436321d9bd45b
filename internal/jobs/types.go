package jobs

import (
	"context"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeDispatch sends one File to an external classification or
	// extraction service.
	JobTypeDispatch JobType = "dispatch"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// DispatchJob carries one outbox entry to a dispatch worker.
type DispatchJob struct {
	JobID    string              `json:"job_id"`
	OutboxID string              `json:"outbox_id"`
	FileID   string              `json:"file_id"`
	TenantID string              `json:"tenant_id"`
	Kind     domain.DispatchKind `json:"kind"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	// RetryCount counts queue-level redeliveries after handler errors.
	// Service-level retries are tracked on the outbox entry.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

func (j *DispatchJob) GetID() string {
	return j.JobID
}

func (j *DispatchJob) GetType() JobType {
	return JobTypeDispatch
}

func (j *DispatchJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher publishes dispatch jobs to a queue.
type Publisher interface {
	// PublishDispatch enqueues a dispatch job.
	PublishDispatch(ctx context.Context, job *DispatchJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer consumes jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error asks the queue to redeliver.
type JobHandler func(ctx context.Context, job Job) error

// JobStore tracks job execution for status polling.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *DispatchJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*DispatchJob, error)

	// ListJobs retrieves jobs with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*DispatchJob, error)
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	FileID string
	Status JobStatus
	Limit  int
	Offset int
}
