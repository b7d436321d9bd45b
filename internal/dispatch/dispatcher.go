// Package dispatch sends Files to the external classification and extraction
// services. Every send is recorded as an outbox entry carrying its attempt
// count and retry budget; the entry is handed to a job queue and, if the
// queue loses it, republished by Relay.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/objectstore"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/google/uuid"
)

// Options configures a Dispatcher.
type Options struct {
	// Bucket, when set, is used to build gs:// source URIs for services.
	Bucket string
	// CallbackBaseURL is the public base URL of the webhook endpoints.
	CallbackBaseURL string
	// Retry bounds attempts to reach a service. MaxAttempts is the outbox
	// budget; backoff spaces the relay's republishing.
	Retry apperrors.RetryPolicy
	// AutoExtract dispatches extraction as soon as a File is classified.
	AutoExtract bool
	// MinConfidence fails classifications below this confidence.
	MinConfidence float64
	// RelayLease is how long a freshly published entry is hidden from Relay.
	RelayLease time.Duration
	// JobRetries is the queue-level retry budget for handler errors.
	JobRetries int
}

// Accepted is returned when a dispatch has been recorded.
type Accepted struct {
	Status   string              `json:"status"`
	FileID   string              `json:"file_id"`
	Kind     domain.DispatchKind `json:"kind"`
	OutboxID string              `json:"outbox_id"`
}

// Dispatcher implements the classification and extraction dispatchers.
type Dispatcher struct {
	machine    *lifecycle.Machine
	publisher  jobs.Publisher
	classifier Classifier
	extractor  Extractor
	opts       Options
	now        func() time.Time
}

// New creates a Dispatcher.
func New(machine *lifecycle.Machine, publisher jobs.Publisher, classifier Classifier, extractor Extractor, opts Options) *Dispatcher {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = apperrors.DefaultRetryPolicy.MaxAttempts
	}
	if opts.RelayLease <= 0 {
		opts.RelayLease = time.Minute
	}
	if opts.JobRetries <= 0 {
		opts.JobRetries = 3
	}
	opts.CallbackBaseURL = strings.TrimRight(opts.CallbackBaseURL, "/")
	return &Dispatcher{
		machine:    machine,
		publisher:  publisher,
		classifier: classifier,
		extractor:  extractor,
		opts:       opts,
		now:        time.Now,
	}
}

// dispatchState is the File status an entry of the given kind expects.
func dispatchState(kind domain.DispatchKind) domain.FileStatus {
	if kind == domain.DispatchExtract {
		return domain.FileProcessing
	}
	return domain.FileClassifying
}

// Enqueue dispatches the next stage for a File: classification when it is
// uploaded, extraction when it is classified. The File's status moves to
// classifying or processing before Enqueue returns.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, fileID string) (*Accepted, error) {
	if tenantID == "" {
		return nil, apperrors.Unauthenticated("missing tenant")
	}
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, apperrors.Validationf("file_id is required")
	}

	var entry *domain.OutboxEntry
	err := d.machine.Do(ctx, func(ctx context.Context, tx *lifecycle.Tx) error {
		if _, err := tx.GetFile(ctx, tenantID, fileID); err != nil {
			return err
		}
		f, err := tx.LockFile(ctx, fileID)
		if err != nil {
			return err
		}
		entry, err = d.start(ctx, tx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Enqueue: %w", err)
	}

	d.publish(ctx, entry)
	return &Accepted{
		Status:   "accepted",
		FileID:   fileID,
		Kind:     entry.Kind,
		OutboxID: entry.ID,
	}, nil
}

// start moves f into its dispatch state and records the outbox entry.
func (d *Dispatcher) start(ctx context.Context, tx *lifecycle.Tx, f *domain.File) (*domain.OutboxEntry, error) {
	var kind domain.DispatchKind
	switch f.Status {
	case domain.FileUploaded:
		kind = domain.DispatchClassify
	case domain.FileClassified:
		if !f.DocumentType.Extractable() {
			return nil, apperrors.Conflictf("file %s is labelled %q, which has no extraction service", f.ID, f.DocumentType)
		}
		kind = domain.DispatchExtract
	default:
		return nil, apperrors.Conflictf("file %s is %s and cannot be dispatched", f.ID, f.Status)
	}

	if _, err := tx.Transition(ctx, f.ID, f.Status, dispatchState(kind), store.FilePatch{}); err != nil {
		return nil, err
	}

	now := d.now().UTC()
	entry := &domain.OutboxEntry{
		ID:            uuid.New().String(),
		TenantID:      f.TenantID,
		FileID:        f.ID,
		Kind:          kind,
		Status:        domain.OutboxPending,
		MaxAttempts:   d.opts.Retry.MaxAttempts,
		NextAttemptAt: now.Add(d.opts.RelayLease),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertOutbox(ctx, entry); err != nil {
		return nil, fmt.Errorf("start: insert outbox: %w", err)
	}
	return entry, nil
}

// publish hands an entry to the queue. A failure leaves the entry pending
// for Relay.
func (d *Dispatcher) publish(ctx context.Context, entry *domain.OutboxEntry) {
	job := &jobs.DispatchJob{
		OutboxID:   entry.ID,
		FileID:     entry.FileID,
		TenantID:   entry.TenantID,
		Kind:       entry.Kind,
		MaxRetries: d.opts.JobRetries,
	}
	if err := d.publisher.PublishDispatch(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("outbox_id", entry.ID).
			Str("file_id", entry.FileID).
			Msg("Failed to publish dispatch job, leaving it to the relay")
	}
}

func (d *Dispatcher) request(f *domain.File) Request {
	req := Request{
		FileID:       f.ID,
		SubmissionID: f.SubmissionID,
		TenantID:     f.TenantID,
		DocumentType: f.DocumentType,
		StoragePath:  f.StoragePath,
		MimeType:     f.MimeType,
	}
	if d.opts.Bucket != "" {
		req.SourceURI = objectstore.URI(d.opts.Bucket, f.StoragePath)
	}
	if d.opts.CallbackBaseURL != "" {
		if f.Status == domain.FileProcessing {
			req.CallbackURL = d.opts.CallbackBaseURL + "/webhooks/extraction"
		} else {
			req.CallbackURL = d.opts.CallbackBaseURL + "/webhooks/classification"
		}
	}
	return req
}

// HandleJob is the queue handler for dispatch jobs. Service failures are
// recorded on the outbox entry rather than returned, so the queue only
// retries when the store itself fails.
func (d *Dispatcher) HandleJob(ctx context.Context, job jobs.Job) error {
	dj, ok := job.(*jobs.DispatchJob)
	if !ok {
		return fmt.Errorf("HandleJob: unexpected job type %s", job.GetType())
	}
	ctx = logger.WithFields(ctx, map[string]string{
		"job_id":    dj.JobID,
		"outbox_id": dj.OutboxID,
		"file_id":   dj.FileID,
	})
	log := logger.FromContext(ctx)
	st := d.machine.Store()

	entry, err := st.GetOutbox(ctx, dj.OutboxID)
	if apperrors.IsNotFound(err) {
		log.Warn().Msg("Outbox entry not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("HandleJob: %w", err)
	}
	if entry.Status != domain.OutboxPending {
		log.Debug().Str("status", string(entry.Status)).Msg("Outbox entry already settled")
		return nil
	}

	f, err := st.GetFile(ctx, entry.TenantID, entry.FileID)
	if err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("HandleJob: %w", err)
	}
	if f == nil || f.Status != dispatchState(entry.Kind) {
		status := "missing"
		if f != nil {
			status = string(f.Status)
		}
		entry.Status = domain.OutboxFailed
		entry.LastError = "file is " + status
		entry.UpdatedAt = d.now().UTC()
		log.Info().Str("file_status", status).Msg("File moved on before dispatch, abandoning entry")
		if err := st.UpdateOutbox(ctx, entry); err != nil {
			return fmt.Errorf("HandleJob: %w", err)
		}
		return nil
	}

	var ack Ack
	req := d.request(f)
	switch entry.Kind {
	case domain.DispatchClassify:
		ack, err = d.classifier.Classify(ctx, req)
	case domain.DispatchExtract:
		ack, err = d.extractor.Extract(ctx, req)
	default:
		err = apperrors.Validationf("unknown dispatch kind %q", entry.Kind)
	}

	entry.Attempts++
	entry.UpdatedAt = d.now().UTC()
	if err != nil {
		return d.recordFailure(ctx, entry, err)
	}

	entry.Status = domain.OutboxSent
	entry.JobHandle = ack.JobHandle
	entry.LastError = ""
	if err := st.UpdateOutbox(ctx, entry); err != nil {
		return fmt.Errorf("HandleJob: %w", err)
	}
	log.Info().
		Str("kind", string(entry.Kind)).
		Int("attempts", entry.Attempts).
		Str("job_handle", ack.JobHandle).
		Msg("Dispatch accepted")

	if entry.Kind == domain.DispatchExtract && ack.JobHandle != "" {
		if err := st.SetFileJobHandle(ctx, f.ID, ack.JobHandle); err != nil {
			log.Warn().Err(err).Msg("Failed to record job handle")
		}
	}

	if ack.Classification != nil {
		_, err := d.ApplyClassification(ctx, ClassificationResult{
			TenantID:     f.TenantID,
			FileID:       f.ID,
			DocumentType: ack.Classification.DocumentType,
			Confidence:   ack.Classification.Confidence,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to apply classification")
		}
	}
	return nil
}

// recordFailure spends one attempt. Transient failures are rescheduled
// until the budget is exhausted; anything else, or the last attempt, marks
// the entry dead and fails the File.
func (d *Dispatcher) recordFailure(ctx context.Context, entry *domain.OutboxEntry, cause error) error {
	log := logger.FromContext(ctx)
	entry.LastError = cause.Error()

	if apperrors.IsTransient(cause) && entry.Attempts < entry.MaxAttempts {
		delay := d.opts.Retry.Backoff(entry.Attempts)
		entry.Status = domain.OutboxPending
		entry.NextAttemptAt = entry.UpdatedAt.Add(delay)
		log.Warn().
			Err(cause).
			Int("attempt", entry.Attempts).
			Int("max_attempts", entry.MaxAttempts).
			Dur("delay", delay).
			Msg("Dispatch failed, rescheduling")
		if err := d.machine.Store().UpdateOutbox(ctx, entry); err != nil {
			return fmt.Errorf("recordFailure: %w", err)
		}
		return nil
	}

	entry.Status = domain.OutboxDead
	var reason string
	if apperrors.IsTransient(cause) {
		reason = fmt.Sprintf("%s service unreachable after %d attempts: %v", entry.Kind, entry.Attempts, cause)
	} else {
		reason = fmt.Sprintf("%s dispatch rejected: %v", entry.Kind, cause)
	}

	err := d.machine.Do(ctx, func(ctx context.Context, tx *lifecycle.Tx) error {
		if err := tx.UpdateOutbox(ctx, entry); err != nil {
			return err
		}
		f, err := tx.LockFile(ctx, entry.FileID)
		if err != nil {
			return err
		}
		if f.Status != dispatchState(entry.Kind) {
			return nil
		}
		_, err = tx.Transition(ctx, f.ID, f.Status, domain.FileFailed, store.FilePatch{ErrorText: &reason})
		return err
	})
	if err != nil {
		return fmt.Errorf("recordFailure: %w", err)
	}
	log.Error().Err(cause).Int("attempts", entry.Attempts).Msg("Dispatch abandoned")
	return nil
}

// Relay republishes pending entries whose next attempt is due and returns
// how many were published.
func (d *Dispatcher) Relay(ctx context.Context, limit int) (int, error) {
	log := logger.FromContext(ctx)
	st := d.machine.Store()
	now := d.now().UTC()

	entries, err := st.ListDueOutbox(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("Relay: %w", err)
	}

	published := 0
	for _, e := range entries {
		e.NextAttemptAt = now.Add(d.opts.RelayLease)
		e.UpdatedAt = now
		if err := st.UpdateOutbox(ctx, e); err != nil {
			log.Warn().Err(err).Str("outbox_id", e.ID).Msg("Failed to lease outbox entry")
			continue
		}
		job := &jobs.DispatchJob{
			OutboxID:   e.ID,
			FileID:     e.FileID,
			TenantID:   e.TenantID,
			Kind:       e.Kind,
			MaxRetries: d.opts.JobRetries,
		}
		if err := d.publisher.PublishDispatch(ctx, job); err != nil {
			log.Warn().Err(err).Str("outbox_id", e.ID).Msg("Failed to republish dispatch job")
			continue
		}
		published++
	}

	if published > 0 {
		log.Info().Int("published", published).Int("due", len(entries)).Msg("Outbox relay republished jobs")
	}
	return published, nil
}
