package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when publishing to or starting a stopped queue.
var ErrClosed = errors.New("queue is closed")

// Queue is a channel-backed dispatch queue for single-instance deployments.
// Jobs are lost on restart; the outbox relay republishes anything still
// pending.
type Queue struct {
	pending chan *jobs.DispatchJob
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// redeliveries holds the timers of jobs waiting out a backoff.
	redeliveries map[string]*time.Timer

	store      jobs.JobStore
	workers    int
	policy     apperrors.RetryPolicy
	jobTimeout time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy sets the backoff used between redeliveries. The number of
// redeliveries is taken from each job's MaxRetries.
func WithRetryPolicy(p apperrors.RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithJobTimeout bounds a single handler invocation.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.jobTimeout = d
		}
	}
}

// NewQueue creates a queue that buffers up to bufferSize jobs and runs
// workers handlers concurrently. store may be nil.
func NewQueue(bufferSize, workers int, store jobs.JobStore, opts ...Option) *Queue {
	if workers <= 0 {
		workers = 5
	}
	q := &Queue{
		pending:      make(chan *jobs.DispatchJob, bufferSize),
		done:         make(chan struct{}),
		redeliveries: make(map[string]*time.Timer),
		store:        store,
		workers:      workers,
		policy: apperrors.RetryPolicy{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		jobTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// PublishDispatch assigns the job an id when it has none, records it as
// pending and hands it to the workers.
func (q *Queue) PublishDispatch(ctx context.Context, job *jobs.DispatchJob) error {
	if q.isClosed() {
		return ErrClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	job.Status = jobs.JobStatusPending

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishDispatch: save job: %w", err)
		}
	}
	return q.push(ctx, job)
}

func (q *Queue) push(ctx context.Context, job *jobs.DispatchJob) error {
	select {
	case q.pending <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// Start launches the workers and returns immediately.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	if q.isClosed() {
		return ErrClosed
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case job := <-q.pending:
					q.run(ctx, job, handler)
				}
			}
		}()
	}

	log := logger.FromContext(ctx)
	log.Info().Int("workers", q.workers).Msg("In-memory dispatch queue started")
	return nil
}

func (q *Queue) run(ctx context.Context, job *jobs.DispatchJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("file_id", job.FileID).
		Str("kind", string(job.Kind)).
		Logger()

	started := time.Now().UTC()
	job.Status = jobs.JobStatusRunning
	job.StartedAt = &started
	job.CompletedAt = nil
	q.save(ctx, log, job)

	err := q.invoke(ctx, job, handler)

	finished := time.Now().UTC()
	job.CompletedAt = &finished

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""

	case redeliverable(err) && job.RetryCount < job.MaxRetries:
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		job.Error = err.Error()
		delay := q.policy.Backoff(job.RetryCount)
		log.Warn().Err(err).
			Int("retry_count", job.RetryCount).
			Dur("delay", delay).
			Msg("Dispatch job failed, redelivering")
		q.save(ctx, log, job)
		q.redeliver(ctx, log, job, delay)
		return

	default:
		job.Status = jobs.JobStatusFailed
		job.Error = err.Error()
		log.Error().Err(err).Int("retry_count", job.RetryCount).Msg("Dispatch job failed permanently")
	}

	q.save(ctx, log, job)
}

// invoke runs handler under the job timeout and turns a panic into an error.
func (q *Queue) invoke(ctx context.Context, job *jobs.DispatchJob, handler jobs.JobHandler) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// redeliverable reports whether a handler error may go away on its own.
// Classified errors other than transient ones are final.
func redeliverable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	kind := apperrors.KindOf(err)
	return kind == "" || kind == apperrors.KindTransient
}

func (q *Queue) redeliver(ctx context.Context, log zerolog.Logger, job *jobs.DispatchJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.redeliveries[job.JobID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.redeliveries, job.JobID)
		q.mu.Unlock()

		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		q.save(ctx, log, job)
		if err := q.push(ctx, job); err != nil {
			log.Warn().Err(err).Msg("Redelivery dropped")
		}
	})
}

func (q *Queue) save(ctx context.Context, log zerolog.Logger, job *jobs.DispatchJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log.Warn().Err(err).Msg("Failed to record job status")
	}
}

// Stop cancels pending redeliveries and waits for in-flight handlers.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	for id, t := range q.redeliveries {
		t.Stop()
		delete(q.redeliveries, id)
	}
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue without a deadline.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
