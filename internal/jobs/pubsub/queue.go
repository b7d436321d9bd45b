// Package pubsub implements the dispatch job queue on Cloud Pub/Sub, for
// deployments running more than one worker instance.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// Queue publishes dispatch jobs to a topic and consumes them from a
// subscription. Handler errors nack the message so Pub/Sub redelivers it.
type Queue struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	store   jobs.JobStore
	workers int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue connects to projectID. subscription may be empty for
// publish-only use.
func NewQueue(ctx context.Context, projectID, topic, subscription string, workers int, store jobs.JobStore, opts ...option.ClientOption) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewQueue: create pubsub client: %w", err)
	}
	q := &Queue{
		client:  client,
		topic:   client.Topic(topic),
		store:   store,
		workers: workers,
	}
	if subscription != "" {
		q.sub = client.Subscription(subscription)
		if workers > 0 {
			q.sub.ReceiveSettings.MaxOutstandingMessages = workers
		}
	}
	return q, nil
}

// PublishDispatch implements jobs.Publisher.
func (q *Queue) PublishDispatch(ctx context.Context, job *jobs.DispatchJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("PublishDispatch: encode: %w", err)
	}

	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_type": string(jobs.JobTypeDispatch),
			"kind":     string(job.Kind),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("PublishDispatch: publish: %w", err)
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishDispatch: save job: %w", err)
		}
	}
	return nil
}

// Start implements jobs.Consumer. Receiving runs until Stop or ctx ends.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	if q.sub == nil {
		return fmt.Errorf("Start: no subscription configured")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return fmt.Errorf("Start: already started")
	}

	rctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	log := logger.FromContext(ctx)
	go func() {
		defer close(q.done)
		err := q.sub.Receive(rctx, func(mctx context.Context, msg *pubsub.Message) {
			q.receive(logger.WithContext(mctx, log), msg, handler)
		})
		if err != nil {
			log.Error().Err(err).Msg("Pub/Sub receive stopped")
		}
	}()
	return nil
}

func (q *Queue) receive(ctx context.Context, msg *pubsub.Message, handler jobs.JobHandler) {
	log := logger.FromContext(ctx)

	var job jobs.DispatchJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Redelivery cannot fix a malformed message.
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping malformed dispatch message")
		msg.Ack()
		return
	}
	if msg.DeliveryAttempt != nil {
		job.RetryCount = *msg.DeliveryAttempt - 1
	}

	now := time.Now()
	job.Status = jobs.JobStatusRunning
	job.StartedAt = &now
	q.save(ctx, &job)

	err := handler(ctx, &job)

	completed := time.Now()
	job.CompletedAt = &completed
	if err != nil {
		job.Status = jobs.JobStatusRetrying
		job.Error = err.Error()
		q.save(ctx, &job)
		log.Warn().Err(err).Str("job_id", job.JobID).Str("file_id", job.FileID).Msg("Dispatch job failed, nacking")
		msg.Nack()
		return
	}

	job.Status = jobs.JobStatusCompleted
	job.Error = ""
	q.save(ctx, &job)
	msg.Ack()
}

func (q *Queue) save(ctx context.Context, job *jobs.DispatchJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop implements jobs.Consumer.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements jobs.Publisher. It flushes pending publishes.
func (q *Queue) Close() error {
	_ = q.Stop(context.Background())
	q.topic.Stop()
	return q.client.Close()
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
