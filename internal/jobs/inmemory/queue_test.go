package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.DispatchJob {
	t.Helper()
	var got *jobs.DispatchJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

var fastRetry = apperrors.RetryPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

func TestQueue_ProcessesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 2, store)
	defer q.Close()

	var seen atomic.Value
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		seen.Store(job.(*jobs.DispatchJob).FileID)
		return nil
	}))

	job := &jobs.DispatchJob{FileID: "f-1", Kind: domain.DispatchClassify}
	require.NoError(t, q.PublishDispatch(ctx, job))
	require.NotEmpty(t, job.JobID)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "f-1", seen.Load())
}

func TestQueue_RetriesHandlerErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store, WithRetryPolicy(fastRetry))
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("temporary")
		}
		return nil
	}))

	job := &jobs.DispatchJob{FileID: "f-1", Kind: domain.DispatchExtract, MaxRetries: 2}
	require.NoError(t, q.PublishDispatch(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_ClassifiedErrorsAreFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store, WithRetryPolicy(fastRetry))
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		calls.Add(1)
		return apperrors.Conflictf("file moved on")
	}))

	job := &jobs.DispatchJob{FileID: "f-1", Kind: domain.DispatchClassify}
	require.NoError(t, q.PublishDispatch(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.Error, "file moved on")
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_RetryBudgetExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store, WithRetryPolicy(fastRetry))
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		calls.Add(1)
		return apperrors.Transient("store unavailable", errors.New("dial tcp"))
	}))

	job := &jobs.DispatchJob{FileID: "f-1", Kind: domain.DispatchExtract, MaxRetries: 2}
	require.NoError(t, q.PublishDispatch(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_RecoversHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store, WithRetryPolicy(fastRetry))
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))

	job := &jobs.DispatchJob{FileID: "f-1", Kind: domain.DispatchClassify}
	require.NoError(t, q.PublishDispatch(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
}

func TestQueue_JobTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store, WithJobTimeout(20*time.Millisecond))
	defer q.Close()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	job := &jobs.DispatchJob{FileID: "f-1", Kind: domain.DispatchClassify, MaxRetries: -1}
	require.NoError(t, q.PublishDispatch(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Contains(t, got.Error, "deadline exceeded")
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(1, 1, nil)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.PublishDispatch(context.Background(), &jobs.DispatchJob{}), ErrClosed)
	assert.ErrorIs(t, q.Start(context.Background(), func(context.Context, jobs.Job) error { return nil }), ErrClosed)
}

func TestStore_ListAndMissing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Now()
	require.NoError(t, s.SaveJob(ctx, &jobs.DispatchJob{JobID: "a", FileID: "f-1", Status: jobs.JobStatusFailed, CreatedAt: base}))
	require.NoError(t, s.SaveJob(ctx, &jobs.DispatchJob{JobID: "b", FileID: "f-1", Status: jobs.JobStatusRunning, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.SaveJob(ctx, &jobs.DispatchJob{JobID: "c", FileID: "f-2", Status: jobs.JobStatusCompleted, CreatedAt: base}))
	// A status update keeps the job's place in its File's history.
	require.NoError(t, s.SaveJob(ctx, &jobs.DispatchJob{JobID: "a", FileID: "f-1", Status: jobs.JobStatusCompleted, CreatedAt: base}))

	list, err := s.ListJobs(ctx, jobs.JobFilter{FileID: "f-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].JobID)
	assert.Equal(t, jobs.JobStatusCompleted, list[0].Status)
	assert.Equal(t, "b", list[1].JobID)

	list, err = s.ListJobs(ctx, jobs.JobFilter{FileID: "f-1", Status: jobs.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].JobID)

	list, err = s.ListJobs(ctx, jobs.JobFilter{FileID: "f-1", Offset: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].JobID)

	list, err = s.ListJobs(ctx, jobs.JobFilter{FileID: "f-3"})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsValidation(s.SaveJob(ctx, &jobs.DispatchJob{FileID: "f-1"})))
}

func TestStore_FileHistoryDropsOldestFinished(t *testing.T) {
	ctx := context.Background()
	s := NewStore(WithFileHistory(2))
	save := func(id string, st jobs.JobStatus) {
		require.NoError(t, s.SaveJob(ctx, &jobs.DispatchJob{JobID: id, FileID: "f-1", Status: st}))
	}

	save("j-1", jobs.JobStatusRunning)
	save("j-2", jobs.JobStatusFailed)
	save("j-3", jobs.JobStatusCompleted)

	// j-1 is still running, so the oldest finished job goes instead.
	list, err := s.ListJobs(ctx, jobs.JobFilter{FileID: "f-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "j-1", list[0].JobID)
	assert.Equal(t, "j-3", list[1].JobID)
	_, err = s.GetJob(ctx, "j-2")
	assert.True(t, apperrors.IsNotFound(err))

	save("j-1", jobs.JobStatusCompleted)
	save("j-4", jobs.JobStatusPending)
	list, err = s.ListJobs(ctx, jobs.JobFilter{FileID: "f-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "j-3", list[0].JobID)
	assert.Equal(t, "j-4", list[1].JobID)
}
