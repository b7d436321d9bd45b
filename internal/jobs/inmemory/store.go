package inmemory

import (
	"context"
	"sync"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/jobs"
)

// Store keeps the dispatch history of each File in memory. Records are lost
// on restart; the outbox holds the durable dispatch record.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*jobs.DispatchJob
	// byFile lists job ids per File in the order they were first saved.
	byFile map[string][]string
	// history caps the jobs kept per File; zero keeps all of them.
	history int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFileHistory keeps at most n jobs per File. Once a File has more, its
// oldest finished jobs are dropped. Pending and running jobs are never
// dropped.
func WithFileHistory(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.history = n
		}
	}
}

// NewStore creates an empty job store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byID:   make(map[string]*jobs.DispatchJob),
		byFile: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveJob records the latest state of a dispatch job.
func (s *Store) SaveJob(ctx context.Context, job *jobs.DispatchJob) error {
	if job.JobID == "" {
		return apperrors.Validationf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := *job
	prev, seen := s.byID[job.JobID]
	s.byID[job.JobID] = &snapshot
	switch {
	case !seen:
		s.byFile[job.FileID] = append(s.byFile[job.FileID], job.JobID)
	case prev.FileID != job.FileID:
		s.unindex(prev.FileID, job.JobID)
		s.byFile[job.FileID] = append(s.byFile[job.FileID], job.JobID)
	}
	s.trim(job.FileID)
	return nil
}

func (s *Store) unindex(fileID, jobID string) {
	ids := s.byFile[fileID]
	for i, id := range ids {
		if id == jobID {
			s.byFile[fileID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byFile[fileID]) == 0 {
		delete(s.byFile, fileID)
	}
}

// trim drops the oldest finished jobs of a File beyond the history cap.
func (s *Store) trim(fileID string) {
	ids := s.byFile[fileID]
	excess := len(ids) - s.history
	if s.history == 0 || excess <= 0 {
		return
	}
	kept := ids[:0:0]
	for _, id := range ids {
		if excess > 0 && finished(s.byID[id].Status) {
			delete(s.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.byFile[fileID] = kept
}

func finished(st jobs.JobStatus) bool {
	return st == jobs.JobStatusCompleted || st == jobs.JobStatusFailed
}

// GetJob returns a copy of the job with the given id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.byID[jobID]
	if !ok {
		return nil, apperrors.NotFoundf("job not found: %s", jobID)
	}
	snapshot := *job
	return &snapshot, nil
}

// ListJobs returns the jobs of filter.FileID in the order they were first
// saved, optionally narrowed to one status. Without a FileID every File's
// history is listed, with Files in no particular order.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if filter.FileID != "" {
		ids = s.byFile[filter.FileID]
	} else {
		for _, fileIDs := range s.byFile {
			ids = append(ids, fileIDs...)
		}
	}

	result := []*jobs.DispatchJob{}
	skip := filter.Offset
	for _, id := range ids {
		job := s.byID[id]
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		snapshot := *job
		result = append(result, &snapshot)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

var _ jobs.JobStore = (*Store)(nil)
