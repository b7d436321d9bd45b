package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
)

// Repository is the slice of the store the aggregator reads and writes.
type Repository interface {
	store.SubmissionRepository
	store.FileRepository
	store.StatementRepository
	store.MetricsRepository
}

// Result describes one recomputation.
type Result struct {
	SubmissionID   string
	TenantID       string
	Previous       domain.SubmissionStatus
	Status         domain.SubmissionStatus
	FilesTotal     int
	FilesProcessed int
	Metrics        *domain.SubmissionMetrics
}

// Changed reports whether the derived status differs from the stored one.
func (r *Result) Changed() bool {
	return r.Previous != r.Status
}

// Aggregator recomputes Submission counters, status and metrics.
type Aggregator struct {
	now func() time.Time
}

// New creates an Aggregator.
func New() *Aggregator {
	return &Aggregator{now: time.Now}
}

// Recompute rebuilds the rollup of one Submission through repo, which is
// normally the transaction that made the triggering File transition. The
// Submission row is locked before its Files are read: a concurrent rollup
// blocks here and then sees the other transition committed.
func (a *Aggregator) Recompute(ctx context.Context, repo Repository, submissionID string) (*Result, error) {
	sub, err := repo.LockSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("Recompute: lock submission: %w", err)
	}

	files, err := repo.ListFiles(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("Recompute: list files: %w", err)
	}
	counts := CountFiles(files)
	status := DeriveStatus(counts)

	if err := repo.UpdateSubmissionRollup(ctx, submissionID, status, counts.Terminal()); err != nil {
		return nil, fmt.Errorf("Recompute: update rollup: %w", err)
	}

	statements, err := repo.ListStatements(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("Recompute: list statements: %w", err)
	}
	txns, err := repo.ListTransactions(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("Recompute: list transactions: %w", err)
	}

	metrics := BuildMetrics(sub, statements, txns, a.now())
	if err := repo.ReplaceMetrics(ctx, metrics); err != nil {
		return nil, fmt.Errorf("Recompute: replace metrics: %w", err)
	}

	res := &Result{
		SubmissionID:   submissionID,
		TenantID:       sub.TenantID,
		Previous:       sub.Status,
		Status:         status,
		FilesTotal:     sub.FilesTotal,
		FilesProcessed: counts.Terminal(),
		Metrics:        metrics,
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("submission_id", submissionID).
		Str("status", string(status)).
		Int("files_processed", res.FilesProcessed).
		Int("files_total", res.FilesTotal).
		Msg("Recomputed submission rollup")
	return res, nil
}

// RefreshStatus re-derives a Submission's status after a non-terminal File
// transition, so polling reports processing while work is in flight. The
// counter is rewritten with the same value and metrics are left alone.
func (a *Aggregator) RefreshStatus(ctx context.Context, repo Repository, submissionID string) (domain.SubmissionStatus, error) {
	sub, err := repo.LockSubmission(ctx, submissionID)
	if err != nil {
		return "", fmt.Errorf("RefreshStatus: lock submission: %w", err)
	}
	files, err := repo.ListFiles(ctx, submissionID)
	if err != nil {
		return "", fmt.Errorf("RefreshStatus: list files: %w", err)
	}

	counts := CountFiles(files)
	status := DeriveStatus(counts)
	if status == sub.Status {
		return status, nil
	}
	if err := repo.UpdateSubmissionRollup(ctx, submissionID, status, counts.Terminal()); err != nil {
		return "", fmt.Errorf("RefreshStatus: update rollup: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("submission_id", submissionID).
		Str("from", string(sub.Status)).
		Str("to", string(status)).
		Msg("Submission status changed")
	return status, nil
}
