package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intake/internal/aggregate"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
)

// TimeoutReason is recorded on Files failed by the stuck-file sweep.
const TimeoutReason = "timed out waiting for external service"

// Reprocess resets a terminal File so it can be dispatched again. Extracted
// rows are removed, and the File returns to classified when it has a label or
// to uploaded otherwise. The Submission rollup is recomputed, which lowers
// files_processed.
func (m *Machine) Reprocess(ctx context.Context, tenantID, fileID string) (*domain.File, error) {
	var out *domain.File
	err := m.Do(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.GetFile(ctx, tenantID, fileID); err != nil {
			return err
		}
		f, err := tx.LockFile(ctx, fileID)
		if err != nil {
			return err
		}
		if !f.Status.IsTerminal() {
			return apperrors.Conflictf("file %s is %s; only processed or failed files can be reprocessed", fileID, f.Status)
		}

		if err := tx.DeleteFileExtraction(ctx, fileID); err != nil {
			return fmt.Errorf("Reprocess: delete extraction: %w", err)
		}

		to := domain.FileUploaded
		if f.DocumentType.Extractable() {
			to = domain.FileClassified
		}
		reset, err := tx.ResetFile(ctx, fileID, to)
		if err != nil {
			return fmt.Errorf("Reprocess: reset file: %w", err)
		}

		res, err := tx.m.agg.Recompute(ctx, tx.Repository, f.SubmissionID)
		if err != nil {
			return fmt.Errorf("Reprocess: %w", err)
		}
		tx.events = append(tx.events, Event{File: reset, From: f.Status, To: to, Reprocessed: true, Rollup: res})

		log := logger.FromContext(ctx)
		log.Warn().
			Str("file_id", fileID).
			Str("from", string(f.Status)).
			Str("to", string(to)).
			Msg("File reset for reprocessing")

		out = reset
		return nil
	})
	return out, err
}

// StaleStatuses are the statuses that wait on an external service.
var StaleStatuses = []domain.FileStatus{domain.FileClassifying, domain.FileProcessing}

// FailStale fails Files that have waited on an external service since before
// cutoff. It returns how many Files it failed.
func (m *Machine) FailStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	log := logger.FromContext(ctx)

	stale, err := m.store.ListStaleFiles(ctx, StaleStatuses, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("FailStale: list: %w", err)
	}

	failed := 0
	for _, f := range stale {
		reason := TimeoutReason
		_, err := m.Transition(ctx, f.ID, f.Status, domain.FileFailed, store.FilePatch{ErrorText: &reason})
		switch {
		case err == nil:
			failed++
		case apperrors.IsConflict(err):
			// A callback resolved the File after it was listed.
			log.Debug().Str("file_id", f.ID).Msg("Stale file moved on before sweep")
		default:
			return failed, fmt.Errorf("FailStale: %w", err)
		}
	}

	if failed > 0 {
		log.Warn().Int("count", failed).Time("cutoff", cutoff).Msg("Failed stuck files")
	}
	return failed, nil
}

// Recompute rebuilds a Submission's rollup without a File transition, for
// repairing rows written before a metrics change. No event is emitted.
func (m *Machine) Recompute(ctx context.Context, tenantID, submissionID string) (*aggregate.Result, error) {
	var res *aggregate.Result
	err := m.store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
		if _, err := repo.GetSubmission(ctx, tenantID, submissionID); err != nil {
			return err
		}
		var err error
		res, err = m.agg.Recompute(ctx, repo, submissionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Recompute: %w", err)
	}
	return res, nil
}
