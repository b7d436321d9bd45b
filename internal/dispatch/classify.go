package dispatch

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/store"
)

// ClassificationResult is a classifier's verdict on one File.
type ClassificationResult struct {
	TenantID     string
	FileID       string
	DocumentType domain.DocumentType
	Confidence   float64
	// Failed reports that the classifier could not process the File.
	Failed bool
	Error  string
}

// duplicateOf reports whether f already carries the result.
func (r ClassificationResult) duplicateOf(f *domain.File) bool {
	if r.Failed {
		return f.Status == domain.FileFailed
	}
	return f.DocumentType == r.DocumentType && f.Status != domain.FileClassifying && f.Status != domain.FileUploaded
}

// ApplyClassification moves a classifying File to classified and, with
// AutoExtract, straight on to extraction. Labels without an extraction
// service and low-confidence labels fail the File for manual review. A
// repeated identical result is a no-op.
func (d *Dispatcher) ApplyClassification(ctx context.Context, res ClassificationResult) (*domain.File, error) {
	if !res.Failed {
		switch res.DocumentType {
		case domain.DocumentBankStatement, domain.DocumentApplication, domain.DocumentOther:
		default:
			return nil, apperrors.Validationf("unknown document_type %q", res.DocumentType)
		}
		if res.Confidence < 0 || res.Confidence > 1 {
			return nil, apperrors.Validationf("confidence %v is outside [0, 1]", res.Confidence)
		}
	}

	var (
		out   *domain.File
		entry *domain.OutboxEntry
	)
	err := d.machine.Do(ctx, func(ctx context.Context, tx *lifecycle.Tx) error {
		if _, err := tx.GetFile(ctx, res.TenantID, res.FileID); err != nil {
			return err
		}
		f, err := tx.LockFile(ctx, res.FileID)
		if err != nil {
			return err
		}
		if res.duplicateOf(f) {
			out = f
			return nil
		}
		if f.Status != domain.FileClassifying {
			return apperrors.Conflictf("file %s is %s, not awaiting classification", f.ID, f.Status)
		}

		if res.Failed {
			reason := "classification failed"
			if res.Error != "" {
				reason += ": " + res.Error
			}
			out, err = tx.Transition(ctx, f.ID, f.Status, domain.FileFailed, store.FilePatch{ErrorText: &reason})
			return err
		}

		if res.Confidence < d.opts.MinConfidence {
			reason := fmt.Sprintf("classification confidence %.2f for %s is below %.2f", res.Confidence, res.DocumentType, d.opts.MinConfidence)
			out, err = tx.Transition(ctx, f.ID, f.Status, domain.FileFailed, store.FilePatch{
				DocumentType: &res.DocumentType,
				Confidence:   &res.Confidence,
				ErrorText:    &reason,
			})
			return err
		}

		f, err = tx.Transition(ctx, f.ID, domain.FileClassifying, domain.FileClassified, store.FilePatch{
			DocumentType: &res.DocumentType,
			Confidence:   &res.Confidence,
		})
		if err != nil {
			return err
		}
		out = f

		if !f.DocumentType.Extractable() {
			reason := fmt.Sprintf("no extraction service for document type %q", f.DocumentType)
			out, err = tx.Transition(ctx, f.ID, domain.FileClassified, domain.FileFailed, store.FilePatch{ErrorText: &reason})
			return err
		}
		if d.opts.AutoExtract {
			entry, err = d.start(ctx, tx, f)
			if err != nil {
				return err
			}
			out, err = tx.GetFile(ctx, "", f.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyClassification: %w", err)
	}

	if entry != nil {
		d.publish(ctx, entry)
	}
	return out, nil
}
