package callback

import (
	"context"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/validate"
)

// HandleClassification applies an asynchronous classifier's callback and
// records the delivery.
func (p *Processor) HandleClassification(ctx context.Context, env *ClassificationEnvelope) Result {
	ctx = logger.WithFields(ctx, map[string]string{
		"file_id":   env.FileID,
		"tenant_id": env.TenantID,
	})
	log := logger.FromContext(ctx)

	res := Result{FileID: env.FileID}
	err := validate.Struct(env)
	if err == nil && env.Status != StatusFailed && env.DocumentType == "" {
		err = apperrors.Validationf("document_type is required")
	}
	if err == nil {
		var f *domain.File
		f, err = p.classifications.ApplyClassification(ctx, dispatch.ClassificationResult{
			TenantID:     env.TenantID,
			FileID:       env.FileID,
			DocumentType: env.DocumentType,
			Confidence:   env.Confidence,
			Failed:       env.Status == StatusFailed,
			Error:        env.Error,
		})
		if f != nil {
			res.FileStatus = f.Status
		}
	}

	switch {
	case err == nil:
		res.Outcome = domain.OutcomeApplied
	case apperrors.IsConflict(err):
		res = conflict(res, err)
	case apperrors.IsValidation(err), apperrors.IsNotFound(err):
		res = rejected(res, err)
	default:
		res.Outcome = domain.OutcomeFailed
		res.Detail = err.Error()
	}

	d := &domain.CallbackDelivery{
		TenantID:   env.TenantID,
		FileID:     env.FileID,
		Kind:       domain.CallbackClassification,
		Checksum:   checksum(env),
		Outcome:    res.Outcome,
		Detail:     res.Detail,
		ReceivedAt: p.now().UTC(),
	}
	if err := p.machine.Store().RecordDelivery(ctx, d); err != nil {
		log.Error().Err(err).Msg("Failed to record callback delivery")
	}

	log.Info().
		Str("outcome", string(res.Outcome)).
		Str("file_status", string(res.FileStatus)).
		Str("detail", res.Detail).
		Msg("Classification callback handled")
	return res
}
