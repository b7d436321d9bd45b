// Package callback turns asynchronous service results into stored records.
// Extraction callbacks are decoded into typed payloads, validated, and
// written together with the File's transition to processed in one
// transaction. Every delivery is recorded with its outcome.
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/entity"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/validate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// extractionNamespace seeds the name-based ids of Statements and
// Applications, so the same payload for the same File always maps to the
// same id.
var extractionNamespace = uuid.MustParse("8b0f3c8e-5d0a-4f57-9a44-2f6c1f1e7d21")

func extractionID(fileID, sum string) string {
	return uuid.NewSHA1(extractionNamespace, []byte(fileID+":"+sum)).String()
}

// Classifications applies classifier verdicts.
type Classifications interface {
	ApplyClassification(ctx context.Context, res dispatch.ClassificationResult) (*domain.File, error)
}

// Options configures a Processor.
type Options struct {
	// Epsilon is the reconciliation tolerance.
	Epsilon decimal.Decimal
	// Retry bounds the retries of a write that fails transiently.
	Retry apperrors.RetryPolicy
}

// Result is the recorded outcome of one delivery.
type Result struct {
	Outcome    domain.CallbackOutcome `json:"outcome"`
	FileID     string                 `json:"file_id"`
	FileStatus domain.FileStatus      `json:"file_status,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
}

// Processor handles extraction and classification callbacks.
type Processor struct {
	machine         *lifecycle.Machine
	resolver        entity.Resolver
	classifications Classifications
	opts            Options
	now             func() time.Time
}

// New creates a Processor.
func New(machine *lifecycle.Machine, resolver entity.Resolver, classifications Classifications, opts Options) *Processor {
	if opts.Epsilon.IsZero() {
		opts.Epsilon = domain.DefaultReconciliationEpsilon
	}
	return &Processor{
		machine:         machine,
		resolver:        resolver,
		classifications: classifications,
		opts:            opts,
		now:             time.Now,
	}
}

// HandleExtraction processes one extraction callback. It never returns an
// error: every outcome, including rejection, is recorded and reported in
// the Result.
func (p *Processor) HandleExtraction(ctx context.Context, env *Envelope) Result {
	ctx = logger.WithFields(ctx, map[string]string{
		"file_id":       env.FileID,
		"tenant_id":     env.TenantID,
		"document_type": string(env.DocumentType),
	})
	log := logger.FromContext(ctx)

	res, sum := p.handleExtraction(ctx, env)

	d := &domain.CallbackDelivery{
		TenantID:   env.TenantID,
		FileID:     env.FileID,
		Kind:       domain.CallbackExtraction,
		Checksum:   sum,
		Outcome:    res.Outcome,
		Detail:     res.Detail,
		ReceivedAt: p.now().UTC(),
	}
	if err := p.machine.Store().RecordDelivery(ctx, d); err != nil {
		log.Error().Err(err).Msg("Failed to record callback delivery")
	}

	level := zerolog.InfoLevel
	switch res.Outcome {
	case domain.OutcomeConflict, domain.OutcomeRejected:
		level = zerolog.WarnLevel
	case domain.OutcomeFailed:
		level = zerolog.ErrorLevel
	}
	log.WithLevel(level).
		Str("outcome", string(res.Outcome)).
		Str("file_status", string(res.FileStatus)).
		Str("detail", res.Detail).
		Msg("Extraction callback handled")
	return res
}

func (p *Processor) handleExtraction(ctx context.Context, env *Envelope) (Result, string) {
	res := Result{FileID: env.FileID}
	sum := rawChecksum(env.Payload)

	if err := validateEnvelope(env); err != nil {
		return p.invalidEnvelope(ctx, res, env, err), sum
	}

	f, err := p.lookupFile(ctx, env)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return rejected(res, err), sum
		}
		return p.failed(ctx, res, f, err), sum
	}
	res.FileStatus = f.Status

	if f.DocumentType != "" && f.DocumentType != env.DocumentType {
		return conflict(res, apperrors.Conflictf("callback document_type %s does not match classification %s", env.DocumentType, f.DocumentType)), sum
	}

	if env.Failed() {
		return p.reportedFailure(ctx, res, env), rawChecksum([]byte(env.Error))
	}

	var write func(ctx context.Context, tx *lifecycle.Tx, f *domain.File) (bool, error)
	switch env.DocumentType {
	case domain.DocumentBankStatement:
		payload, err := decodeStatement(env.Payload)
		if err != nil {
			return p.malformed(ctx, res, f, err), sum
		}
		sum = checksum(payload)
		write = func(ctx context.Context, tx *lifecycle.Tx, f *domain.File) (bool, error) {
			return p.writeStatement(ctx, tx, f, payload, sum)
		}
	case domain.DocumentApplication:
		payload, err := decodeApplication(env.Payload)
		if err != nil {
			return p.malformed(ctx, res, f, err), sum
		}
		sum = checksum(payload)
		write = func(ctx context.Context, tx *lifecycle.Tx, f *domain.File) (bool, error) {
			return p.writeApplication(ctx, tx, f, payload, sum)
		}
	}

	var (
		duplicate bool
		final     *domain.File
	)
	err = apperrors.Retry(ctx, p.opts.Retry, logger.FromContext(ctx), func(ctx context.Context) error {
		duplicate, final = false, nil
		return p.machine.Do(ctx, func(ctx context.Context, tx *lifecycle.Tx) error {
			cur, err := tx.LockFile(ctx, env.FileID)
			if err != nil {
				return err
			}
			dup, err := write(ctx, tx, cur)
			if err != nil {
				return err
			}
			duplicate = dup
			if dup {
				final = cur
				return nil
			}

			if cur.Status == domain.FileClassified {
				if cur, err = tx.Transition(ctx, cur.ID, domain.FileClassified, domain.FileProcessing, jobPatch(env, cur)); err != nil {
					return err
				}
			}
			final, err = tx.Transition(ctx, cur.ID, domain.FileProcessing, domain.FileProcessed, jobPatch(env, cur))
			return err
		})
	})

	switch {
	case err == nil && duplicate:
		res.Outcome = domain.OutcomeDuplicate
		res.FileStatus = final.Status
		res.Detail = "payload already applied"
	case err == nil:
		res.Outcome = domain.OutcomeApplied
		res.FileStatus = final.Status
	case apperrors.IsConflict(err):
		res = conflict(res, err)
	default:
		res = p.failed(ctx, res, f, err)
	}
	return res, sum
}

func jobPatch(env *Envelope, f *domain.File) store.FilePatch {
	var patch store.FilePatch
	if env.JobID != "" && f.JobHandle == "" {
		patch.JobHandle = &env.JobID
	}
	return patch
}

// checkWritable decides whether a File accepts an extraction write. A
// processed File is a duplicate when its stored id equals wantID.
func checkWritable(f *domain.File, storedID func() (string, error), wantID string) (bool, error) {
	switch f.Status {
	case domain.FileProcessing, domain.FileClassified:
		return false, nil
	case domain.FileProcessed:
		got, err := storedID()
		if err != nil {
			if apperrors.IsNotFound(err) {
				return false, apperrors.Conflictf("file %s is processed without a stored extraction", f.ID)
			}
			return false, err
		}
		if got != wantID {
			return false, apperrors.Conflictf("file %s was already processed with a different payload", f.ID)
		}
		return true, nil
	default:
		return false, apperrors.Conflictf("file %s is %s and cannot accept an extraction result", f.ID, f.Status)
	}
}

// reportedFailure fails the File when the service reports it could not
// extract the document.
func (p *Processor) reportedFailure(ctx context.Context, res Result, env *Envelope) Result {
	if res.FileStatus == domain.FileUploaded || res.FileStatus == domain.FileClassifying {
		return conflict(res, apperrors.Conflictf("file %s is %s and has no extraction in progress", env.FileID, res.FileStatus))
	}

	reason := "extraction failed"
	if env.Error != "" {
		reason += ": " + env.Error
	}

	f, err := p.machine.Fail(ctx, env.FileID, reason)
	switch {
	case err == nil && res.FileStatus == domain.FileFailed:
		res.Outcome = domain.OutcomeDuplicate
		res.Detail = "file already failed"
	case err == nil:
		res.Outcome = domain.OutcomeApplied
		res.Detail = reason
	case apperrors.IsConflict(err):
		return conflict(res, err)
	default:
		res.Outcome = domain.OutcomeFailed
		res.Detail = err.Error()
		return res
	}
	res.FileStatus = f.Status
	return res
}

// malformed fails the File without retry. Only a File awaiting extraction
// is failed.
func (p *Processor) malformed(ctx context.Context, res Result, f *domain.File, cause error) Result {
	res = rejected(res, cause)
	if f.Status != domain.FileProcessing && f.Status != domain.FileClassified {
		return res
	}
	failed, err := p.machine.Fail(ctx, f.ID, "invalid extraction payload: "+apperrors.PublicMessage(cause))
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to fail file after malformed payload")
		return res
	}
	res.FileStatus = failed.Status
	return res
}

// lookupFile loads the File an envelope addresses, scoped to its tenant and,
// when given, its Submission.
func (p *Processor) lookupFile(ctx context.Context, env *Envelope) (*domain.File, error) {
	f, err := p.machine.Store().GetFile(ctx, env.TenantID, env.FileID)
	if err == nil && env.SubmissionID != "" && env.SubmissionID != f.SubmissionID {
		err = apperrors.NotFoundf("file %s not found in submission %s", env.FileID, env.SubmissionID)
	}
	return f, err
}

// invalidEnvelope rejects an envelope that failed validation. When it still
// names an existing File that is awaiting results, that File is failed so
// it does not sit in processing forever.
func (p *Processor) invalidEnvelope(ctx context.Context, res Result, env *Envelope, cause error) Result {
	if env.FileID == "" || env.TenantID == "" {
		return rejected(res, cause)
	}
	f, err := p.lookupFile(ctx, env)
	if err != nil {
		return rejected(res, cause)
	}
	res.FileStatus = f.Status
	return p.malformed(ctx, res, f, cause)
}

// failed records a write failure and moves the File to failed.
func (p *Processor) failed(ctx context.Context, res Result, f *domain.File, cause error) Result {
	res.Outcome = domain.OutcomeFailed
	res.Detail = cause.Error()
	if f == nil {
		return res
	}

	failed, err := p.machine.Fail(ctx, f.ID, "extraction write failed: "+cause.Error())
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to fail file after write failure")
		return res
	}
	res.FileStatus = failed.Status
	return res
}

func rejected(res Result, err error) Result {
	res.Outcome = domain.OutcomeRejected
	res.Detail = apperrors.PublicMessage(err)
	return res
}

func conflict(res Result, err error) Result {
	res.Outcome = domain.OutcomeConflict
	res.Detail = apperrors.PublicMessage(err)
	return res
}

func validateEnvelope(env *Envelope) error {
	if err := validate.Struct(env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}
