// Package intake reserves Submissions and their File placeholders.
package intake

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/objectstore"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/validate"
	"github.com/google/uuid"
)

// FileDescriptor describes one file the caller is about to upload.
type FileDescriptor struct {
	Name     string `json:"name" validate:"required,max=255"`
	Size     int64  `json:"size" validate:"gt=0"`
	MimeType string `json:"mime_type" validate:"required"`
}

// Request is an intake call.
type Request struct {
	IngestionMethod domain.IngestionMethod `json:"ingestion_method,omitempty"`
	Files           []FileDescriptor       `json:"files" validate:"required,min=1,dive"`
}

// FileMap tells the caller where to upload one File.
type FileMap struct {
	FileID      string `json:"file_id"`
	StoragePath string `json:"storage_path"`
	UploadURL   string `json:"upload_url,omitempty"`
}

// Result is returned by a successful intake.
type Result struct {
	SubmissionID string    `json:"submission_id"`
	FileMaps     []FileMap `json:"file_maps"`
	CreatedAt    time.Time `json:"created_at"`
}

// Limits bounds what a single intake may reserve.
type Limits struct {
	MaxFiles         int
	MaxFileSizeBytes int64
	AllowedMimeTypes []string
}

// Service performs Submission Intake.
type Service struct {
	store   store.Store
	signer  objectstore.Signer
	limits  Limits
	allowed map[string]bool
	now     func() time.Time
}

// NewService creates a Service. signer may be nil, in which case no upload
// URLs are issued.
func NewService(st store.Store, signer objectstore.Signer, limits Limits) *Service {
	allowed := make(map[string]bool, len(limits.AllowedMimeTypes))
	for _, mt := range limits.AllowedMimeTypes {
		allowed[normalizeMimeType(mt)] = true
	}
	return &Service{
		store:   st,
		signer:  signer,
		limits:  limits,
		allowed: allowed,
		now:     time.Now,
	}
}

func normalizeMimeType(mt string) string {
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func (s *Service) validate(req *Request) error {
	if len(req.Files) == 0 {
		return apperrors.Validationf("at least one file is required")
	}
	if err := validate.Struct(req); err != nil {
		return err
	}
	if s.limits.MaxFiles > 0 && len(req.Files) > s.limits.MaxFiles {
		return apperrors.Validationf("too many files: %d (max %d)", len(req.Files), s.limits.MaxFiles)
	}
	if req.IngestionMethod == "" {
		req.IngestionMethod = domain.IngestionAPI
	}
	if !req.IngestionMethod.Valid() {
		return apperrors.Validationf("unknown ingestion method %q", req.IngestionMethod)
	}
	for i, f := range req.Files {
		if !s.allowed[normalizeMimeType(f.MimeType)] {
			return apperrors.Validationf("files[%d]: mime type %q is not accepted", i, f.MimeType)
		}
		if s.limits.MaxFileSizeBytes > 0 && f.Size > s.limits.MaxFileSizeBytes {
			return apperrors.Validationf("files[%d]: size %d exceeds %d bytes", i, f.Size, s.limits.MaxFileSizeBytes)
		}
	}
	return nil
}

// Intake creates one Submission and one uploaded File per descriptor in a
// single transaction. Every call creates a new Submission.
func (s *Service) Intake(ctx context.Context, tenantID string, req Request) (*Result, error) {
	if tenantID == "" {
		return nil, apperrors.Unauthenticated("tenant is required")
	}
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &domain.Submission{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		IngestionMethod: req.IngestionMethod,
		Status:          domain.SubmissionPending,
		FilesTotal:      len(req.Files),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	files := make([]*domain.File, 0, len(req.Files))
	maps := make([]FileMap, 0, len(req.Files))
	for _, d := range req.Files {
		f := &domain.File{
			ID:           uuid.NewString(),
			SubmissionID: sub.ID,
			TenantID:     tenantID,
			Name:         d.Name,
			SizeBytes:    d.Size,
			MimeType:     normalizeMimeType(d.MimeType),
			Status:       domain.FileUploaded,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		f.StoragePath = objectstore.ObjectPath(tenantID, sub.ID, f.ID, d.Name)

		fm := FileMap{FileID: f.ID, StoragePath: f.StoragePath}
		if s.signer != nil {
			url, err := s.signer.SignedUploadURL(ctx, f.StoragePath, f.MimeType)
			if err != nil {
				return nil, fmt.Errorf("Intake: sign upload URL: %w", err)
			}
			fm.UploadURL = url
		}
		files = append(files, f)
		maps = append(maps, fm)
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		return tx.CreateSubmission(ctx, sub, files)
	})
	if err != nil {
		return nil, fmt.Errorf("Intake: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("submission_id", sub.ID).
		Str("tenant_id", tenantID).
		Str("ingestion_method", string(sub.IngestionMethod)).
		Int("files_total", sub.FilesTotal).
		Msg("Submission reserved")

	return &Result{SubmissionID: sub.ID, FileMaps: maps, CreatedAt: now}, nil
}
