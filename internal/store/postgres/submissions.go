package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/jackc/pgx/v5"
)

func (q *queries) GetTenantByKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := q.db.QueryRow(ctx, `
		SELECT id, name, api_key_hash, active, created_at
		FROM tenants
		WHERE api_key_hash = $1
	`, keyHash).Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.Active, &t.CreatedAt)
	if err != nil {
		return nil, translate("GetTenantByKeyHash", err)
	}
	return &t, nil
}

func (q *queries) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO tenants (id, name, api_key_hash, active)
		VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.APIKeyHash, t.Active)
	return translate("CreateTenant", err)
}

const submissionColumns = `id, tenant_id, ingestion_method, status, files_total, files_processed,
	COALESCE(company_id::text, ''), created_at, updated_at`

func scanSubmission(row pgx.Row) (*domain.Submission, error) {
	var (
		s      domain.Submission
		method string
		status string
	)
	if err := row.Scan(&s.ID, &s.TenantID, &method, &status, &s.FilesTotal, &s.FilesProcessed,
		&s.CompanyID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.IngestionMethod = domain.IngestionMethod(method)
	s.Status = domain.SubmissionStatus(status)
	return &s, nil
}

func (q *queries) CreateSubmission(ctx context.Context, sub *domain.Submission, files []*domain.File) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO submissions (id, tenant_id, ingestion_method, status, files_total, files_processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, sub.ID, sub.TenantID, string(sub.IngestionMethod), string(sub.Status), sub.FilesTotal, sub.FilesProcessed, sub.CreatedAt)
	if err != nil {
		return translate("CreateSubmission: insert submission", err)
	}

	rows := make([][]any, 0, len(files))
	for _, f := range files {
		rows = append(rows, []any{
			f.ID, f.SubmissionID, f.TenantID, f.Name, f.StoragePath, f.SizeBytes, f.MimeType,
			string(f.Status), f.CreatedAt, f.CreatedAt,
		})
	}
	err = execBatch(ctx, q.db, `
		INSERT INTO files (id, submission_id, tenant_id, name, storage_path, size_bytes, mime_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rows)
	if err != nil {
		return translate("CreateSubmission: insert files", err)
	}
	return nil
}

func (q *queries) GetSubmission(ctx context.Context, tenantID, id string) (*domain.Submission, error) {
	sub, err := scanSubmission(q.db.QueryRow(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE id = $1 AND ($2 = '' OR tenant_id::text = $2)
	`, id, tenantID))
	if err != nil {
		return nil, translate("GetSubmission", err)
	}
	return sub, nil
}

func (q *queries) LockSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	sql := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	if q.inTx {
		sql += ` FOR UPDATE`
	}
	sub, err := scanSubmission(q.db.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, translate("LockSubmission", err)
	}
	return sub, nil
}

func (q *queries) ListSubmissions(ctx context.Context, tenantID string, filter store.SubmissionFilter) ([]*domain.Submission, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`, tenantID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, translate("ListSubmissions", err)
	}
	defer rows.Close()

	var out []*domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, translate("ListSubmissions: scan", err)
		}
		out = append(out, s)
	}
	return out, translate("ListSubmissions: rows", rows.Err())
}

func (q *queries) UpdateSubmissionRollup(ctx context.Context, id string, status domain.SubmissionStatus, filesProcessed int) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE submissions
		SET status = $2, files_processed = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), filesProcessed)
	if err != nil {
		return translate("UpdateSubmissionRollup", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundf("submission %s not found", id)
	}
	return nil
}

func (q *queries) SetSubmissionCompany(ctx context.Context, id, companyID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE submissions
		SET company_id = $2, updated_at = now()
		WHERE id = $1 AND company_id IS NULL
	`, id, companyID)
	return translate("SetSubmissionCompany", err)
}

const fileColumns = `id, submission_id, tenant_id, name, storage_path, size_bytes, mime_type,
	COALESCE(document_type, ''), confidence, COALESCE(job_handle, ''), status, COALESCE(error_text, ''),
	processing_started_at, processing_completed_at, created_at, updated_at`

func scanFile(row pgx.Row) (*domain.File, error) {
	var (
		f       domain.File
		docType string
		status  string
	)
	if err := row.Scan(&f.ID, &f.SubmissionID, &f.TenantID, &f.Name, &f.StoragePath, &f.SizeBytes, &f.MimeType,
		&docType, &f.Confidence, &f.JobHandle, &status, &f.ErrorText,
		&f.ProcessingStartedAt, &f.ProcessingCompletedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.DocumentType = domain.DocumentType(docType)
	f.Status = domain.FileStatus(status)
	return &f, nil
}

func collectFiles(rows pgx.Rows, op string) ([]*domain.File, error) {
	defer rows.Close()
	var out []*domain.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, translate(op+": scan", err)
		}
		out = append(out, f)
	}
	return out, translate(op+": rows", rows.Err())
}

func (q *queries) GetFile(ctx context.Context, tenantID, id string) (*domain.File, error) {
	f, err := scanFile(q.db.QueryRow(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE id = $1 AND ($2 = '' OR tenant_id::text = $2)
	`, id, tenantID))
	if err != nil {
		return nil, translate("GetFile", err)
	}
	return f, nil
}

func (q *queries) LockFile(ctx context.Context, id string) (*domain.File, error) {
	sql := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	if q.inTx {
		sql += ` FOR UPDATE`
	}
	f, err := scanFile(q.db.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, translate("LockFile", err)
	}
	return f, nil
}

func (q *queries) ListFiles(ctx context.Context, submissionID string) ([]*domain.File, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE submission_id = $1
		ORDER BY created_at, id
	`, submissionID)
	if err != nil {
		return nil, translate("ListFiles", err)
	}
	return collectFiles(rows, "ListFiles")
}

func statusStrings(statuses []domain.FileStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (q *queries) TransitionFile(ctx context.Context, id string, from []domain.FileStatus, to domain.FileStatus, patch store.FilePatch) (*domain.File, error) {
	var docType *string
	if patch.DocumentType != nil {
		s := string(*patch.DocumentType)
		docType = &s
	}

	f, err := scanFile(q.db.QueryRow(ctx, `
		UPDATE files SET
			status = $2,
			document_type = COALESCE($3, document_type),
			confidence = COALESCE($4, confidence),
			job_handle = COALESCE($5, job_handle),
			error_text = COALESCE($6, error_text),
			processing_started_at = COALESCE($7, processing_started_at),
			processing_completed_at = COALESCE($8, processing_completed_at),
			updated_at = now()
		WHERE id = $1 AND status = ANY($9)
		RETURNING `+fileColumns,
		id, string(to), docType, patch.Confidence, patch.JobHandle, patch.ErrorText,
		patch.ProcessingStartedAt, patch.ProcessingCompletedAt, statusStrings(from)))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate("TransitionFile", err)
	}

	var current string
	if err := q.db.QueryRow(ctx, `SELECT status FROM files WHERE id = $1`, id).Scan(&current); err != nil {
		return nil, translate("TransitionFile: read status", err)
	}
	return nil, apperrors.Conflictf("file %s is %s, expected one of %v", id, current, from)
}

func (q *queries) SetFileJobHandle(ctx context.Context, id, handle string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE files
		SET job_handle = $2, updated_at = now()
		WHERE id = $1 AND (job_handle IS NULL OR job_handle = '')
	`, id, handle)
	return translate("SetFileJobHandle", err)
}

func (q *queries) ResetFile(ctx context.Context, id string, to domain.FileStatus) (*domain.File, error) {
	f, err := scanFile(q.db.QueryRow(ctx, `
		UPDATE files SET
			status = $2,
			job_handle = NULL,
			error_text = NULL,
			processing_started_at = NULL,
			processing_completed_at = NULL,
			document_type = CASE WHEN $2 = 'uploaded' THEN NULL ELSE document_type END,
			confidence = CASE WHEN $2 = 'uploaded' THEN NULL ELSE confidence END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+fileColumns, id, string(to)))
	if err != nil {
		return nil, translate("ResetFile", err)
	}
	return f, nil
}

func (q *queries) ListStaleFiles(ctx context.Context, statuses []domain.FileStatus, cutoff time.Time, limit int) ([]*domain.File, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, statusStrings(statuses), cutoff, limit)
	if err != nil {
		return nil, translate("ListStaleFiles", err)
	}
	return collectFiles(rows, "ListStaleFiles")
}
