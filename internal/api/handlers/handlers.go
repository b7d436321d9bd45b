// Package handlers implements the HTTP endpoints of the intake service.
// Handlers read the calling tenant from the request context; every lookup
// is scoped to it, so another tenant's resources are indistinguishable from
// missing ones.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/finance-intake/internal/api/middleware"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/tenant"
	"github.com/gorilla/mux"
)

// decodeJSON reads one JSON object from the body. Unknown fields are
// rejected so typos surface as 400s.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return apperrors.Validationf("request body is required")
		}
		return apperrors.Validationf("invalid request body: %v", err)
	}
	return nil
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultLimit
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 || limit > 500 {
			return 0, 0, apperrors.Validationf("limit must be between 0 and 500")
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, apperrors.Validationf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// Health handles GET /healthz
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	jobs  jobs.JobStore
	files store.FileRepository
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(jobStore jobs.JobStore, files store.FileRepository) *JobsHandler {
	return &JobsHandler{jobs: jobStore, files: files}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	jobID := mux.Vars(r)["id"]
	job, err := h.jobs.GetJob(ctx, jobID)
	if err == nil && job.TenantID != tenantID {
		err = apperrors.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs?file_id=
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	query := r.URL.Query()
	fileID := query.Get("file_id")
	if fileID == "" {
		middleware.WriteAppError(w, r, apperrors.Validationf("file_id is required"))
		return
	}
	if _, err := h.files.GetFile(ctx, tenantID, fileID); err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	limit, offset, err := pagination(r, 50)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	filter := jobs.JobFilter{
		FileID: fileID,
		Status: jobs.JobStatus(query.Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	jobsList, err := h.jobs.ListJobs(ctx, filter)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
