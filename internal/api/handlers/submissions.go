package handlers

import (
	"bytes"
	"net/http"

	"github.com/dvloznov/finance-intake/internal/api/middleware"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/export"
	"github.com/dvloznov/finance-intake/internal/intake"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/tenant"
	"github.com/gorilla/mux"
)

// SubmissionsHandler serves intake, status polling and per-submission
// operations.
type SubmissionsHandler struct {
	intake     *intake.Service
	repo       store.Repository
	dispatcher *dispatch.Dispatcher
}

// NewSubmissionsHandler creates a new submissions handler.
func NewSubmissionsHandler(svc *intake.Service, repo store.Repository, d *dispatch.Dispatcher) *SubmissionsHandler {
	return &SubmissionsHandler{intake: svc, repo: repo, dispatcher: d}
}

// SubmissionView is a Submission together with its Files.
type SubmissionView struct {
	*domain.Submission
	Files []*domain.File `json:"files"`
}

// Create handles POST /api/submissions
func (h *SubmissionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	var req intake.Request
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	if req.IngestionMethod == "" {
		req.IngestionMethod = domain.IngestionAPI
	}

	res, err := h.intake.Intake(ctx, tenantID, req)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, res)
}

// List handles GET /api/submissions
func (h *SubmissionsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	limit, offset, err := pagination(r, 50)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	filter := store.SubmissionFilter{
		Status: domain.SubmissionStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	subs, err := h.repo.ListSubmissions(ctx, tenantID, filter)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*domain.Submission{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"submissions": subs,
		"count":       len(subs),
	})
}

// Get handles GET /api/submissions/{id}
func (h *SubmissionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	sub, err := h.repo.GetSubmission(ctx, tenantID, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	files, err := h.repo.ListFiles(ctx, sub.ID)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, SubmissionView{Submission: sub, Files: files})
}

// Metrics handles GET /api/submissions/{id}/metrics
func (h *SubmissionsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	sub, err := h.repo.GetSubmission(ctx, tenantID, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	m, err := h.repo.GetMetrics(ctx, sub.ID)
	if apperrors.IsNotFound(err) {
		err = apperrors.NotFoundf("no metrics computed yet for submission %s", sub.ID)
	}
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, m)
}

// Export handles GET /api/submissions/{id}/export.xlsx
func (h *SubmissionsHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	id := mux.Vars(r)["id"]
	// Render into memory first so a failure can still become a JSON error.
	var buf bytes.Buffer
	if err := export.WriteSubmission(ctx, h.repo, tenantID, id, &buf); err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="submission-`+id+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("submission_id", id).Msg("Failed to write export")
	}
}

// Enqueue handles POST /api/submissions/{id}/enqueue
func (h *SubmissionsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	res, err := h.dispatcher.BulkEnqueue(ctx, tenantID, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, res)
}
