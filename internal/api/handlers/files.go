package handlers

import (
	"net/http"

	"github.com/dvloznov/finance-intake/internal/api/middleware"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/tenant"
	"github.com/gorilla/mux"
)

// FilesHandler serves single-file dispatch, detail and reprocessing.
type FilesHandler struct {
	files      store.FileRepository
	dispatcher *dispatch.Dispatcher
	machine    *lifecycle.Machine
}

// NewFilesHandler creates a new files handler.
func NewFilesHandler(files store.FileRepository, d *dispatch.Dispatcher, m *lifecycle.Machine) *FilesHandler {
	return &FilesHandler{files: files, dispatcher: d, machine: m}
}

// EnqueueRequest is the body of POST /api/files/enqueue.
type EnqueueRequest struct {
	FileID string `json:"file_id"`
}

// FileView adds the delivery history to a File.
type FileView struct {
	*domain.File
	Deliveries []*domain.CallbackDelivery `json:"deliveries,omitempty"`
}

// Enqueue handles POST /api/files/enqueue
func (h *FilesHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	accepted, err := h.dispatcher.Enqueue(ctx, tenantID, req.FileID)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, accepted)
}

// Get handles GET /api/files/{id}
func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	f, err := h.files.GetFile(ctx, tenantID, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	view := FileView{File: f}
	if r.URL.Query().Get("include") == "deliveries" {
		if view.Deliveries, err = h.machine.Store().ListDeliveries(ctx, f.ID); err != nil {
			middleware.WriteAppError(w, r, err)
			return
		}
	}

	middleware.WriteJSON(w, http.StatusOK, view)
}

// Reprocess handles POST /api/files/{id}/reprocess
func (h *FilesHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	f, err := h.machine.Reprocess(ctx, tenantID, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, f)
}
