package handlers

import (
	"net/http"
	"time"

	"github.com/dvloznov/finance-intake/internal/api/middleware"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/entity"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/tenant"
	"github.com/gorilla/mux"
)

// CompaniesHandler serves the tenant's business entities.
type CompaniesHandler struct {
	companies store.CompanyRepository
	now       func() time.Time
}

// NewCompaniesHandler creates a new companies handler.
func NewCompaniesHandler(companies store.CompanyRepository) *CompaniesHandler {
	return &CompaniesHandler{companies: companies, now: time.Now}
}

// AliasRequest is the body of POST /api/companies/{id}/aliases.
type AliasRequest struct {
	Alias string `json:"alias"`
}

// List handles GET /api/companies
func (h *CompaniesHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	limit, offset, err := pagination(r, 100)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	companies, err := h.companies.ListCompanies(ctx, tenantID, limit, offset)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	if companies == nil {
		companies = []*domain.Company{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"companies": companies,
		"count":     len(companies),
	})
}

// AddAlias handles POST /api/companies/{id}/aliases
func (h *CompaniesHandler) AddAlias(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	var req AliasRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	c, err := h.companies.GetCompany(ctx, tenantID, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	alias, err := entity.NewAlias(tenantID, c.ID, req.Alias, h.now())
	if err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}
	if err := h.companies.AddAlias(ctx, alias); err != nil {
		middleware.WriteAppError(w, r, err)
		return
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("company_id", c.ID).
		Str("alias", alias.NormalizedAlias).
		Msg("Alias registered")

	middleware.WriteJSON(w, http.StatusCreated, alias)
}
