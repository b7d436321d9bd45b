// Package api assembles the HTTP surface of the intake service.
package api

import (
	"net/http"

	"github.com/dvloznov/finance-intake/internal/api/handlers"
	"github.com/dvloznov/finance-intake/internal/api/middleware"
	"github.com/dvloznov/finance-intake/internal/callback"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/intake"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the services the router exposes.
type Deps struct {
	Log        zerolog.Logger
	Machine    *lifecycle.Machine
	Intake     *intake.Service
	Dispatcher *dispatch.Dispatcher
	Processor  *callback.Processor
	Tenants    middleware.TenantResolver
	Jobs       jobs.JobStore

	// WebhookSecret is the shared secret callbacks must present.
	WebhookSecret string
	// MaxCallbackBytes caps webhook bodies.
	MaxCallbackBytes int64
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	st := d.Machine.Store()

	submissions := handlers.NewSubmissionsHandler(d.Intake, st, d.Dispatcher)
	files := handlers.NewFilesHandler(st, d.Dispatcher, d.Machine)
	companies := handlers.NewCompaniesHandler(st)
	jobsHandler := handlers.NewJobsHandler(d.Jobs, st)
	webhooks := handlers.NewWebhooksHandler(d.Processor)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.HandleFunc("/healthz", handlers.Health).Methods(http.MethodGet)

	// Tenant API
	tapi := r.PathPrefix("/api").Subrouter()
	tapi.Use(middleware.Auth(d.Tenants))

	tapi.HandleFunc("/submissions", submissions.Create).Methods(http.MethodPost)
	tapi.HandleFunc("/submissions", submissions.List).Methods(http.MethodGet)
	tapi.HandleFunc("/submissions/{id}", submissions.Get).Methods(http.MethodGet)
	tapi.HandleFunc("/submissions/{id}/metrics", submissions.Metrics).Methods(http.MethodGet)
	tapi.HandleFunc("/submissions/{id}/export.xlsx", submissions.Export).Methods(http.MethodGet)
	tapi.HandleFunc("/submissions/{id}/enqueue", submissions.Enqueue).Methods(http.MethodPost)

	tapi.HandleFunc("/files/enqueue", files.Enqueue).Methods(http.MethodPost)
	tapi.HandleFunc("/files/{id}", files.Get).Methods(http.MethodGet)
	tapi.HandleFunc("/files/{id}/reprocess", files.Reprocess).Methods(http.MethodPost)

	tapi.HandleFunc("/companies", companies.List).Methods(http.MethodGet)
	tapi.HandleFunc("/companies/{id}/aliases", companies.AddAlias).Methods(http.MethodPost)

	tapi.HandleFunc("/jobs", jobsHandler.ListJobs).Methods(http.MethodGet)
	tapi.HandleFunc("/jobs/{id}", jobsHandler.GetJob).Methods(http.MethodGet)

	// Service callbacks
	hooks := r.PathPrefix("/webhooks").Subrouter()
	hooks.Use(middleware.WebhookSecret(d.WebhookSecret), middleware.MaxBody(d.MaxCallbackBytes))
	hooks.HandleFunc("/extraction", webhooks.Extraction).Methods(http.MethodPost)
	hooks.HandleFunc("/classification", webhooks.Classification).Methods(http.MethodPost)

	// Wrapped outside the router so unmatched requests and CORS preflights
	// are logged too.
	return middleware.Recovery(d.Log)(
		middleware.RequestID(
			middleware.Logger(d.Log)(
				middleware.CORS(r),
			),
		),
	)
}
