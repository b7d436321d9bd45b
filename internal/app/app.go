// Package app wires configuration into the running services shared by the
// API server, the worker and the CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dvloznov/finance-intake/internal/aggregate"
	"github.com/dvloznov/finance-intake/internal/api"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/callback"
	"github.com/dvloznov/finance-intake/internal/config"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/entity"
	infraBQ "github.com/dvloznov/finance-intake/internal/infra/bigquery"
	"github.com/dvloznov/finance-intake/internal/intake"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/jobs/inmemory"
	"github.com/dvloznov/finance-intake/internal/jobs/pubsub"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/objectstore"
	"github.com/dvloznov/finance-intake/internal/review"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/store/memory"
	"github.com/dvloznov/finance-intake/internal/store/postgres"
	"github.com/dvloznov/finance-intake/internal/sweep"
	"github.com/dvloznov/finance-intake/internal/tenant"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Queue both publishes and consumes dispatch jobs.
type Queue interface {
	jobs.Publisher
	jobs.Consumer
}

// App holds the wired services.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Store      store.Store
	Machine    *lifecycle.Machine
	Dispatcher *dispatch.Dispatcher
	Processor  *callback.Processor
	Intake     *intake.Service
	Tenants    *tenant.Resolver
	Jobs       jobs.JobStore
	Queue      Queue
	Scheduler  *sweep.Scheduler

	closers []func() error
}

// New connects every configured backend. Optional integrations (Redis, GCS,
// BigQuery and Notion) are skipped when their settings are empty.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.Config, a.Log
	if err := a.openStore(ctx); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("New: redis ping: %w", err)
		}
	}

	var cache tenant.Cache = tenant.NoopCache{}
	if rdb != nil {
		cache = tenant.NewRedisCache(rdb)
	}
	a.Tenants = tenant.NewResolver(a.Store, cache, cfg.Redis.CacheTTL)

	var gcs *objectstore.GCS
	if cfg.Storage.Bucket != "" {
		var err error
		if gcs, err = objectstore.NewGCS(ctx, cfg.Storage.Bucket, cfg.Storage.SignedURLTTL); err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
	} else {
		log.Warn().Msg("No storage bucket configured - upload URLs will not be issued")
	}

	var signer objectstore.Signer
	if gcs != nil {
		signer = gcs
	}
	a.Intake = intake.NewService(a.Store, signer, intake.Limits{
		MaxFiles:         cfg.Intake.MaxFiles,
		MaxFileSizeBytes: cfg.Intake.MaxFileSizeBytes,
		AllowedMimeTypes: cfg.Intake.AllowedMimeTypes,
	})

	a.Machine = lifecycle.New(a.Store, aggregate.New())
	if err := a.addListeners(ctx); err != nil {
		return err
	}

	a.Jobs = inmemory.NewStore(inmemory.WithFileHistory(a.Config.Queue.JobHistory))
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	classifier, extractor, err := a.services(ctx, gcs)
	if err != nil {
		return err
	}
	a.Dispatcher = dispatch.New(a.Machine, a.Queue, classifier, extractor, dispatch.Options{
		Bucket:          cfg.Storage.Bucket,
		CallbackBaseURL: cfg.HTTP.PublicBaseURL,
		Retry: apperrors.RetryPolicy{
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			MaxBackoff:     cfg.Dispatch.MaxBackoff,
		},
		AutoExtract:   cfg.Dispatch.AutoExtract,
		MinConfidence: cfg.Dispatch.MinConfidence,
	})

	epsilon, err := decimal.NewFromString(cfg.Callback.ReconciliationEpsilon)
	if err != nil {
		return fmt.Errorf("New: callback.reconciliation_epsilon: %w", err)
	}
	a.Processor = callback.New(a.Machine, entity.NewChainResolver(), a.Dispatcher, callback.Options{
		Epsilon: epsilon,
		Retry: apperrors.RetryPolicy{
			MaxAttempts:    cfg.Callback.MaxAttempts,
			InitialBackoff: cfg.Callback.InitialBackoff,
		},
	})

	return a.buildScheduler(rdb)
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Database.Driver {
	case "memory":
		a.Log.Warn().Msg("Using in-memory store - data is lost on restart")
		a.Store = memory.New()
	default:
		pg, err := postgres.New(ctx, a.Config.Database.URL, a.Config.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.Store = pg
	}
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	qc := a.Config.Queue
	switch qc.Driver {
	case "pubsub":
		q, err := pubsub.NewQueue(ctx, qc.ProjectID, qc.Topic, qc.Subscription, qc.Workers, a.Jobs)
		if err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.Queue = q
	default:
		a.Queue = inmemory.NewQueue(qc.BufferSize, qc.Workers, a.Jobs,
			inmemory.WithJobTimeout(2*a.Config.Dispatch.RequestTimeout))
	}
	return nil
}

func (a *App) services(ctx context.Context, gcs *objectstore.GCS) (dispatch.Classifier, dispatch.Extractor, error) {
	dc := a.Config.Dispatch
	svc := dispatch.NewHTTPService(dc.ServiceToken, dc.RequestTimeout)
	extractor := dispatch.NewHTTPExtractor(svc, dc.StatementURL, dc.ApplicationURL)

	if dc.ClassifierMode == "gemini" {
		classifier, err := dispatch.NewGeminiClassifier(ctx, dc.GeminiModel, gcs)
		if err != nil {
			return nil, nil, fmt.Errorf("New: %w", err)
		}
		return classifier, extractor, nil
	}
	return dispatch.NewHTTPClassifier(svc, dc.ClassifierURL), extractor, nil
}

func (a *App) addListeners(ctx context.Context) error {
	bq := a.Config.BigQuery
	if bq.ProjectID != "" {
		sink, err := infraBQ.NewMetricsSink(ctx, bq.ProjectID, bq.Dataset, bq.Table)
		if err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, sink.Close)
		if err := sink.EnsureTable(ctx); err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.Machine.AddListener(sink)
		a.Log.Info().Str("table", bq.Dataset+"."+bq.Table).Msg("Exporting metrics to BigQuery")
	}

	nc := a.Config.Notion
	if nc.Token != "" && nc.DatabaseID != "" {
		a.Machine.AddListener(review.NewNotifier(review.NewNotionClient(nc.Token), nc.DatabaseID))
		a.Log.Info().Msg("Raising review items in Notion")
	}
	return nil
}

func (a *App) buildScheduler(rdb *redis.Client) error {
	sc := a.Config.Sweep
	loc, err := time.LoadLocation(sc.Location)
	if err != nil {
		return fmt.Errorf("New: sweep.location: %w", err)
	}

	var locker sweep.Locker
	if rdb != nil {
		locker = sweep.NewRedisLocker(rdb)
	}
	a.Scheduler = sweep.New(locker, sweep.Options{Location: loc, LockTTL: sc.LockTTL}, a.Log)

	if err := a.Scheduler.Add(sweep.StuckFilesJob(sc.StuckFilesSpec, a.Machine, sc.ProcessingTimeout, sc.BatchSize)); err != nil {
		return fmt.Errorf("New: %w", err)
	}
	if err := a.Scheduler.Add(sweep.OutboxRelayJob(sc.OutboxRelaySpec, a.Dispatcher, sc.BatchSize)); err != nil {
		return fmt.Errorf("New: %w", err)
	}
	return nil
}

// Router builds the HTTP handler over the wired services.
func (a *App) Router() http.Handler {
	return api.NewRouter(api.Deps{
		Log:              a.Log,
		Machine:          a.Machine,
		Intake:           a.Intake,
		Dispatcher:       a.Dispatcher,
		Processor:        a.Processor,
		Tenants:          a.Tenants,
		Jobs:             a.Jobs,
		WebhookSecret:    a.Config.Callback.Secret,
		MaxCallbackBytes: a.Config.Callback.MaxBodyBytes,
	})
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Log.Error().Err(err).Msg("Failed to close job queue")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Error().Err(err).Msg("Failed to close backend")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
