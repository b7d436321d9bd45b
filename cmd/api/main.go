package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/finance-intake/internal/app"
	"github.com/dvloznov/finance-intake/internal/config"
	"github.com/dvloznov/finance-intake/internal/logger"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", os.Getenv("INTAKE_CONFIG"), "Path to a YAML config file (or set INTAKE_CONFIG env)")
		withWorker = flag.Bool("with-worker", true, "Consume dispatch jobs in this process when the queue driver is memory")
	)
	flag.Parse()

	bootLog := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log, err := logger.NewWithOptions(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to create logger")
	}

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer a.Close()

	// Start worker in background to process jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	// A memory queue is only visible to this process, so it must be consumed here.
	consume := *withWorker && cfg.Queue.Driver == "memory"
	if consume {
		log.Info().Int("workers", cfg.Queue.Workers).Msg("Starting job worker")
		if err := a.Queue.Start(workerCtx, a.Dispatcher.HandleJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job consumer")
		}
	}

	if cfg.Sweep.Enabled {
		a.Scheduler.Start(workerCtx)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      a.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  2 * cfg.HTTP.ReadTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if cfg.Sweep.Enabled {
		if err := a.Scheduler.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping sweep scheduler")
		}
	}

	// Cancel worker context
	cancelWorker()

	// Stop job queue and wait for in-flight jobs
	if consume {
		if err := a.Queue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping job queue")
		}
	}

	log.Info().Msg("Server exited")
}
