package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-intake/internal/app"
	"github.com/dvloznov/finance-intake/internal/config"
	"github.com/dvloznov/finance-intake/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("INTAKE_CONFIG"), "Path to a YAML config file (or set INTAKE_CONFIG env)")
	flag.Parse()

	bootLog := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log, err := logger.NewWithOptions(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to create logger")
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer a.Close()

	if cfg.Queue.Driver == "memory" {
		// Only jobs republished by this process's relay reach a memory queue.
		log.Warn().Msg("Worker running with the memory queue driver; use pubsub to share jobs with the API")
	}

	log.Info().Str("queue", cfg.Queue.Driver).Int("workers", cfg.Queue.Workers).Msg("Starting worker service")

	// Start consuming jobs
	if err := a.Queue.Start(ctx, a.Dispatcher.HandleJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	if cfg.Sweep.Enabled {
		a.Scheduler.Start(ctx)
	}

	log.Info().Msg("Worker service started, waiting for jobs...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if cfg.Sweep.Enabled {
		if err := a.Scheduler.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping sweep scheduler")
		}
	}

	// Cancel context to stop workers
	cancel()

	// Stop the queue and wait for in-flight jobs
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Worker service exited")
}
