// Package sweep runs the periodic maintenance jobs of the pipeline: failing
// Files stuck waiting for an external service, and relaying dispatch outbox
// entries whose queue message was lost.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job names.
const (
	StuckFiles  = "stuck_files"
	OutboxRelay = "outbox_relay"
)

// Job is one scheduled task. Run returns the number of items it handled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Options configures a Scheduler.
type Options struct {
	Location *time.Location
	// LockTTL bounds how long a crashed runner blocks the other replicas.
	LockTTL time.Duration
}

// Scheduler runs Jobs on cron schedules, one runner at a time.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	opts   Options
	log    zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]Job
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. A nil locker falls back to a LocalLocker.
func New(locker Locker, opts Options, log zerolog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(opts.Location), cron.WithLogger(cronLogger{log})),
		locker: locker,
		opts:   opts,
		log:    log,
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
}

// Add registers a Job. Jobs with an empty Spec can only be run with RunOnce.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Name == "" || job.Run == nil {
		return apperrors.Validationf("sweep job needs a name and a run function")
	}
	if _, ok := s.jobs[job.Name]; ok {
		return apperrors.Conflictf("sweep job %s is already registered", job.Name)
	}
	if job.Spec != "" {
		if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
			return apperrors.Validationf("invalid schedule %q for %s: %v", job.Spec, job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Names lists the registered jobs.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins running scheduled jobs until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(logger.WithContext(ctx, s.log))
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Strs("jobs", s.Names()).Msg("Sweep scheduler started")
}

// Stop stops scheduling and waits for running jobs, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.log.Info().Msg("Sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := s.RunOnce(ctx, job.Name); err != nil && !errors.Is(err, ErrNotObtained) {
		s.log.Error().Err(err).Str("job", job.Name).Msg("Sweep job failed")
	}
}

// RunOnce runs the named job now under its lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, apperrors.NotFoundf("sweep job %s not found", name)
	}

	log := s.log.With().Str("job", name).Logger()
	lock, err := s.locker.Obtain(ctx, name, s.opts.LockTTL)
	if errors.Is(err, ErrNotObtained) {
		log.Debug().Msg("Sweep job already running elsewhere, skipping")
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("RunOnce: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to release sweep lock")
		}
	}()

	start := time.Now()
	n, err := job.Run(logger.WithContext(ctx, log))
	if err != nil {
		return n, fmt.Errorf("RunOnce: %s: %w", name, err)
	}
	if n > 0 {
		log.Info().Int("items", n).Dur("took", time.Since(start)).Msg("Sweep job finished")
	}
	return n, nil
}

// StuckFilesJob fails Files that have waited in classifying or processing
// longer than timeout.
func StuckFilesJob(spec string, m *lifecycle.Machine, timeout time.Duration, batch int) Job {
	return Job{
		Name: StuckFiles,
		Spec: spec,
		Run: func(ctx context.Context) (int, error) {
			return m.FailStale(ctx, time.Now().UTC().Add(-timeout), batch)
		},
	}
}

// OutboxRelayJob republishes due dispatch outbox entries.
func OutboxRelayJob(spec string, d *dispatch.Dispatcher, batch int) Job {
	return Job{
		Name: OutboxRelay,
		Spec: spec,
		Run: func(ctx context.Context) (int, error) {
			return d.Relay(ctx, batch)
		},
	}
}

// cronLogger routes robfig/cron's own messages to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
