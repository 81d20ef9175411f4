package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/robfig/cron/v3"
)

var (
	// ErrJobRunning is returned by RunNow when the previous run has not finished.
	ErrJobRunning = errors.New("job already running")

	// ErrUnknownJob is returned by RunNow for a type that was never scheduled.
	ErrUnknownJob = errors.New("unknown job")
)

// Worker runs registered jobs on cron schedules. A job never overlaps with
// itself; a tick that arrives while the previous run is still going is
// skipped.
type Worker struct {
	cron   *cron.Cron
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*scheduledJob

	// Parent context for runs; canceled when Stop gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
}

type scheduledJob struct {
	handler JobHandler
	spec    string
	entry   cron.EntryID
	running atomic.Bool
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		cron: cron.New(
			cron.WithLocation(config.Location),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		config: config,
		logger: logger,
		jobs:   make(map[string]*scheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Schedule registers handler to run on spec, which accepts the standard
// five-field cron syntax as well as descriptors such as "@every 1m".
func (w *Worker) Schedule(spec string, handler JobHandler) error {
	jobType := handler.Type()

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.jobs[jobType]; exists {
		return fmt.Errorf("job %q already scheduled", jobType)
	}

	job := &scheduledJob{handler: handler, spec: spec}
	id, err := w.cron.AddFunc(spec, func() {
		// Errors are logged and counted inside run.
		_ = w.run(w.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	job.entry = id
	w.jobs[jobType] = job

	w.logger.Debug("Scheduled job", "job_type", jobType, "spec", spec)
	return nil
}

// Start begins firing scheduled jobs. It does not block.
func (w *Worker) Start() {
	w.mu.Lock()
	count := len(w.jobs)
	w.mu.Unlock()

	w.logger.Info("Starting scheduler", "jobs", count)
	w.cron.Start()
}

// Stop stops the schedule and waits up to ShutdownTimeout for running jobs.
// Jobs still running after that have their context canceled.
func (w *Worker) Stop() {
	w.logger.Info("Stopping scheduler, waiting for running jobs")

	done := w.cron.Stop()
	select {
	case <-done.Done():
		w.logger.Info("All jobs finished")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Shutdown timeout reached, canceling running jobs")
	}
	w.cancel()
}

// RunNow runs the job of the given type immediately on the caller's
// goroutine, subject to the same overlap rule as scheduled runs.
func (w *Worker) RunNow(ctx context.Context, jobType string) error {
	w.mu.Lock()
	job, ok := w.jobs[jobType]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	return w.run(ctx, job)
}

// Scheduled reports whether a job of the given type is on the schedule.
func (w *Worker) Scheduled(jobType string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.jobs[jobType]
	return ok
}

func (w *Worker) run(ctx context.Context, job *scheduledJob) error {
	jobType := job.handler.Type()
	logger := w.logger.With("job_type", jobType)

	if !job.running.CompareAndSwap(false, true) {
		metrics.JobSkipped(jobType)
		logger.Warn("Previous run still in progress, skipping")
		return ErrJobRunning
	}
	defer job.running.Store(false)

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	start := time.Now()
	metrics.JobStarted(jobType)

	err := job.handler.Handle(jobCtx)
	duration := time.Since(start)
	if err != nil {
		metrics.JobFailed(jobType, duration)
		logger.Error("Job failed", "error", err, "duration", duration)

		if IsPermanent(err) {
			w.unschedule(jobType)
			logger.Error("Job permanently failed, removed from schedule", "spec", job.spec)
		}
		return err
	}

	metrics.JobCompleted(jobType, duration)
	logger.Debug("Job completed", "duration", duration)
	return nil
}

func (w *Worker) unschedule(jobType string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if job, ok := w.jobs[jobType]; ok {
		w.cron.Remove(job.entry)
		delete(w.jobs, jobType)
	}
}
