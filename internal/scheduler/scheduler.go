// Package scheduler runs relayer housekeeping: crash recovery at startup and
// periodic removal of abandoned uploads and run staging.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/relayer/internal/events"
)

// Options tunes a Scheduler. Zero Interval disables the periodic loop.
type Options struct {
	Interval     time.Duration
	Jitter       time.Duration
	AbandonAfter time.Duration
	Events       events.Publisher
	Logger       *slog.Logger
}

// Report summarizes one housekeeping pass.
type Report struct {
	RemovedUploads    int `json:"removed_uploads"`
	RemovedRunStaging int `json:"removed_run_staging"`
}

// Scheduler owns the housekeeping loop.
type Scheduler struct {
	jobs    JobStore
	uploads UploadSweeper
	runs    RunCleaner
	opts    Options
	events  events.Publisher
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler.
func New(jobs JobStore, uploads UploadSweeper, runs RunCleaner, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Discard
	}
	return &Scheduler{
		jobs:    jobs,
		uploads: uploads,
		runs:    runs,
		opts:    opts,
		events:  pub,
		logger:  logger.With("component", "scheduler"),
		stopCh:  make(chan struct{}),
	}
}

// Start performs crash recovery and then begins the housekeeping loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "interval", s.opts.Interval, "jitter", s.opts.Jitter)

	if err := s.recoverInterruptedJobs(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	if s.opts.Interval <= 0 {
		s.logger.Info("Periodic housekeeping disabled")
		return nil
	}
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight pass. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)
	for {
		timer := time.NewTimer(calculateJitteredInterval(s.opts.Interval, s.opts.Jitter))
		select {
		case <-timer.C:
			s.tick(ctx)
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("Housekeeping pass failed", "error", err)
	}
	if report.RemovedUploads > 0 || report.RemovedRunStaging > 0 {
		s.logger.Info("Housekeeping pass removed stale data",
			"uploads", report.RemovedUploads,
			"run_staging", report.RemovedRunStaging,
		)
	}
}

// RunOnce sweeps abandoned uploads and stale run staging once. Both steps
// run even if the first fails.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if s.opts.AbandonAfter <= 0 {
		return Report{}, fmt.Errorf("abandon threshold must be positive")
	}
	var report Report
	var errs []error

	swept, err := s.uploads.Sweep(ctx, s.opts.AbandonAfter)
	report.RemovedUploads = swept.RemovedSessions
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep uploads: %w", err))
	}

	cleaned, err := s.runs.Cleanup(ctx, s.opts.AbandonAfter)
	report.RemovedRunStaging = cleaned.DeletedDirs
	if err != nil {
		errs = append(errs, fmt.Errorf("clean run staging: %w", err))
	}
	return report, errors.Join(errs...)
}

// recoverInterruptedJobs fails every job a previous process left pending or
// running. The tool is not re-run: its inputs may have been consumed.
func (s *Scheduler) recoverInterruptedJobs(ctx context.Context) error {
	jobs, err := s.jobs.Interrupted(ctx)
	if err != nil {
		return fmt.Errorf("find interrupted jobs: %w", err)
	}
	if len(jobs) == 0 {
		s.logger.Info("No interrupted jobs found")
		return nil
	}

	s.logger.Warn("Found interrupted jobs, marking failed", "count", len(jobs))
	cause := errors.New("interrupted by server restart")
	for _, job := range jobs {
		if err := s.jobs.Fail(ctx, job.Owner, job.ID, cause); err != nil {
			s.logger.Error("Failed to mark interrupted job",
				"job_id", job.ID,
				"owner", job.Owner,
				"error", err,
			)
			continue
		}
		s.logger.Warn("Marked interrupted job failed",
			"job_id", job.ID,
			"owner", job.Owner,
			"previous_status", job.Status,
		)
		s.events.Publish(events.JobInterrupted, job.Owner, map[string]any{
			"job_id":          job.ID,
			"previous_status": job.Status,
		})
	}
	return nil
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to base.
func calculateJitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
