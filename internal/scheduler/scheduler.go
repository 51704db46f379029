/**
 * @description
 * Cron scheduler for the settlement-service background jobs. The only job today is the
 * reconciliation sweep over outgoing transfers stranded in inProgress.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: cron expression parsing and job execution.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/transfa/settlement-service/internal/app"
)

// Reconciler is the sweep run on every tick.
type Reconciler interface {
	Run(ctx context.Context) (app.ReconcileReport, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	schedule   string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewScheduler creates a new scheduler instance. A tick that is still running when the
// next one fires is skipped.
func NewScheduler(reconciler Reconciler, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    5 * time.Minute,
		logger:     logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ReconcileStranded); err != nil {
		s.logger.Error("failed to schedule reconciliation job", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled reconciliation job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ReconcileStranded runs one reconciliation sweep.
func (s *Scheduler) ReconcileStranded() {
	s.logger.Info("starting reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.reconciler.Run(ctx)
	if err != nil {
		s.logger.Error("reconciliation job failed", "error", err)
		return
	}

	s.logger.Info("reconciliation job finished",
		"scanned", report.Scanned,
		"completed", report.Completed,
		"compensated", report.Compensated,
		"unresolved", report.Unresolved,
		"stale_pending", report.StalePending,
	)
}
