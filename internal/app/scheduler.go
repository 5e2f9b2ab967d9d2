/**
 * @description
 * Cron scheduler setup for the sweep jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SweepSchedules holds the cron expressions for each sweep.
type SweepSchedules struct {
	Flagged   string
	Abandoned string
	Reconcile string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	sweeps    *Sweeps
	logger    *slog.Logger
	schedules SweepSchedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeps *Sweeps, logger *slog.Logger, schedules SweepSchedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		sweeps:    sweeps,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedules.Flagged, s.sweeps.RunFlaggedAutoAccept); err != nil {
		s.logger.Error("failed to schedule flagged auto-accept sweep", "error", err)
	} else {
		s.logger.Info("scheduled flagged auto-accept sweep", "schedule", s.schedules.Flagged)
	}

	if _, err := s.cron.AddFunc(s.schedules.Abandoned, s.sweeps.RunAbandonedSweep); err != nil {
		s.logger.Error("failed to schedule abandoned sweep", "error", err)
	} else {
		s.logger.Info("scheduled abandoned sweep", "schedule", s.schedules.Abandoned)
	}

	if _, err := s.cron.AddFunc(s.schedules.Reconcile, s.sweeps.RunNightlyReconcile); err != nil {
		s.logger.Error("failed to schedule nightly reconcile", "error", err)
	} else {
		s.logger.Info("scheduled nightly reconcile", "schedule", s.schedules.Reconcile)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
