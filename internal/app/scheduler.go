/**
 * @description
 * Cron scheduler for the export, retry, reconciliation and settlement jobs.
 * Export triggers are "HH:MM" times in the configured timezone; cron rolls a
 * time already past today to tomorrow.
 */
package app

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/ach-service/internal/config"
)

// ScheduledJob describes one registered trigger.
type ScheduledJob struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
}

// ScheduleStatus is reported by GetStatus.
type ScheduleStatus struct {
	Running  bool           `json:"running"`
	Timezone string         `json:"timezone"`
	Jobs     []ScheduledJob `json:"jobs"`
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    *Jobs
	logger  *slog.Logger
	config  config.ACHConfig
	entries map[cron.EntryID]ScheduledJob
	now     func() time.Time
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.ACHConfig) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger, config: cfg, now: time.Now}
}

func (s *Scheduler) location() *time.Location {
	loc, err := time.LoadLocation(s.config.Timezone)
	if err != nil {
		s.logger.Error("invalid scheduler timezone; using UTC", "timezone", s.config.Timezone, "error", err)
		return time.UTC
	}
	return loc
}

// ScheduleEvents registers every trigger and starts the cron loop. Calling it
// again while scheduled is a no-op.
func (s *Scheduler) ScheduleEvents() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(s.location()),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	entries := make(map[cron.EntryID]ScheduledJob)

	add := func(name, spec string, fn func()) error {
		id, err := c.AddFunc(spec, fn)
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
		entries[id] = ScheduledJob{Name: name, Spec: spec}
		s.logger.Info("scheduled job", "job", name, "schedule", spec, "timezone", s.config.Timezone)
		return nil
	}

	for _, at := range s.config.ScheduleTimes {
		hour, minute, err := config.ParseClock(at)
		if err != nil {
			return err
		}
		if err := add("export "+at, fmt.Sprintf("%d %d * * *", minute, hour), s.jobs.ExportBatch); err != nil {
			return err
		}
	}
	optional := []struct {
		name string
		spec string
		fn   func()
	}{
		{"retry uploads", s.config.RetrySchedule, s.jobs.RetryUploads},
		{"reconcile returns", s.config.ReconcileSchedule, s.jobs.ReconcileReturns},
		{"expire verification sessions", s.config.ReconcileSchedule, s.jobs.ExpireVerificationSessions},
		{"settlement", s.config.SettlementSchedule, s.jobs.SettleBatches},
	}
	for _, job := range optional {
		if job.spec == "" {
			continue
		}
		if err := add(job.name, job.spec, job.fn); err != nil {
			return err
		}
	}

	c.Start()
	s.cron = c
	s.entries = entries
	return nil
}

// UnscheduleAll removes every trigger and waits for running jobs to finish.
func (s *Scheduler) UnscheduleAll() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("all scheduled jobs removed")
}

// Reschedule swaps in a new schedule. The old triggers are fully stopped
// before the new ones start, so no schedule ever runs twice.
func (s *Scheduler) Reschedule(cfg config.ACHConfig) error {
	s.UnscheduleAll()
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return s.ScheduleEvents()
}

// GetStatus lists the registered triggers with their next fire time.
func (s *Scheduler) GetStatus() ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ScheduleStatus{Running: s.cron != nil, Timezone: s.config.Timezone, Jobs: []ScheduledJob{}}
	if s.cron == nil {
		return status
	}
	now := s.now().In(s.location())
	for _, e := range s.cron.Entries() {
		job, ok := s.entries[e.ID]
		if !ok {
			continue
		}
		job.NextRun = e.Schedule.Next(now)
		status.Jobs = append(status.Jobs, job)
	}
	sort.Slice(status.Jobs, func(i, j int) bool {
		if status.Jobs[i].NextRun.Equal(status.Jobs[j].NextRun) {
			return status.Jobs[i].Name < status.Jobs[j].Name
		}
		return status.Jobs[i].NextRun.Before(status.Jobs[j].NextRun)
	})
	return status
}
