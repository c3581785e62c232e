// Package scheduler runs plan files on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/dispatchflow/pkg/schema"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = 60 * time.Second

// PlanRunner runs one plan file to completion.
type PlanRunner interface {
	RunPlan(ctx context.Context, path string, params map[string]any) error
}

// Job is a plan file bound to a five-field cron expression.
type Job struct {
	Name   string
	Cron   string
	Plan   string
	Params map[string]any
}

// JobStatus is a snapshot of one job's timestamps.
type JobStatus struct {
	Name          string     `json:"name"`
	Cron          string     `json:"cron"`
	Plan          string     `json:"plan"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler checks its jobs every interval and runs those that are due.
type Scheduler struct {
	runner   PlanRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a Scheduler. A non-positive interval means DefaultInterval.
func New(runner PlanRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		jobs:     make(map[string]*entry),
	}
}

// Add registers job; its first run is the next cron match after now.
func (s *Scheduler) Add(job Job, now time.Time) error {
	if job.Name == "" || job.Plan == "" {
		return schema.NewError(schema.ErrCodeValidation, "job name and plan are required")
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q of job %q", job.Cron, job.Name).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already scheduled", job.Name)
	}
	s.jobs[job.Name] = &entry{
		job:      job,
		schedule: schedule,
		status:   JobStatus{Name: job.Name, Cron: job.Cron, Plan: job.Plan, NextRunAt: schedule.Next(now)},
	}
	return nil
}

// Run blocks, ticking every interval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.Jobs())))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs every job due at now, in name order, and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, name := range slices.Sorted(maps.Keys(s.jobs)) {
		if e := s.jobs[name]; !e.status.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		s.runJob(ctx, e, now)
	}
	return len(due)
}

func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) {
	s.logger.InfoContext(ctx, "running scheduled job",
		slog.String("job", e.job.Name),
		slog.String("plan", e.job.Plan))

	status := "success"
	if err := s.runner.RunPlan(ctx, e.job.Plan, maps.Clone(e.job.Params)); err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", e.job.Name),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ran := now
	e.status.LastRunAt = &ran
	e.status.LastRunStatus = status
	e.status.NextRunAt = e.schedule.Next(now)
}

// Jobs returns a snapshot of every job ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, name := range slices.Sorted(maps.Keys(s.jobs)) {
		st := s.jobs[name].status
		if st.LastRunAt != nil {
			t := *st.LastRunAt
			st.LastRunAt = &t
		}
		out = append(out, st)
	}
	return out
}

// NextRun computes the next run time of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q", cronExpr).WithCause(err)
	}
	return schedule.Next(from), nil
}
