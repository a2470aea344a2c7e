package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantorhq/quantor/internal/pipeline"
	"github.com/quantorhq/quantor/internal/store"
	"github.com/quantorhq/quantor/pkg/schema"
)

// PipelineRunner is the interface the scheduler uses to run pipelines.
// Satisfied by *pipeline.Manager.
type PipelineRunner interface {
	Run(ctx context.Context, pipelineID string, ec schema.ExecContext, opts pipeline.RunOptions) (*schema.PipelineRun, error)
}

// ScheduleStore is the subset of the store the scheduler needs.
type ScheduleStore interface {
	ListScheduledPipelines(ctx context.Context, filter store.ScheduledPipelineFilter) ([]*store.ScheduledPipeline, error)
	UpdateScheduledPipeline(ctx context.Context, id string, update store.ScheduledPipelineUpdate) error
}

// Scheduler polls the store for due scheduled pipelines and runs them.
type Scheduler struct {
	store  ScheduleStore
	runner PipelineRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s ScheduleStore, runner PipelineRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled schedules and runs those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListScheduledPipelines(ctx, store.ScheduledPipelineFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled pipelines", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sp := range schedules {
		if sp.NextRunAt == nil || !sp.NextRunAt.After(now) {
			if !s.tryAcquire(sp.ID) {
				continue // already running (dedup)
			}
			if err := s.runSchedule(ctx, sp, now); err != nil {
				s.logger.Error("failed to run scheduled pipeline",
					slog.String("schedule_id", sp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// runSchedule dispatches one due schedule as a background run, so a slow
// pipeline never delays other due schedules. The in-flight mark is held
// until the run settles; settlement updates the schedule's timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sp *store.ScheduledPipeline, now time.Time) error {
	s.logger.Info("running scheduled pipeline",
		slog.String("schedule_id", sp.ID),
		slog.String("pipeline_id", sp.PipelineID),
	)

	var inputs map[string]any
	if len(sp.Inputs) > 0 {
		if err := json.Unmarshal(sp.Inputs, &inputs); err != nil {
			s.release(sp.ID)
			return s.updateSchedule(ctx, sp, now, "error")
		}
	}

	_, err := s.runner.Run(ctx, sp.PipelineID, schema.ExecContext{}, pipeline.RunOptions{
		Inputs:     inputs,
		Background: true,
		OnComplete: func(run *schema.PipelineRun) {
			defer s.release(sp.ID)
			status := "success"
			if run.Status != schema.RunStatusCompleted {
				status = "error"
				s.logger.Error("scheduled pipeline run failed",
					slog.String("schedule_id", sp.ID),
					slog.String("pipeline_id", sp.PipelineID),
					slog.String("run_status", string(run.Status)),
				)
			}
			if uerr := s.updateSchedule(context.Background(), sp, now, status); uerr != nil {
				s.logger.Error("failed to update schedule",
					slog.String("schedule_id", sp.ID),
					slog.String("error", uerr.Error()),
				)
			}
		},
	})
	if err != nil {
		s.release(sp.ID)
		if uerr := s.updateSchedule(ctx, sp, now, "error"); uerr != nil {
			s.logger.Error("failed to update schedule",
				slog.String("schedule_id", sp.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return err
	}
	return nil
}

func (s *Scheduler) updateSchedule(ctx context.Context, sp *store.ScheduledPipeline, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sp.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sp.ID, err)
	}

	return s.store.UpdateScheduledPipeline(ctx, sp.ID, store.ScheduledPipelineUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for schedules that missed their next_run_at and runs
// them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListScheduledPipelines(ctx, store.ScheduledPipelineFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sp := range schedules {
		if sp.NextRunAt != nil && sp.NextRunAt.Before(now) {
			if !s.tryAcquire(sp.ID) {
				continue
			}
			if err := s.runSchedule(ctx, sp, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sp.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
