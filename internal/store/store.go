package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quantorhq/quantor/internal/cache"
	"github.com/quantorhq/quantor/pkg/schema"
)

// ScheduledPipeline is a cron-driven background pipeline run.
type ScheduledPipeline struct {
	ID             string          `json:"id"`
	PipelineID     string          `json:"pipelineId"`
	CronExpression string          `json:"cronExpression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time      `json:"nextRunAt,omitempty"`
	LastRunStatus  string          `json:"lastRunStatus,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ScheduledPipelineFilter narrows ListScheduledPipelines.
type ScheduledPipelineFilter struct {
	Enabled *bool
}

// ScheduledPipelineUpdate carries mutable scheduling fields; nil fields are
// left untouched.
type ScheduledPipelineUpdate struct {
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
	Enabled       *bool
}

// Store is the persistence boundary: execution history, terminal pipeline
// runs, cache warm-start snapshots and scheduled pipelines. All persistence
// is optional; the subsystem runs fully in memory with a nil store.
type Store interface {
	// SaveExecution appends one finished execution to the durable history.
	SaveExecution(ctx context.Context, rec schema.ExecutionRecord) error
	// ListExecutions returns up to limit records, newest first.
	ListExecutions(ctx context.Context, limit int) ([]schema.ExecutionRecord, error)

	// SavePipelineRun upserts a pipeline run snapshot.
	SavePipelineRun(ctx context.Context, run *schema.PipelineRun) error
	// GetPipelineRun loads a run by id.
	GetPipelineRun(ctx context.Context, id string) (*schema.PipelineRun, error)
	// ListPipelineRuns returns runs of one pipeline, newest first.
	ListPipelineRuns(ctx context.Context, pipelineID string, limit int) ([]*schema.PipelineRun, error)

	// SaveCacheSnapshot replaces the persisted cache snapshot.
	SaveCacheSnapshot(ctx context.Context, entries []cache.Entry) error
	// LoadCacheSnapshot returns the persisted snapshot, oldest first.
	LoadCacheSnapshot(ctx context.Context) ([]cache.Entry, error)

	// CreateScheduledPipeline registers a cron schedule for a pipeline.
	CreateScheduledPipeline(ctx context.Context, sp *ScheduledPipeline) error
	// ListScheduledPipelines returns schedules matching the filter.
	ListScheduledPipelines(ctx context.Context, filter ScheduledPipelineFilter) ([]*ScheduledPipeline, error)
	// UpdateScheduledPipeline applies a partial update to a schedule.
	UpdateScheduledPipeline(ctx context.Context, id string, update ScheduledPipelineUpdate) error

	Close() error
}
