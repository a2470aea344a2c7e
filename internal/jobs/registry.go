package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

// Kind distinguishes what a job tracks.
type Kind string

const (
	KindPipelineRun Kind = "pipeline_run"
	KindBatch       Kind = "batch"
)

// DefaultRetention is how long terminal jobs stay queryable before reaping.
const DefaultRetention = 30 * time.Minute

// DefaultReapInterval is how often the background reaper sweeps.
const DefaultReapInterval = 60 * time.Second

// Job is one tracked pipeline run or batch operation, from registration
// through its terminal state until reaped. Cancellation is cooperative: the
// owning executor polls CancelRequested between steps; nothing is hard-killed.
type Job struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	mu          sync.Mutex
	status      schema.RunStatus
	completedAt *time.Time
	payload     any // *schema.PipelineRun or *schema.BatchOperation

	cancelRequested atomic.Bool
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() schema.RunStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// CompletedAt returns when the job reached a terminal state, or nil.
func (j *Job) CompletedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completedAt
}

// Payload returns the tracked run or batch as last published by its owner.
func (j *Job) Payload() any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.payload
}

// CancelRequested reports whether a cooperative cancel has been asked for.
// Executors check this at step/operation boundaries.
func (j *Job) CancelRequested() bool {
	return j.cancelRequested.Load()
}

// SetStatus moves the job to a new lifecycle state. Terminal states are
// immutable; a transition out of one is rejected.
func (j *Job) SetStatus(status schema.RunStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"job %s is already %s", j.ID, j.status)
	}
	j.status = status
	if status.Terminal() {
		now := time.Now()
		j.completedAt = &now
	}
	return nil
}

// SetPayload publishes the latest run/batch snapshot for Get callers.
func (j *Job) SetPayload(payload any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.payload = payload
}

// Info is a job summary for listings and status queries.
type Info struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	Status      schema.RunStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

func (j *Job) info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.status,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.completedAt,
	}
}

// Registry holds all in-flight and recently-completed jobs keyed by id. A
// background reaper drops terminal jobs older than the retention window to
// bound memory growth.
type Registry struct {
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds job registry configuration.
type Config struct {
	Retention    time.Duration // keep terminal jobs this long, default 30m
	ReapInterval time.Duration // reaper period, default 60s
}

// NewRegistry creates a Registry. Start must be called to enable the reaper.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		retention: cfg.Retention,
		interval:  cfg.ReapInterval,
		logger:    logger,
		jobs:      make(map[string]*Job),
	}
}

// Register creates and tracks a new job in the queued state.
func (r *Registry) Register(id string, kind Kind, payload any) (*Job, error) {
	job := &Job{
		ID:        id,
		Kind:      kind,
		CreatedAt: time.Now(),
		status:    schema.RunStatusQueued,
		payload:   payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "job %q already registered", id)
	}
	r.jobs[id] = job
	return job, nil
}

// Get returns a job by id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Cancel requests cooperative cancellation of a queued or running job.
// Returns false when the job is unknown or already terminal. The job is
// moved to cancelled immediately; its executor stops before the next step.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	job.cancelRequested.Store(true)
	if err := job.SetStatus(schema.RunStatusCancelled); err != nil {
		return false
	}
	r.logger.Info("job cancelled", slog.String("job_id", id), slog.String("kind", string(job.Kind)))
	return true
}

// ListActive returns summaries of all non-terminal jobs.
func (r *Registry) ListActive() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Info
	for _, job := range r.jobs {
		if info := job.info(); !info.Status.Terminal() {
			out = append(out, info)
		}
	}
	return out
}

// Count returns the number of tracked jobs, terminal included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Reap removes terminal jobs whose completion is older than the retention
// window. Returns the number removed.
func (r *Registry) Reap() int {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		completed := job.CompletedAt()
		if completed != nil && completed.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Start launches the background reap loop.
func (r *Registry) Start(ctx context.Context) error {
	r.loopMu.Lock()
	if r.done != nil {
		r.loopMu.Unlock()
		return fmt.Errorf("job registry already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.loopMu.Unlock()

	go r.loop(loopCtx)
	return nil
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Reap(); removed > 0 {
				r.logger.Debug("reaped jobs", slog.Int("count", removed))
			}
		}
	}
}

// Stop gracefully shuts down the reaper.
func (r *Registry) Stop() error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
	return nil
}
