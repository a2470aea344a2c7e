package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantorhq/quantor/internal/expressions"
	"github.com/quantorhq/quantor/internal/jobs"
	"github.com/quantorhq/quantor/internal/logging"
	"github.com/quantorhq/quantor/pkg/schema"
)

// Executor is the capability the pipeline layer needs from the execution
// engine. Satisfied by *engine.Engine.
type Executor interface {
	Execute(ctx context.Context, command string, args map[string]any, ec schema.ExecContext) (*schema.ExecutionResult, error)
}

// RunSink receives terminal pipeline runs for durable persistence.
// Satisfied by *store.Store; nil disables persistence.
type RunSink interface {
	SavePipelineRun(ctx context.Context, run *schema.PipelineRun) error
}

// RunOptions controls one pipeline execution.
type RunOptions struct {
	// Inputs seeds the ${{inputs.*}} namespace for conditions and
	// interpolation.
	Inputs map[string]any
	// Background returns immediately with a queued run; execution proceeds
	// asynchronously under the job registry.
	Background bool
	// OnComplete is invoked with the terminal run when a background run
	// settles. Ignored for synchronous runs.
	OnComplete func(run *schema.PipelineRun)
}

// pipelineState wraps a definition with its mutability latch: steps may only
// be appended before the first run.
type pipelineState struct {
	def schema.PipelineDefinition
	ran bool
}

// Manager owns pipeline definitions and drives their runs: strict step
// ordering, conditions, variable binding, arg interpolation, transforms,
// per-step retries, and batch fan-out. Every run, synchronous or background,
// is tracked in the job registry.
type Manager struct {
	exec       Executor
	jobs       *jobs.Registry
	conditions *expressions.ConditionEvaluator
	interp     *expressions.Interpolator
	jq         *expressions.GoJQEngine
	logger     *slog.Logger
	sink       RunSink
	fanOut     int

	mu        sync.Mutex
	pipelines map[string]*pipelineState
	batches   map[string]*schema.BatchOperation
}

// Config holds pipeline manager configuration.
type Config struct {
	// FanOut bounds parallel batch dispatch, default 16.
	FanOut int
}

// NewManager creates a Manager. sink may be nil to keep runs in memory only.
func NewManager(exec Executor, registry *jobs.Registry, cfg Config, logger *slog.Logger, sink RunSink) (*Manager, error) {
	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultFanOut
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		exec:       exec,
		jobs:       registry,
		conditions: conditions,
		interp:     expressions.NewInterpolator(),
		jq:         expressions.NewGoJQEngine(),
		logger:     logger,
		sink:       sink,
		fanOut:     cfg.FanOut,
		pipelines:  make(map[string]*pipelineState),
		batches:    make(map[string]*schema.BatchOperation),
	}, nil
}

// Create registers a new empty pipeline and returns its id.
func (m *Manager) Create(name, description string) (string, error) {
	if name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "pipeline name is empty")
	}
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[id] = &pipelineState{
		def: schema.PipelineDefinition{
			ID:          id,
			Name:        name,
			Description: description,
			CreatedAt:   time.Now(),
		},
	}
	return id, nil
}

// AddStep appends a step to a pipeline. Pipelines are frozen after their
// first run; appending to a ran pipeline is a conflict.
func (m *Manager) AddStep(pipelineID string, step schema.Step) error {
	if step.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "step command is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.pipelines[pipelineID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", pipelineID)
	}
	if state.ran {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"pipeline %q has already run; definitions are frozen after the first run", pipelineID)
	}
	state.def.Steps = append(state.def.Steps, step)
	return nil
}

// Definition returns a copy of a pipeline definition.
func (m *Manager) Definition(pipelineID string) (schema.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.pipelines[pipelineID]
	if !ok {
		return schema.PipelineDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", pipelineID)
	}
	def := state.def
	def.Steps = append([]schema.Step(nil), state.def.Steps...)
	return def, nil
}

// Run executes a pipeline. Synchronous runs block until the terminal
// PipelineRun; background runs return immediately in the queued state and
// settle under the job registry, invoking opts.OnComplete at the end.
func (m *Manager) Run(ctx context.Context, pipelineID string, ec schema.ExecContext, opts RunOptions) (*schema.PipelineRun, error) {
	m.mu.Lock()
	state, ok := m.pipelines[pipelineID]
	if !ok {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", pipelineID)
	}
	if len(state.def.Steps) == 0 {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "pipeline %q has no steps", pipelineID)
	}
	state.ran = true
	steps := append([]schema.Step(nil), state.def.Steps...)
	m.mu.Unlock()

	run := &schema.PipelineRun{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Status:     schema.RunStatusQueued,
		Steps:      make([]schema.StepResult, len(steps)),
		Variables:  make(map[string]any),
		CreatedAt:  time.Now(),
		Background: opts.Background,
	}
	for i, s := range steps {
		run.Steps[i] = schema.StepResult{
			Index:   i,
			Name:    s.Name,
			Command: s.Command,
			Status:  schema.StepStatusPending,
		}
	}

	job, err := m.jobs.Register(run.ID, jobs.KindPipelineRun, snapshotRun(run))
	if err != nil {
		return nil, err
	}

	if opts.Background {
		snapshot := snapshotRun(run)
		go func() {
			// Detach from the caller; background runs outlive the request.
			bctx := logging.WithRunID(context.Background(), run.ID)
			m.runSteps(bctx, job, run, steps, ec, opts)
			if opts.OnComplete != nil {
				opts.OnComplete(snapshotRun(run))
			}
		}()
		return snapshot, nil
	}

	m.runSteps(logging.WithRunID(ctx, run.ID), job, run, steps, ec, opts)
	return snapshotRun(run), nil
}

// runSteps drives one run to its terminal state. Steps execute in strict
// declaration order; step i+1 does not begin until step i settles.
func (m *Manager) runSteps(ctx context.Context, job *jobs.Job, run *schema.PipelineRun, steps []schema.Step, ec schema.ExecContext, opts RunOptions) {
	logger := logging.LogWith(ctx, m.logger)

	if job.CancelRequested() {
		m.settleCancelled(ctx, job, run, 0)
		return
	}
	if err := transitionRun(run, schema.RunStatusRunning); err != nil {
		logger.Error("run transition failed", slog.String("error", err.Error()))
		return
	}
	_ = job.SetStatus(schema.RunStatusRunning)

	scope := &expressions.Scope{
		Vars:    run.Variables,
		Steps:   make(map[string]any),
		Inputs:  opts.Inputs,
		Context: contextScope(ec),
	}

	var previous any
	hasPrevious := false

	for i := range steps {
		step := steps[i]
		result := &run.Steps[i]

		// Cooperative cancellation, checked only at step boundaries; an
		// in-flight handler always runs to completion or timeout.
		if job.CancelRequested() || ctx.Err() != nil {
			m.settleCancelled(ctx, job, run, i)
			return
		}

		proceed, condErr := m.conditions.Evaluate(ctx, step.Options.Condition, scope)
		if condErr != nil {
			m.failStep(result, asStepError(condErr, step.Command, i))
			if !step.Options.ContinueOnError {
				m.settleAborted(ctx, job, run, i)
				return
			}
			continue
		}
		if !proceed {
			_ = transitionStep(result, schema.StepStatusSkipped)
			logger.Debug("step skipped",
				slog.Int("step", i), slog.String("command", step.Command))
			continue
		}

		args, argErr := m.buildArgs(step, scope, previous, hasPrevious)
		if argErr != nil {
			m.failStep(result, asStepError(argErr, step.Command, i))
			if !step.Options.ContinueOnError {
				m.settleAborted(ctx, job, run, i)
				return
			}
			continue
		}

		_ = transitionStep(result, schema.StepStatusRunning)
		execResult := m.executeWithRetry(ctx, step, args, ec)
		result.ExecutionTimeMs = execResult.ExecutionTimeMs

		if !execResult.Success {
			result.Error = execResult.Error
			_ = transitionStep(result, schema.StepStatusFailed)
			logger.Warn("step failed",
				slog.Int("step", i),
				slog.String("command", step.Command),
				slog.String("code", execResult.Error.Code))
			if !step.Options.ContinueOnError {
				m.settleAborted(ctx, job, run, i)
				return
			}
			continue
		}

		data := execResult.Data
		if step.Options.Transform != "" {
			transformed, terr := m.jq.Transform(ctx, step.Options.Transform, data)
			if terr != nil {
				m.failStep(result, asStepError(terr, step.Command, i))
				if !step.Options.ContinueOnError {
					m.settleAborted(ctx, job, run, i)
					return
				}
				continue
			}
			data = transformed
		}

		result.Result = data
		_ = transitionStep(result, schema.StepStatusCompleted)

		previous = data
		hasPrevious = true
		if step.Options.StoreResultAs != "" {
			run.Variables[step.Options.StoreResultAs] = data
		}
		if step.Name != "" {
			scope.Steps[step.Name] = data
		}
	}

	m.settle(ctx, job, run, schema.RunStatusCompleted, nil)
}

// buildArgs assembles the step's effective args: interpolation first, then
// the optional previous-result merge. Declared args always win over merged
// previous-result fields; a non-map previous result is injected under
// "previousResult".
func (m *Manager) buildArgs(step schema.Step, scope *expressions.Scope, previous any, hasPrevious bool) (map[string]any, error) {
	args, err := m.interp.ResolveArgs(step.Args, scope)
	if err != nil {
		return nil, err
	}

	if !step.Options.UsePreviousResult || !hasPrevious {
		return args, nil
	}

	merged := make(map[string]any)
	if prevMap, ok := previous.(map[string]any); ok {
		for k, v := range prevMap {
			merged[k] = v
		}
	} else {
		merged["previousResult"] = previous
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged, nil
}

// executeWithRetry dispatches one step to the engine, re-attempting on
// retryable failures per the step's policy. The engine itself never retries.
func (m *Manager) executeWithRetry(ctx context.Context, step schema.Step, args map[string]any, ec schema.ExecContext) *schema.ExecutionResult {
	policy := step.Options.Retry
	maxAttempts := 1
	if policy != nil && policy.Max > 0 {
		maxAttempts = policy.Max + 1
	}

	var last *schema.ExecutionResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitForBackoff(ctx, computeBackoff(policy, attempt-1)); err != nil {
				return last
			}
		}

		result, err := m.exec.Execute(ctx, step.Command, args, ec)
		if err != nil {
			// Caller context ended; the structured result still describes it.
			return result
		}
		if result.Success {
			return result
		}
		last = result
		if !isRetryableError(result.Error) {
			return result
		}
	}
	return last
}

func (m *Manager) failStep(result *schema.StepResult, err *schema.QuantorError) {
	// Pending steps pass through running so the transition table holds.
	_ = transitionStep(result, schema.StepStatusRunning)
	result.Error = err
	_ = transitionStep(result, schema.StepStatusFailed)
}

// settleAborted marks the run failed after the step at failedIndex, marking
// every later step not_run.
func (m *Manager) settleAborted(ctx context.Context, job *jobs.Job, run *schema.PipelineRun, failedIndex int) {
	markRemainingNotRun(run, failedIndex+1)
	stepErr := run.Steps[failedIndex].Error
	abort := schema.NewErrorf(schema.ErrCodePipelineAborted,
		"step %d (%s) failed", failedIndex, run.Steps[failedIndex].Command).
		WithStep(failedIndex).WithCause(stepErr)
	m.settle(ctx, job, run, schema.RunStatusFailed, abort)
}

// settleCancelled marks the run cancelled from fromIndex onward.
func (m *Manager) settleCancelled(ctx context.Context, job *jobs.Job, run *schema.PipelineRun, fromIndex int) {
	markRemainingNotRun(run, fromIndex)
	m.settle(ctx, job, run, schema.RunStatusCancelled,
		schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
}

func (m *Manager) settle(ctx context.Context, job *jobs.Job, run *schema.PipelineRun, status schema.RunStatus, err *schema.QuantorError) {
	// Cancel may land while the final step is in flight; the registry has
	// already moved the job to cancelled, so the run settles cancelled too
	// instead of publishing a payload that contradicts getJobStatus.
	if status != schema.RunStatusCancelled && job.CancelRequested() {
		status = schema.RunStatusCancelled
		err = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	}
	if run.Status != status {
		if terr := transitionRun(run, status); terr != nil {
			// Cancel may have already moved the job terminal; keep the run
			// consistent with the registry's view.
			run.Status = status
		}
	}
	run.Error = err
	now := time.Now()
	run.CompletedAt = &now

	_ = job.SetStatus(status)
	job.SetPayload(snapshotRun(run))

	logging.LogWith(ctx, m.logger).Info("run settled",
		slog.String("pipeline_id", run.PipelineID),
		slog.String("status", string(status)))

	if m.sink != nil {
		if serr := m.sink.SavePipelineRun(ctx, run); serr != nil {
			m.logger.Warn("run persistence failed",
				slog.String("run_id", run.ID),
				slog.String("error", serr.Error()))
		}
	}
}

func markRemainingNotRun(run *schema.PipelineRun, from int) {
	for i := from; i < len(run.Steps); i++ {
		if run.Steps[i].Status == schema.StepStatusPending {
			run.Steps[i].Status = schema.StepStatusNotRun
		}
	}
}

// contextScope exposes caller identity and pass-through fields to the
// ${{context.*}} namespace.
func contextScope(ec schema.ExecContext) map[string]any {
	out := map[string]any{
		"userId":    ec.UserID,
		"sessionId": ec.SessionID,
	}
	for k, v := range ec.Extra {
		out[k] = v
	}
	return out
}

// snapshotRun deep-copies the mutable slices so callers never observe a run
// mid-mutation.
func snapshotRun(run *schema.PipelineRun) *schema.PipelineRun {
	out := *run
	out.Steps = append([]schema.StepResult(nil), run.Steps...)
	if run.Variables != nil {
		vars := make(map[string]any, len(run.Variables))
		for k, v := range run.Variables {
			vars[k] = v
		}
		out.Variables = vars
	}
	return &out
}

func asStepError(err error, command string, index int) *schema.QuantorError {
	if qerr, ok := err.(*schema.QuantorError); ok {
		if qerr.Command == "" {
			qerr.Command = command
		}
		return qerr.WithStep(index)
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).
		WithCommand(command).WithStep(index).WithCause(err)
}
