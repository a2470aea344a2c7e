package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantorhq/quantor/internal/jobs"
	"github.com/quantorhq/quantor/internal/logging"
	"github.com/quantorhq/quantor/pkg/schema"
)

// BatchOptions controls a batch operation.
type BatchOptions struct {
	// Parallel dispatches all operations concurrently; each is still
	// subject to the engine's concurrency cap and queueing. False runs them
	// strictly in sequence.
	Parallel bool
	// ContinueOnError keeps a sequential batch going past failures. A
	// halted batch marks the remaining operations not_run.
	ContinueOnError bool
}

// CreateBatch registers a flat set of independent operations and returns the
// batch id.
func (m *Manager) CreateBatch(operations []schema.BatchItem, opts BatchOptions) (string, error) {
	if len(operations) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "batch has no operations")
	}
	for i, op := range operations {
		if op.Command == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "batch operation %d has no command", i)
		}
	}

	batch := &schema.BatchOperation{
		ID:              uuid.NewString(),
		Operations:      append([]schema.BatchItem(nil), operations...),
		Parallel:        opts.Parallel,
		ContinueOnError: opts.ContinueOnError,
		Status:          schema.RunStatusQueued,
		CreatedAt:       time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.ID] = batch
	return batch.ID, nil
}

// Batch returns a batch by id.
func (m *Manager) Batch(batchID string) (*schema.BatchOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "batch %q not found", batchID)
	}
	return batch, nil
}

// RunBatch executes a previously created batch and blocks until it settles.
// A batch may only run once.
func (m *Manager) RunBatch(ctx context.Context, batchID string, ec schema.ExecContext) (*schema.BatchOperation, error) {
	m.mu.Lock()
	batch, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "batch %q not found", batchID)
	}
	if batch.Status != schema.RunStatusQueued {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "batch %q already executed", batchID)
	}
	batch.Status = schema.RunStatusRunning
	m.mu.Unlock()

	job, err := m.jobs.Register(batch.ID, jobs.KindBatch, nil)
	if err != nil {
		return nil, err
	}
	_ = job.SetStatus(schema.RunStatusRunning)

	ctx = logging.WithJobID(ctx, batch.ID)
	results := make([]schema.BatchItemResult, len(batch.Operations))
	for i, op := range batch.Operations {
		results[i] = schema.BatchItemResult{
			Index:       i,
			Description: op.Description,
			Command:     op.Command,
			Status:      schema.StepStatusPending,
		}
	}

	if batch.Parallel {
		m.runBatchParallel(ctx, job, batch, results, ec)
	} else {
		m.runBatchSequential(ctx, job, batch, results, ec)
	}

	m.mu.Lock()
	batch.Results = results
	batch.Status = batchOutcome(job, batch, results)
	if batch.Status == schema.RunStatusFailed {
		batch.Error = firstBatchError(results)
	}
	now := time.Now()
	batch.CompletedAt = &now
	snapshot := *batch
	m.mu.Unlock()

	_ = job.SetStatus(snapshot.Status)
	job.SetPayload(&snapshot)

	logging.LogWith(ctx, m.logger).Info("batch settled",
		slog.String("batch_id", batch.ID),
		slog.String("status", string(snapshot.Status)),
		slog.Bool("parallel", batch.Parallel))
	return &snapshot, nil
}

// runBatchParallel fans all operations out through the worker pool; the
// batch settles once every operation settles.
func (m *Manager) runBatchParallel(ctx context.Context, job *jobs.Job, batch *schema.BatchOperation, results []schema.BatchItemResult, ec schema.ExecContext) {
	pool := NewWorkerPool(m.fanOut)
	var mu sync.Mutex

	for i := range batch.Operations {
		i := i
		op := batch.Operations[i]
		err := pool.Submit(ctx, func(ctx context.Context) {
			result, execErr := m.exec.Execute(ctx, op.Command, op.Args, ec)
			mu.Lock()
			defer mu.Unlock()
			recordBatchResult(&results[i], result, execErr)
		})
		if err != nil {
			results[i].Status = schema.StepStatusNotRun
		}
	}
	pool.Wait()
	pool.Shutdown()
}

// runBatchSequential runs operations strictly in order, honoring
// continueOnError and cooperative cancellation between operations.
func (m *Manager) runBatchSequential(ctx context.Context, job *jobs.Job, batch *schema.BatchOperation, results []schema.BatchItemResult, ec schema.ExecContext) {
	for i := range batch.Operations {
		if job.CancelRequested() || ctx.Err() != nil {
			markBatchRemainingNotRun(results, i)
			return
		}

		op := batch.Operations[i]
		result, execErr := m.exec.Execute(ctx, op.Command, op.Args, ec)
		recordBatchResult(&results[i], result, execErr)

		if results[i].Status == schema.StepStatusFailed && !batch.ContinueOnError {
			markBatchRemainingNotRun(results, i+1)
			return
		}
	}
}

func recordBatchResult(item *schema.BatchItemResult, result *schema.ExecutionResult, execErr error) {
	if result != nil {
		item.ExecutionTimeMs = result.ExecutionTimeMs
		if result.Success {
			item.Status = schema.StepStatusCompleted
			item.Result = result.Data
			return
		}
		item.Status = schema.StepStatusFailed
		item.Error = result.Error
		return
	}
	item.Status = schema.StepStatusFailed
	item.Error = schema.NewError(schema.ErrCodeCancelled, "operation cancelled").WithCause(execErr)
}

func markBatchRemainingNotRun(results []schema.BatchItemResult, from int) {
	for i := from; i < len(results); i++ {
		if results[i].Status == schema.StepStatusPending {
			results[i].Status = schema.StepStatusNotRun
		}
	}
}

// batchOutcome derives the terminal status. A cancelled job wins; a halted
// sequential batch is failed; with continueOnError the batch completes with
// per-operation failures recorded, never silently swallowed.
func batchOutcome(job *jobs.Job, batch *schema.BatchOperation, results []schema.BatchItemResult) schema.RunStatus {
	if job.CancelRequested() {
		return schema.RunStatusCancelled
	}
	for _, r := range results {
		if r.Status == schema.StepStatusNotRun {
			return schema.RunStatusFailed
		}
	}
	if !batch.ContinueOnError {
		for _, r := range results {
			if r.Status == schema.StepStatusFailed {
				return schema.RunStatusFailed
			}
		}
	}
	return schema.RunStatusCompleted
}

func firstBatchError(results []schema.BatchItemResult) *schema.QuantorError {
	for _, r := range results {
		if r.Error != nil {
			return schema.NewErrorf(schema.ErrCodeStepFailed,
				"operation %d (%s) failed", r.Index, r.Command).
				WithStep(r.Index).WithCause(r.Error)
		}
	}
	return nil
}
