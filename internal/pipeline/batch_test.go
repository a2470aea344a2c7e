package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantorhq/quantor/pkg/schema"
)

func TestBatchSequential(t *testing.T) {
	exec := newStubExecutor()
	exec.on("quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"symbol": args["symbol"]}, nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.CreateBatch([]schema.BatchItem{
		{Command: "quote", Args: map[string]any{"symbol": "AAPL"}},
		{Command: "quote", Args: map[string]any{"symbol": "MSFT"}},
		{Command: "quote", Args: map[string]any{"symbol": "NVDA"}},
	}, BatchOptions{})
	require.NoError(t, err)

	batch, err := m.RunBatch(context.Background(), id, schema.ExecContext{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, batch.Status)
	require.Len(t, batch.Results, 3)
	for _, r := range batch.Results {
		assert.Equal(t, schema.StepStatusCompleted, r.Status)
	}
	// Strict dispatch order in sequential mode.
	assert.Equal(t, []string{"quote", "quote", "quote"}, exec.commands())
	assert.NotNil(t, batch.CompletedAt)
}

func TestBatchSequentialHaltsOnFailure(t *testing.T) {
	exec := newStubExecutor()
	exec.on("ok", func(args map[string]any, ec schema.ExecContext) (any, error) { return "ok", nil })
	exec.on("boom", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return nil, errors.New("down")
	})
	m, _ := newTestManager(t, exec)

	id, err := m.CreateBatch([]schema.BatchItem{
		{Command: "ok"},
		{Command: "boom"},
		{Command: "ok"},
	}, BatchOptions{})
	require.NoError(t, err)

	batch, err := m.RunBatch(context.Background(), id, schema.ExecContext{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, batch.Status)
	assert.Equal(t, schema.StepStatusCompleted, batch.Results[0].Status)
	assert.Equal(t, schema.StepStatusFailed, batch.Results[1].Status)
	assert.Equal(t, schema.StepStatusNotRun, batch.Results[2].Status)
	require.NotNil(t, batch.Error)
	assert.Equal(t, schema.ErrCodeStepFailed, batch.Error.Code)
}

func TestBatchSequentialContinueOnError(t *testing.T) {
	exec := newStubExecutor()
	exec.on("ok", func(args map[string]any, ec schema.ExecContext) (any, error) { return "ok", nil })
	exec.on("boom", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return nil, errors.New("down")
	})
	m, _ := newTestManager(t, exec)

	id, err := m.CreateBatch([]schema.BatchItem{
		{Command: "ok"},
		{Command: "boom"},
		{Command: "ok"},
	}, BatchOptions{ContinueOnError: true})
	require.NoError(t, err)

	batch, err := m.RunBatch(context.Background(), id, schema.ExecContext{})
	require.NoError(t, err)

	// Partial failures are recorded per-operation, never swallowed; the
	// batch itself completes.
	assert.Equal(t, schema.RunStatusCompleted, batch.Status)
	assert.Equal(t, schema.StepStatusFailed, batch.Results[1].Status)
	assert.NotNil(t, batch.Results[1].Error)
	assert.Equal(t, schema.StepStatusCompleted, batch.Results[2].Status)
}

func TestBatchParallel(t *testing.T) {
	var inFlight, peak atomic.Int64
	block := make(chan struct{})
	exec := newStubExecutor()
	exec.on("quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-block
		inFlight.Add(-1)
		return "ok", nil
	})
	m, _ := newTestManager(t, exec)

	ops := make([]schema.BatchItem, 4)
	for i := range ops {
		ops[i] = schema.BatchItem{Command: "quote", Args: map[string]any{"i": i}}
	}
	id, err := m.CreateBatch(ops, BatchOptions{Parallel: true})
	require.NoError(t, err)

	done := make(chan *schema.BatchOperation, 1)
	go func() {
		batch, rerr := m.RunBatch(context.Background(), id, schema.ExecContext{})
		require.NoError(t, rerr)
		done <- batch
	}()

	// All four must be in flight together before any can finish.
	assert.Eventually(t, func() bool { return inFlight.Load() == 4 }, 2*time.Second, time.Millisecond)
	close(block)

	batch := <-done
	assert.Equal(t, schema.RunStatusCompleted, batch.Status)
	assert.EqualValues(t, 4, peak.Load())
	for _, r := range batch.Results {
		assert.Equal(t, schema.StepStatusCompleted, r.Status)
	}
}

func TestBatchRunTwiceRejected(t *testing.T) {
	exec := newStubExecutor()
	exec.on("ok", func(args map[string]any, ec schema.ExecContext) (any, error) { return "ok", nil })
	m, _ := newTestManager(t, exec)

	id, err := m.CreateBatch([]schema.BatchItem{{Command: "ok"}}, BatchOptions{})
	require.NoError(t, err)

	_, err = m.RunBatch(context.Background(), id, schema.ExecContext{})
	require.NoError(t, err)

	_, err = m.RunBatch(context.Background(), id, schema.ExecContext{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.QuantorError).Code)
}

func TestBatchValidation(t *testing.T) {
	m, _ := newTestManager(t, newStubExecutor())

	_, err := m.CreateBatch(nil, BatchOptions{})
	require.Error(t, err)

	_, err = m.CreateBatch([]schema.BatchItem{{Command: ""}}, BatchOptions{})
	require.Error(t, err)

	_, err = m.RunBatch(context.Background(), "missing", schema.ExecContext{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.QuantorError).Code)
}
