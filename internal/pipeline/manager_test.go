package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantorhq/quantor/internal/jobs"
	"github.com/quantorhq/quantor/pkg/schema"
)

// stubExecutor scripts per-command outcomes and records dispatch order.
type stubExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(args map[string]any, ec schema.ExecContext) (any, error)
	calls    []call
}

type call struct {
	command string
	args    map[string]any
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{handlers: make(map[string]func(args map[string]any, ec schema.ExecContext) (any, error))}
}

func (s *stubExecutor) on(command string, fn func(args map[string]any, ec schema.ExecContext) (any, error)) {
	s.handlers[command] = fn
}

func (s *stubExecutor) Execute(ctx context.Context, command string, args map[string]any, ec schema.ExecContext) (*schema.ExecutionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{command: command, args: args})
	fn, ok := s.handlers[command]
	s.mu.Unlock()

	if !ok {
		return &schema.ExecutionResult{
			Success: false,
			Error:   schema.NewErrorf(schema.ErrCodeNotFound, "command %q not registered", command),
		}, nil
	}
	data, err := fn(args, ec)
	if err != nil {
		var qerr *schema.QuantorError
		if !errors.As(err, &qerr) {
			qerr = schema.NewError(schema.ErrCodeHandler, err.Error())
		}
		return &schema.ExecutionResult{Success: false, Error: qerr}, nil
	}
	return &schema.ExecutionResult{Success: true, Data: data, ExecutionTimeMs: 1}, nil
}

func (s *stubExecutor) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.command
	}
	return out
}

func newTestManager(t *testing.T, exec Executor) (*Manager, *jobs.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := jobs.NewRegistry(jobs.Config{}, logger)
	m, err := NewManager(exec, registry, Config{}, logger, nil)
	require.NoError(t, err)
	return m, registry
}

func TestTwoStepPipelineCompletes(t *testing.T) {
	exec := newStubExecutor()
	exec.on("help", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"topics": []any{"quote", "dcf"}}, nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("help-twice", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "help"}))
	require.NoError(t, m.AddStep(id, schema.Step{Command: "help"}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	require.Len(t, run.Steps, 2)
	for _, step := range run.Steps {
		assert.Equal(t, schema.StepStatusCompleted, step.Status)
	}
	assert.NotNil(t, run.CompletedAt)
}

func TestVariablesPropagate(t *testing.T) {
	exec := newStubExecutor()
	exec.on("market.quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"symbol": args["symbol"], "price": 187.3}, nil
	})
	exec.on("valuation.dcf", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"fairValue": 210.0, "input": args["price"]}, nil
	})
	exec.on("report", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return args, nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("valuation-chain", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "market.quote",
		Args:    map[string]any{"symbol": "AAPL"},
		Options: schema.StepOptions{StoreResultAs: "quote"},
	}))
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "valuation.dcf",
		Args:    map[string]any{"price": "${{vars.quote.price}}"},
		Options: schema.StepOptions{StoreResultAs: "dcf"},
	}))
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "report",
		Args:    map[string]any{"value": "${{vars.dcf.fairValue}}"},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	// storeResultAs bindings are visible to every later step.
	assert.Contains(t, run.Variables, "quote")
	assert.Contains(t, run.Variables, "dcf")
	report := run.Steps[2].Result.(map[string]any)
	assert.Equal(t, 210.0, report["value"])
}

func TestAbortMarksRemainingNotRun(t *testing.T) {
	exec := newStubExecutor()
	exec.on("ok", func(args map[string]any, ec schema.ExecContext) (any, error) { return "ok", nil })
	exec.on("boom", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("aborts", "")
	require.NoError(t, err)
	for _, cmd := range []string{"ok", "boom", "ok", "ok"} {
		require.NoError(t, m.AddStep(id, schema.Step{Command: cmd}))
	}

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, schema.StepStatusCompleted, run.Steps[0].Status)
	assert.Equal(t, schema.StepStatusFailed, run.Steps[1].Status)
	assert.Equal(t, schema.StepStatusNotRun, run.Steps[2].Status)
	assert.Equal(t, schema.StepStatusNotRun, run.Steps[3].Status)

	require.NotNil(t, run.Error)
	assert.Equal(t, schema.ErrCodePipelineAborted, run.Error.Code)
	// Only the two attempted steps dispatched.
	assert.Equal(t, []string{"ok", "boom"}, exec.commands())
}

func TestContinueOnError(t *testing.T) {
	exec := newStubExecutor()
	exec.on("ok", func(args map[string]any, ec schema.ExecContext) (any, error) { return "ok", nil })
	exec.on("boom", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return nil, errors.New("transient")
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("tolerant", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "ok"}))
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "boom",
		Options: schema.StepOptions{ContinueOnError: true},
	}))
	require.NoError(t, m.AddStep(id, schema.Step{Command: "ok"}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StepStatusFailed, run.Steps[1].Status)
	assert.Equal(t, schema.StepStatusCompleted, run.Steps[2].Status)
	assert.NotNil(t, run.Steps[1].Error, "failure recorded, not swallowed")
}

func TestConditionSkipsStep(t *testing.T) {
	exec := newStubExecutor()
	exec.on("quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"price": 50.0}, nil
	})
	exec.on("alert", func(args map[string]any, ec schema.ExecContext) (any, error) { return "sent", nil })
	m, _ := newTestManager(t, exec)

	id, err := m.Create("conditional-alert", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "quote",
		Options: schema.StepOptions{StoreResultAs: "quote"},
	}))
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "alert",
		Options: schema.StepOptions{Condition: "vars.quote.price > 100"},
	}))
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "alert",
		Options: schema.StepOptions{Condition: `cel:vars.quote.price < 100.0`},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StepStatusSkipped, run.Steps[1].Status, "false expr condition skips")
	assert.Equal(t, schema.StepStatusCompleted, run.Steps[2].Status, "true cel condition runs")
	// A skipped step is not a failure and does not block progress.
	assert.Nil(t, run.Steps[1].Error)
}

func TestUsePreviousResult(t *testing.T) {
	exec := newStubExecutor()
	exec.on("quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"symbol": "AAPL", "price": 187.3}, nil
	})
	var seen map[string]any
	exec.on("analyze", func(args map[string]any, ec schema.ExecContext) (any, error) {
		seen = args
		return "done", nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("chained", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "quote"}))
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "analyze",
		Args:    map[string]any{"symbol": "MSFT"}, // declared args win
		Options: schema.StepOptions{UsePreviousResult: true},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	assert.Equal(t, "MSFT", seen["symbol"], "declared args take precedence over merged result")
	assert.Equal(t, 187.3, seen["price"], "previous result fields merged in")
}

func TestTransform(t *testing.T) {
	exec := newStubExecutor()
	exec.on("quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		return map[string]any{"symbol": "AAPL", "price": 187.3, "volume": 1000.0}, nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("shaped", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "quote",
		Options: schema.StepOptions{Transform: "{price: .price}", StoreResultAs: "slim"},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	slim := run.Variables["slim"].(map[string]any)
	assert.Equal(t, 187.3, slim["price"])
	assert.NotContains(t, slim, "volume")
}

func TestStepRetry(t *testing.T) {
	attempts := 0
	exec := newStubExecutor()
	exec.on("flaky", func(args map[string]any, ec schema.ExecContext) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("upstream hiccup")
		}
		return "ok", nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("retrying", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "flaky",
		Options: schema.StepOptions{Retry: &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"}},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, attempts)
}

func TestStepRetrySkipsNonRetryable(t *testing.T) {
	attempts := 0
	exec := newStubExecutor()
	exec.on("invalid", func(args map[string]any, ec schema.ExecContext) (any, error) {
		attempts++
		return nil, schema.NewError(schema.ErrCodeValidation, "bad args")
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("no-retry", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "invalid",
		Options: schema.StepOptions{Retry: &schema.RetryPolicy{Max: 5, Delay: "1ms"}},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, 1, attempts, "validation errors never retry")
}

func TestAddStepAfterRunRejected(t *testing.T) {
	exec := newStubExecutor()
	exec.on("ok", func(args map[string]any, ec schema.ExecContext) (any, error) { return "ok", nil })
	m, _ := newTestManager(t, exec)

	id, err := m.Create("frozen", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "ok"}))

	_, err = m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{})
	require.NoError(t, err)

	err = m.AddStep(id, schema.Step{Command: "ok"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.QuantorError).Code)
}

func TestBackgroundRun(t *testing.T) {
	release := make(chan struct{})
	exec := newStubExecutor()
	exec.on("slow", func(args map[string]any, ec schema.ExecContext) (any, error) {
		<-release
		return "ok", nil
	})
	m, registry := newTestManager(t, exec)

	id, err := m.Create("bg", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "slow"}))

	done := make(chan *schema.PipelineRun, 1)
	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{
		Background: true,
		OnComplete: func(r *schema.PipelineRun) { done <- r },
	})
	require.NoError(t, err)

	// Immediate return in the queued state, tracked by the registry.
	assert.Equal(t, schema.RunStatusQueued, run.Status)
	assert.True(t, run.Background)
	_, tracked := registry.Get(run.ID)
	assert.True(t, tracked)

	close(release)
	select {
	case final := <-done:
		assert.Equal(t, schema.RunStatusCompleted, final.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("background run did not settle")
	}

	job, _ := registry.Get(run.ID)
	assert.Equal(t, schema.RunStatusCompleted, job.Status())
}

func TestCancelBetweenSteps(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := newStubExecutor()
	exec.on("slow", func(args map[string]any, ec schema.ExecContext) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "ok", nil
	})
	m, registry := newTestManager(t, exec)

	id, err := m.Create("cancellable", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "slow"}))
	require.NoError(t, m.AddStep(id, schema.Step{Command: "slow"}))

	done := make(chan *schema.PipelineRun, 1)
	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{
		Background: true,
		OnComplete: func(r *schema.PipelineRun) { done <- r },
	})
	require.NoError(t, err)

	<-started
	// Cancel while step 0 is in flight; it runs to completion, step 1 never
	// starts.
	require.True(t, registry.Cancel(run.ID))
	close(release)

	select {
	case final := <-done:
		assert.Equal(t, schema.RunStatusCancelled, final.Status)
		assert.Equal(t, schema.StepStatusCompleted, final.Steps[0].Status)
		assert.Equal(t, schema.StepStatusNotRun, final.Steps[1].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not settle")
	}
	assert.Equal(t, []string{"slow"}, exec.commands())
}

func TestCancelDuringFinalStep(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := newStubExecutor()
	exec.on("slow", func(args map[string]any, ec schema.ExecContext) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "ok", nil
	})
	m, registry := newTestManager(t, exec)

	id, err := m.Create("last-step-cancel", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{Command: "slow"}))

	done := make(chan *schema.PipelineRun, 1)
	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{
		Background: true,
		OnComplete: func(r *schema.PipelineRun) { done <- r },
	})
	require.NoError(t, err)

	<-started
	// Cancel while the only (and therefore final) step is in flight: the
	// step runs to completion but the run must not settle completed.
	require.True(t, registry.Cancel(run.ID))
	close(release)

	select {
	case final := <-done:
		assert.Equal(t, schema.RunStatusCancelled, final.Status)
		assert.Equal(t, schema.StepStatusCompleted, final.Steps[0].Status)
		require.NotNil(t, final.Error)
		assert.Equal(t, schema.ErrCodeCancelled, final.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle")
	}

	// Registry status and published payload agree.
	job, ok := registry.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, schema.RunStatusCancelled, job.Status())
	payload, ok := job.Payload().(*schema.PipelineRun)
	require.True(t, ok)
	assert.Equal(t, schema.RunStatusCancelled, payload.Status)
}

func TestRunUnknownPipeline(t *testing.T) {
	m, _ := newTestManager(t, newStubExecutor())
	_, err := m.Run(context.Background(), "missing", schema.ExecContext{}, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.QuantorError).Code)
}

func TestInputsNamespace(t *testing.T) {
	exec := newStubExecutor()
	var seen map[string]any
	exec.on("quote", func(args map[string]any, ec schema.ExecContext) (any, error) {
		seen = args
		return "ok", nil
	})
	m, _ := newTestManager(t, exec)

	id, err := m.Create("parameterized", "")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(id, schema.Step{
		Command: "quote",
		Args:    map[string]any{"symbol": "${{inputs.symbol}}"},
	}))

	run, err := m.Run(context.Background(), id, schema.ExecContext{}, RunOptions{
		Inputs: map[string]any{"symbol": "NVDA"},
	})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "NVDA", seen["symbol"])
}
