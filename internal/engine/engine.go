package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantorhq/quantor/internal/cache"
	"github.com/quantorhq/quantor/internal/logging"
	"github.com/quantorhq/quantor/internal/registry"
	"github.com/quantorhq/quantor/internal/validation"
	"github.com/quantorhq/quantor/pkg/schema"
)

// Defaults for engine configuration.
const (
	DefaultMaxConcurrent    = 5
	DefaultExecutionTimeout = 30 * time.Second
	DefaultQueueTimeout     = 10 * time.Second
)

// Config holds execution engine configuration.
type Config struct {
	MaxConcurrent    int           // concurrency cap, default 5
	ExecutionTimeout time.Duration // per-handler timeout, default 30s
	QueueTimeout     time.Duration // max wait for admission, default 10s
	HistorySize      int           // bounded in-memory history, default 1000
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// HistorySink receives finished execution records for durable persistence.
// Satisfied by *store.Store; nil disables persistence.
type HistorySink interface {
	SaveExecution(ctx context.Context, rec schema.ExecutionRecord) error
}

// Engine executes registered commands with result caching, a concurrency
// cap with FIFO queueing, per-execution timeouts and rolling metrics.
// Command-level failures come back inside the ExecutionResult; the returned
// Go error is non-nil only when the caller's context ended before a result
// could be produced.
type Engine struct {
	cfg       Config
	registry  *registry.Registry
	validator *validation.ParamsValidator
	cache     *cache.Cache
	queue     *admissionQueue
	metrics   *metrics
	logger    *slog.Logger
	sink      HistorySink
}

// New creates an Engine. The cache may be nil to disable caching entirely;
// sink may be nil to keep history in memory only.
func New(reg *registry.Registry, resultCache *cache.Cache, cfg Config, logger *slog.Logger, sink HistorySink) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		registry:  reg,
		validator: validation.NewParamsValidator(),
		cache:     resultCache,
		queue:     newAdmissionQueue(cfg.MaxConcurrent),
		metrics:   newMetrics(cfg.HistorySize),
		logger:    logger,
		sink:      sink,
	}
}

// handlerOutcome is what the invocation goroutine reports back.
type handlerOutcome struct {
	value any
	err   error
}

// Execute runs one command through the full pipeline: cache lookup,
// admission, validation, timeout-raced invocation, normalization, cache
// write, metrics and history. The result is always non-nil.
func (e *Engine) Execute(ctx context.Context, command string, args map[string]any, ec schema.ExecContext) (*schema.ExecutionResult, error) {
	executionID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, executionID)
	started := time.Now()

	cmd, err := e.registry.Get(command)
	if err != nil {
		return e.finish(ctx, executionID, command, started, nil, asQuantorError(err, command)), nil
	}

	// Cache lookup short-circuits everything else, including admission.
	if e.cache != nil && cmd.Cacheable() {
		if data, hit := e.cache.Get(command, args, ec); hit {
			e.logger.DebugContext(ctx, "cache hit", slog.String("command", command))
			result := &schema.ExecutionResult{
				Success:         true,
				Data:            data,
				ExecutionID:     executionID,
				ExecutionTimeMs: time.Since(started).Milliseconds(),
				Cached:          true,
			}
			e.record(ctx, executionID, command, true, result.ExecutionTimeMs, "")
			return result, nil
		}
	}

	// Admission: beyond the cap the request waits its FIFO turn, bounded by
	// the queue timeout.
	if err := e.queue.Acquire(ctx, e.cfg.QueueTimeout); err != nil {
		qerr := asQuantorError(err, command)
		if qerr.Code == schema.ErrCodeCancelled {
			return e.finish(ctx, executionID, command, started, nil, qerr), ctx.Err()
		}
		e.logger.WarnContext(ctx, "queue timeout", slog.String("command", command))
		return e.finish(ctx, executionID, command, started, nil, qerr), nil
	}
	defer e.queue.Release()

	// Validation is ordered after admission; a failure still releases the
	// slot via the deferred Release.
	if err := e.validator.Validate(command, args, cmd.ParamsSchema); err != nil {
		return e.finish(ctx, executionID, command, started, nil, asQuantorError(err, command)), nil
	}

	outcome, err := e.invoke(ctx, cmd, args, ec)
	if err != nil {
		// Caller context ended mid-flight.
		cerr := schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
			WithCommand(command).WithCause(err)
		return e.finish(ctx, executionID, command, started, nil, cerr), err
	}

	if outcome.err != nil {
		return e.finish(ctx, executionID, command, started, nil, asQuantorError(outcome.err, command)), nil
	}

	data, herr := normalizeHandlerResult(outcome.value)
	if herr != nil {
		return e.finish(ctx, executionID, command, started, nil, herr.WithCommand(command)), nil
	}

	if e.cache != nil && cmd.Cacheable() {
		e.cache.Put(command, cmd.TTLClass, args, ec, data)
	}
	return e.finish(ctx, executionID, command, started, data, nil), nil
}

// invoke races the handler against the execution timeout. The handler runs
// in its own goroutine writing to a buffered channel; if the timeout wins,
// the eventual settlement is discarded, never undone. Panics inside the
// handler surface as HANDLER_ERROR.
func (e *Engine) invoke(ctx context.Context, cmd *registry.Command, args map[string]any, ec schema.ExecContext) (handlerOutcome, error) {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: schema.NewErrorf(schema.ErrCodeHandler,
					"handler panicked: %v", r)}
			}
		}()
		value, err := cmd.Handler(hctx, args, ec)
		done <- handlerOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		// A handler surfacing the caller's cancellation is not a handler
		// failure.
		if out.err != nil && ctx.Err() != nil && errors.Is(out.err, context.Canceled) {
			return handlerOutcome{}, ctx.Err()
		}
		return out, nil
	case <-hctx.Done():
		if ctx.Err() != nil {
			return handlerOutcome{}, ctx.Err()
		}
		return handlerOutcome{err: schema.NewErrorf(schema.ErrCodeExecutionTimeout,
			"execution timed out after %s", e.cfg.ExecutionTimeout)}, nil
	}
}

// finish assembles the result, records metrics and appends history.
func (e *Engine) finish(ctx context.Context, executionID, command string, started time.Time, data any, qerr *schema.QuantorError) *schema.ExecutionResult {
	elapsed := time.Since(started).Milliseconds()
	result := &schema.ExecutionResult{
		Success:         qerr == nil,
		Data:            data,
		Error:           qerr,
		ExecutionID:     executionID,
		ExecutionTimeMs: elapsed,
	}

	errMsg := ""
	if qerr != nil {
		errMsg = qerr.Error()
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "execution failed",
			slog.String("command", command),
			slog.String("code", qerr.Code),
			slog.Int64("elapsed_ms", elapsed))
	} else {
		logging.LogWith(ctx, e.logger).DebugContext(ctx, "execution completed",
			slog.String("command", command),
			slog.Int64("elapsed_ms", elapsed))
	}
	e.record(ctx, executionID, command, qerr == nil, elapsed, errMsg)
	return result
}

// record updates rolling metrics, the bounded history, and the optional sink.
func (e *Engine) record(ctx context.Context, executionID, command string, success bool, elapsedMs int64, errMsg string) {
	rec := schema.ExecutionRecord{
		ID:              executionID,
		Command:         command,
		Success:         success,
		ExecutionTimeMs: elapsedMs,
		Timestamp:       time.Now(),
		Error:           errMsg,
	}
	e.metrics.Record(rec)
	if e.sink != nil {
		if err := e.sink.SaveExecution(ctx, rec); err != nil {
			e.logger.WarnContext(ctx, "history persistence failed",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()))
		}
	}
}

// Stats returns a point-in-time metrics snapshot across engine, cache and
// queue.
func (e *Engine) Stats() schema.ExecutionStats {
	stats := e.metrics.Snapshot()
	stats.ActiveExecutions = e.queue.Active()
	stats.QueuedExecutions = e.queue.Depth()
	if e.cache != nil {
		hits, misses := e.cache.Stats()
		stats.CacheHits = hits
		stats.CacheMisses = misses
		stats.CacheSize = e.cache.Size()
		if hits+misses > 0 {
			stats.CacheHitRate = float64(hits) / float64(hits+misses)
		}
	}
	return stats
}

// History returns up to limit recent execution records, newest first.
func (e *Engine) History(limit int) []schema.ExecutionRecord {
	return e.metrics.History(limit)
}

// asQuantorError coerces any error into a *QuantorError, wrapping foreign
// errors as HANDLER_ERROR.
func asQuantorError(err error, command string) *schema.QuantorError {
	var qerr *schema.QuantorError
	if errors.As(err, &qerr) {
		if qerr.Command == "" {
			qerr.Command = command
		}
		return qerr
	}
	return schema.NewError(schema.ErrCodeHandler, err.Error()).
		WithCommand(command).WithCause(err)
}

// normalizeHandlerResult maps a raw handler return onto the result contract.
// A map carrying an explicit success=false is a command-level failure; any
// other value, map or not, is data of a successful execution. A map with
// success=true unwraps its "data" field when present.
func normalizeHandlerResult(value any) (any, *schema.QuantorError) {
	m, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	successRaw, declared := m["success"]
	if !declared {
		return m, nil
	}
	success, isBool := successRaw.(bool)
	if !isBool {
		return m, nil
	}
	if success {
		if data, hasData := m["data"]; hasData {
			return data, nil
		}
		return m, nil
	}

	msg := "handler reported failure"
	switch v := m["error"].(type) {
	case string:
		msg = v
	case error:
		msg = v.Error()
	case nil:
	default:
		msg = fmt.Sprintf("%v", v)
	}
	return nil, schema.NewError(schema.ErrCodeHandler, msg)
}
