package schema

import "time"

// RunStatus is the lifecycle state of a pipeline run or batch operation.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run status is final. Terminal states are
// immutable.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus is the outcome state of a single pipeline step or batch item.
// A skipped step had a false condition; a not-run step was never attempted
// because an earlier failure aborted the run. The two are distinct.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusNotRun    StepStatus = "not_run"
)

// RetryPolicy configures retry behavior for a pipeline step. The engine
// itself never retries; retrying is a step-level concern.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"`  // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`    // initial delay, e.g. "1s", "500ms"
	MaxDelay string `json:"maxDelay,omitempty"` // cap for computed delays
}

// StepOptions are the per-step behavior switches.
type StepOptions struct {
	// Condition is a predicate over the run's accumulated state. Default
	// syntax is expr; a "cel:" prefix selects CEL. Empty means always run.
	Condition string `json:"condition,omitempty"`
	// StoreResultAs binds a successful result into the run variables.
	StoreResultAs string `json:"storeResultAs,omitempty"`
	// UsePreviousResult merges the prior step's result into this step's args.
	UsePreviousResult bool `json:"usePreviousResult,omitempty"`
	// ContinueOnError keeps the run going when this step fails.
	ContinueOnError bool `json:"continueOnError,omitempty"`
	// Transform is a jq expression applied to a successful result before
	// it is recorded and bound.
	Transform string `json:"transform,omitempty"`
	// Retry re-attempts the step on retryable failures.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Step is one command invocation inside a pipeline.
type Step struct {
	// Name addresses this step's result in ${{steps.<name>...}} references.
	// Optional; unnamed steps are still reachable via usePreviousResult.
	Name    string         `json:"name,omitempty"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
	Options StepOptions    `json:"options,omitempty"`
}

// PipelineDefinition is an ordered multi-step workflow. Steps may only be
// appended before the first execution.
type PipelineDefinition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StepResult is the recorded outcome of one pipeline step.
type StepResult struct {
	Index           int           `json:"index"`
	Name            string        `json:"name,omitempty"`
	Command         string        `json:"command"`
	Status          StepStatus    `json:"status"`
	Result          any           `json:"result,omitempty"`
	Error           *QuantorError `json:"error,omitempty"`
	ExecutionTimeMs int64         `json:"executionTimeMs,omitempty"`
}

// PipelineRun is one execution of a pipeline, tracked by the job registry
// from creation to reap.
type PipelineRun struct {
	ID          string         `json:"id"`
	PipelineID  string         `json:"pipelineId"`
	Status      RunStatus      `json:"status"`
	Steps       []StepResult   `json:"steps"`
	Variables   map[string]any `json:"variables,omitempty"`
	Error       *QuantorError  `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Background  bool           `json:"background"`
}

// BatchItem is one independent operation within a batch.
type BatchItem struct {
	Command     string         `json:"command"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// BatchItemResult is the recorded outcome of one batch operation.
type BatchItemResult struct {
	Index           int           `json:"index"`
	Description     string        `json:"description,omitempty"`
	Command         string        `json:"command"`
	Status          StepStatus    `json:"status"`
	Result          any           `json:"result,omitempty"`
	Error           *QuantorError `json:"error,omitempty"`
	ExecutionTimeMs int64         `json:"executionTimeMs,omitempty"`
}

// BatchOperation is a flat set of independent operations run together.
type BatchOperation struct {
	ID              string            `json:"id"`
	Operations      []BatchItem       `json:"operations"`
	Parallel        bool              `json:"parallel"`
	ContinueOnError bool              `json:"continueOnError"`
	Status          RunStatus         `json:"status"`
	Results         []BatchItemResult `json:"results,omitempty"`
	Error           *QuantorError     `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}
