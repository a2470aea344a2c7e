package schema

import "time"

// TTLClass selects the cache lifetime for a command's results.
// The class is a property of the command, not of any single request.
type TTLClass string

const (
	TTLClassQuote     TTLClass = "quote"     // real-time quote-like data
	TTLClassChart     TTLClass = "chart"     // chart/series data
	TTLClassExpensive TTLClass = "expensive" // heavy valuation models
	TTLClassMedium    TTLClass = "medium"    // mid-weight analysis
	TTLClassDefault   TTLClass = "default"
	TTLClassNone      TTLClass = "none" // never cached
)

// ExecContext carries caller identity and opaque pass-through state into a
// command handler. Extra fields flow to the handler untouched; only the
// stable subset participates in cache fingerprinting.
type ExecContext struct {
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ExecutionResult is the engine's answer for a single command execution.
// Command-level failures are carried inside the result; the engine never
// panics or leaks Go errors across its public boundary.
type ExecutionResult struct {
	Success         bool          `json:"success"`
	Data            any           `json:"data,omitempty"`
	Error           *QuantorError `json:"error,omitempty"`
	ExecutionID     string        `json:"executionId"`
	ExecutionTimeMs int64         `json:"executionTimeMs"`
	Cached          bool          `json:"cached"`
}

// ExecutionRecord is one entry in the engine's bounded execution history.
type ExecutionRecord struct {
	ID              string    `json:"id"`
	Command         string    `json:"command"`
	Success         bool      `json:"success"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

// ExecutionStats is the engine's rolling metrics snapshot.
type ExecutionStats struct {
	TotalExecutions        int64   `json:"totalExecutions"`
	AverageExecutionTimeMs float64 `json:"averageExecutionTime"`
	CacheHitRate           float64 `json:"cacheHitRate"`
	ErrorRate              float64 `json:"errorRate"`
	ActiveExecutions       int     `json:"activeExecutions"`
	QueuedExecutions       int     `json:"queuedExecutions"`
	CacheSize              int     `json:"cacheSize"`
	CacheHits              int64   `json:"cacheHits"`
	CacheMisses            int64   `json:"cacheMisses"`
	HistorySize            int     `json:"historySize"`
}
