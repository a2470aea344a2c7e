package engine

import (
	"sync"

	"github.com/quantorhq/quantor/pkg/schema"
)

// DefaultHistorySize bounds the in-memory execution history.
const DefaultHistorySize = 1000

// metrics accumulates per-execution counters and keeps a bounded history of
// recent executions, newest last. Cache hits count toward totals but record
// zero execution time.
type metrics struct {
	mu          sync.Mutex
	total       int64
	failures    int64
	totalTimeMs int64
	history     []schema.ExecutionRecord
	maxHistory  int
}

func newMetrics(maxHistory int) *metrics {
	if maxHistory <= 0 {
		maxHistory = DefaultHistorySize
	}
	return &metrics{maxHistory: maxHistory}
}

// Record appends one finished execution. Oldest history entries fall off
// once the bound is reached.
func (m *metrics) Record(rec schema.ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if !rec.Success {
		m.failures++
	}
	m.totalTimeMs += rec.ExecutionTimeMs

	m.history = append(m.history, rec)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// History returns up to limit recent records, newest first. limit <= 0
// returns everything retained.
func (m *metrics) History(limit int) []schema.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]schema.ExecutionRecord, n)
	for i := 0; i < n; i++ {
		out[i] = m.history[len(m.history)-1-i]
	}
	return out
}

// Snapshot fills the execution-side fields of an ExecutionStats. Cache and
// queue fields are filled by the engine.
func (m *metrics) Snapshot() schema.ExecutionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := schema.ExecutionStats{
		TotalExecutions: m.total,
		HistorySize:     len(m.history),
	}
	if m.total > 0 {
		stats.AverageExecutionTimeMs = float64(m.totalTimeMs) / float64(m.total)
		stats.ErrorRate = float64(m.failures) / float64(m.total)
	}
	return stats
}
