package engine

import (
	"testing"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

func rec(id string, success bool, ms int64) schema.ExecutionRecord {
	return schema.ExecutionRecord{
		ID:              id,
		Command:         "test.command",
		Success:         success,
		ExecutionTimeMs: ms,
		Timestamp:       time.Now(),
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := newMetrics(10)
	m.Record(rec("a", true, 100))
	m.Record(rec("b", true, 200))
	m.Record(rec("c", false, 300))

	stats := m.Snapshot()
	if stats.TotalExecutions != 3 {
		t.Errorf("total = %d, want 3", stats.TotalExecutions)
	}
	if stats.AverageExecutionTimeMs != 200 {
		t.Errorf("average = %v, want 200", stats.AverageExecutionTimeMs)
	}
	if want := 1.0 / 3.0; stats.ErrorRate != want {
		t.Errorf("error rate = %v, want %v", stats.ErrorRate, want)
	}
	if stats.HistorySize != 3 {
		t.Errorf("history size = %d, want 3", stats.HistorySize)
	}
}

func TestMetricsHistoryBound(t *testing.T) {
	m := newMetrics(3)
	for i := 0; i < 5; i++ {
		m.Record(rec(string(rune('a'+i)), true, int64(i)))
	}

	hist := m.History(0)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	// Newest first; the two oldest fell off.
	if hist[0].ID != "e" || hist[2].ID != "c" {
		t.Errorf("history = [%s %s %s], want [e d c]", hist[0].ID, hist[1].ID, hist[2].ID)
	}

	// Totals still cover everything ever recorded.
	if stats := m.Snapshot(); stats.TotalExecutions != 5 {
		t.Errorf("total = %d, want 5", stats.TotalExecutions)
	}
}

func TestMetricsHistoryLimit(t *testing.T) {
	m := newMetrics(10)
	for i := 0; i < 5; i++ {
		m.Record(rec(string(rune('a'+i)), true, 0))
	}

	hist := m.History(2)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].ID != "e" || hist[1].ID != "d" {
		t.Errorf("history = [%s %s], want [e d]", hist[0].ID, hist[1].ID)
	}
}

func TestMetricsEmpty(t *testing.T) {
	m := newMetrics(10)
	stats := m.Snapshot()
	if stats.TotalExecutions != 0 || stats.AverageExecutionTimeMs != 0 || stats.ErrorRate != 0 {
		t.Errorf("empty snapshot not zeroed: %+v", stats)
	}
	if hist := m.History(0); len(hist) != 0 {
		t.Errorf("empty history length = %d", len(hist))
	}
}
