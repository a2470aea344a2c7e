package cache

import (
	"testing"

	"github.com/quantorhq/quantor/pkg/schema"
)

func TestFingerprintDeterministic(t *testing.T) {
	f := NewFingerprinter(nil)
	args := map[string]any{"symbol": "AAPL", "period": "1y"}
	ec := schema.ExecContext{UserID: "u1", SessionID: "s1"}

	a := f.Fingerprint("market.history", args, ec)
	b := f.Fingerprint("market.history", args, ec)
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	f := NewFingerprinter(nil)
	ec := schema.ExecContext{UserID: "u1"}

	a := f.Fingerprint("cmd", map[string]any{"a": 1, "b": 2, "nested": map[string]any{"x": 1, "y": 2}}, ec)
	b := f.Fingerprint("cmd", map[string]any{"b": 2, "nested": map[string]any{"y": 2, "x": 1}, "a": 1}, ec)
	if a != b {
		t.Error("fingerprint must not depend on map iteration order")
	}
}

func TestFingerprintDiscriminates(t *testing.T) {
	f := NewFingerprinter(nil)
	ec := schema.ExecContext{UserID: "u1"}
	base := f.Fingerprint("cmd", map[string]any{"a": 1}, ec)

	if got := f.Fingerprint("other", map[string]any{"a": 1}, ec); got == base {
		t.Error("different command, same fingerprint")
	}
	if got := f.Fingerprint("cmd", map[string]any{"a": 2}, ec); got == base {
		t.Error("different args, same fingerprint")
	}
	if got := f.Fingerprint("cmd", map[string]any{"a": 1}, schema.ExecContext{UserID: "u2"}); got == base {
		t.Error("different user, same fingerprint")
	}
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	f := NewFingerprinter(nil)
	args := map[string]any{"symbol": "AAPL"}

	a := f.Fingerprint("quote", args, schema.ExecContext{
		UserID: "u1",
		Extra:  map[string]any{"requestId": "r-1", "timestamp": 1700000000},
	})
	b := f.Fingerprint("quote", args, schema.ExecContext{
		UserID: "u1",
		Extra:  map[string]any{"requestId": "r-2", "timestamp": 1800000000},
	})
	if a != b {
		t.Error("volatile context fields must not affect the fingerprint")
	}

	// Non-volatile extras do.
	c := f.Fingerprint("quote", args, schema.ExecContext{
		UserID: "u1",
		Extra:  map[string]any{"portfolio": "growth"},
	})
	if c == a {
		t.Error("stable context fields must affect the fingerprint")
	}
}

func TestFingerprintCustomVolatileFields(t *testing.T) {
	f := NewFingerprinter([]string{"traceId"})

	a := f.Fingerprint("cmd", nil, schema.ExecContext{Extra: map[string]any{"traceId": "t1"}})
	b := f.Fingerprint("cmd", nil, schema.ExecContext{Extra: map[string]any{"traceId": "t2"}})
	if a != b {
		t.Error("custom volatile field leaked into fingerprint")
	}

	// With a custom list, the defaults no longer apply.
	c := f.Fingerprint("cmd", nil, schema.ExecContext{Extra: map[string]any{"requestId": "r1"}})
	d := f.Fingerprint("cmd", nil, schema.ExecContext{Extra: map[string]any{"requestId": "r2"}})
	if c == d {
		t.Error("requestId should participate when not listed as volatile")
	}
}
