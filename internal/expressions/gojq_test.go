package expressions

import (
	"context"
	"testing"
)

func TestTransformProjection(t *testing.T) {
	e := NewGoJQEngine()
	in := map[string]any{"price": 187.3, "symbol": "AAPL", "volume": 123456}

	out, err := e.Transform(context.Background(), "{price: .price, symbol: .symbol}", in)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("output is %T", out)
	}
	if m["price"] != 187.3 || m["symbol"] != "AAPL" {
		t.Errorf("projected = %v", m)
	}
	if _, ok := m["volume"]; ok {
		t.Error("volume should be dropped by the projection")
	}
}

func TestTransformScalarAndArrayInputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Transform(context.Background(), ". * 2", 21)
	if err != nil {
		t.Fatal(err)
	}
	if out != 42.0 {
		t.Errorf("scalar transform = %v", out)
	}

	out, err = e.Transform(context.Background(), "map(.close)", []any{
		map[string]any{"close": 1.0},
		map[string]any{"close": 2.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("array transform = %v", out)
	}
}

func TestTransformMultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Transform(context.Background(), ".[]", []any{1.0, 2.0, 3.0})
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("multiple outputs = %v", out)
	}
}

func TestTransformErrors(t *testing.T) {
	e := NewGoJQEngine()

	if _, err := e.Transform(context.Background(), "", map[string]any{}); err == nil {
		t.Error("empty expression should fail")
	}
	if _, err := e.Transform(context.Background(), ".foo[", map[string]any{}); err == nil {
		t.Error("parse error should fail")
	}
	if _, err := e.Transform(context.Background(), ".missing | .deeper", 5); err == nil {
		t.Error("traversing into a number should fail")
	}
}

func TestTransformEnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	t.Setenv("QUANTOR_SECRET", "x")

	out, err := e.Transform(context.Background(), `$ENV.QUANTOR_SECRET`, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("environment leaked: %v", out)
	}
}

func TestTransformReusesCompiledCode(t *testing.T) {
	e := NewGoJQEngine()
	for i := 0; i < 3; i++ {
		if _, err := e.Transform(context.Background(), ".price", map[string]any{"price": 1.0}); err != nil {
			t.Fatal(err)
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.cache) != 1 {
		t.Errorf("compile cache size = %d, want 1", len(e.cache))
	}
}
