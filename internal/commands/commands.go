// Package commands provides the built-in finance command set. Handlers are
// deterministic, side-effect free stand-ins: values derive from the symbol
// so results are stable across runs and cache-friendly, while the shapes
// match what real market-data handlers return.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/quantorhq/quantor/internal/registry"
	"github.com/quantorhq/quantor/pkg/schema"
)

// RegisterBuiltins installs the built-in finance commands.
func RegisterBuiltins(reg *registry.Registry) error {
	builtins := []*registry.Command{
		{
			Name:        "help",
			Description: "List available commands and their cache classes",
			TTLClass:    schema.TTLClassDefault,
			Handler:     helpHandler(reg),
		},
		{
			Name:         "market.quote",
			Description:  "Real-time quote for a symbol",
			TTLClass:     schema.TTLClassQuote,
			ParamsSchema: symbolSchema,
			Handler:      quoteHandler,
		},
		{
			Name:         "market.history",
			Description:  "Historical price series for a symbol",
			TTLClass:     schema.TTLClassChart,
			ParamsSchema: historySchema,
			Handler:      historyHandler,
		},
		{
			Name:         "valuation.dcf",
			Description:  "Discounted cash flow valuation",
			TTLClass:     schema.TTLClassExpensive,
			ParamsSchema: dcfSchema,
			Handler:      dcfHandler,
		},
		{
			Name:         "analysis.portfolio",
			Description:  "Portfolio weighting and risk summary",
			TTLClass:     schema.TTLClassMedium,
			ParamsSchema: portfolioSchema,
			Handler:      portfolioHandler,
		},
		{
			Name:         "analysis.sentiment",
			Description:  "News sentiment score for a symbol",
			TTLClass:     schema.TTLClassDefault,
			ParamsSchema: symbolSchema,
			Handler:      sentimentHandler,
		},
	}
	for _, cmd := range builtins {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

var symbolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "maxLength": 12}
	},
	"required": ["symbol"]
}`)

var historySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "maxLength": 12},
		"period": {"type": "string", "enum": ["1d", "5d", "1m", "6m", "1y", "5y"]},
		"points": {"type": "integer", "minimum": 1, "maximum": 500}
	},
	"required": ["symbol"]
}`)

var dcfSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "maxLength": 12},
		"price": {"type": "number", "exclusiveMinimum": 0},
		"growthRate": {"type": "number", "minimum": -1, "maximum": 1},
		"discountRate": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
		"years": {"type": "integer", "minimum": 1, "maximum": 30}
	},
	"required": ["symbol"]
}`)

var portfolioSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"holdings": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"symbol": {"type": "string", "minLength": 1},
					"weight": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
				},
				"required": ["symbol", "weight"]
			}
		}
	},
	"required": ["holdings"]
}`)

func helpHandler(reg *registry.Registry) registry.Handler {
	return func(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error) {
		infos := reg.List()
		commands := make([]map[string]any, 0, len(infos))
		for _, info := range infos {
			commands = append(commands, map[string]any{
				"name":        info.Name,
				"description": info.Description,
				"ttlClass":    string(info.TTLClass),
			})
		}
		return map[string]any{"commands": commands}, nil
	}
}

func quoteHandler(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error) {
	symbol, err := symbolArg(args)
	if err != nil {
		return nil, err
	}
	price := basePrice(symbol)
	change := round2(price * seedFraction(symbol, "chg", -0.05, 0.05))
	return map[string]any{
		"symbol":        symbol,
		"price":         price,
		"change":        change,
		"changePercent": round2(change / price * 100),
		"volume":        int64(seedFraction(symbol, "vol", 1e5, 5e7)),
	}, nil
}

func historyHandler(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error) {
	symbol, err := symbolArg(args)
	if err != nil {
		return nil, err
	}
	period, _ := args["period"].(string)
	if period == "" {
		period = "1y"
	}
	points := 30
	if p, ok := numericArg(args["points"]); ok {
		points = int(p)
	}

	price := basePrice(symbol)
	series := make([]map[string]any, points)
	for i := 0; i < points; i++ {
		drift := seedFraction(symbol, fmt.Sprintf("p%d", i), -0.02, 0.02)
		price = round2(price * (1 + drift))
		series[i] = map[string]any{"index": i, "close": price}
	}
	return map[string]any{
		"symbol": symbol,
		"period": period,
		"series": series,
	}, nil
}

func dcfHandler(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error) {
	symbol, err := symbolArg(args)
	if err != nil {
		return nil, err
	}
	price := basePrice(symbol)
	if p, ok := numericArg(args["price"]); ok {
		price = p
	}
	growth := 0.08
	if g, ok := numericArg(args["growthRate"]); ok {
		growth = g
	}
	discount := 0.10
	if d, ok := numericArg(args["discountRate"]); ok {
		discount = d
	}
	years := 10
	if y, ok := numericArg(args["years"]); ok {
		years = int(y)
	}

	// Stand-in projection; real cash flow modelling stays out of scope.
	cashFlow := price * 0.06
	fairValue := 0.0
	for y := 1; y <= years; y++ {
		cashFlow *= 1 + growth
		fairValue += cashFlow / math.Pow(1+discount, float64(y))
	}
	terminal := cashFlow * 12 / math.Pow(1+discount, float64(years))
	fairValue = round2(fairValue + terminal)

	return map[string]any{
		"symbol":       symbol,
		"price":        price,
		"fairValue":    fairValue,
		"upside":       round2((fairValue - price) / price * 100),
		"growthRate":   growth,
		"discountRate": discount,
		"years":        years,
	}, nil
}

func portfolioHandler(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error) {
	holdings, ok := args["holdings"].([]any)
	if !ok || len(holdings) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "holdings is empty").WithCommand("analysis.portfolio")
	}

	totalWeight := 0.0
	expectedReturn := 0.0
	risk := 0.0
	positions := make([]map[string]any, 0, len(holdings))
	for _, h := range holdings {
		pos, ok := h.(map[string]any)
		if !ok {
			continue
		}
		symbol, _ := pos["symbol"].(string)
		weight, _ := numericArg(pos["weight"])
		ret := seedFraction(symbol, "ret", -0.1, 0.25)
		vol := seedFraction(symbol, "risk", 0.1, 0.5)
		totalWeight += weight
		expectedReturn += weight * ret
		risk += weight * vol
		positions = append(positions, map[string]any{
			"symbol":         strings.ToUpper(symbol),
			"weight":         weight,
			"expectedReturn": round2(ret * 100),
			"volatility":     round2(vol * 100),
		})
	}

	return map[string]any{
		"positions":      positions,
		"totalWeight":    round2(totalWeight),
		"expectedReturn": round2(expectedReturn * 100),
		"volatility":     round2(risk * 100),
		"diversified":    len(positions) >= 5,
	}, nil
}

func sentimentHandler(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error) {
	symbol, err := symbolArg(args)
	if err != nil {
		return nil, err
	}
	score := round2(seedFraction(symbol, "sent", -1, 1))
	label := "neutral"
	switch {
	case score > 0.3:
		label = "positive"
	case score < -0.3:
		label = "negative"
	}
	return map[string]any{
		"symbol":   symbol,
		"score":    score,
		"label":    label,
		"articles": int64(seedFraction(symbol, "art", 5, 120)),
	}, nil
}

func symbolArg(args map[string]any) (string, error) {
	symbol, _ := args["symbol"].(string)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "symbol is required")
	}
	return symbol, nil
}

func numericArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// basePrice derives a stable pseudo-price from the symbol.
func basePrice(symbol string) float64 {
	return round2(20 + seedFraction(symbol, "px", 0, 1)*480)
}

// seedFraction maps (symbol, salt) onto a stable value in [lo, hi).
func seedFraction(symbol, salt string, lo, hi float64) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(salt))
	frac := float64(h.Sum64()%1_000_000) / 1_000_000
	return lo + frac*(hi-lo)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
