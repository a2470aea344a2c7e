package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quantorhq/quantor/pkg/schema"
)

// ParamsValidator validates command arguments against each command's
// declared JSON Schema (Draft 2020-12). Compiled schemas are cached per
// command so validation is a pure lookup after the first execution.
// Safe for concurrent use.
type ParamsValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewParamsValidator creates an empty ParamsValidator.
func NewParamsValidator() *ParamsValidator {
	return &ParamsValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks args against the raw JSON Schema declared by the named
// command. An empty schema accepts anything. A failure is always a
// VALIDATION_ERROR carrying the individual violations in its details.
func (v *ParamsValidator) Validate(command string, args map[string]any, paramsSchema []byte) error {
	if len(paramsSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	compiled, err := v.getOrCompile(command, paramsSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"command %q declares an invalid parameter schema", command).
			WithCommand(command).WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number, which the
	// jsonschema library requires.
	doc, err := toJSONValue(args)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize args").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err).WithCommand(command)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *ParamsValidator) getOrCompile(command string, schemaBytes []byte) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[command]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[command]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each command gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("quantor://params-schema/%s", command)

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[command] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a
// QuantorError listing the individual violations.
func toValidationError(err error) *schema.QuantorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
