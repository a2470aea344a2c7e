package registry

import (
	"context"
	"encoding/json"

	"github.com/quantorhq/quantor/pkg/schema"
)

// Handler is the opaque unit of work behind a command. The engine depends
// only on this capability, never on concrete handler identity. A handler
// may return any value; the engine normalizes the shape afterwards.
type Handler func(ctx context.Context, args map[string]any, ec schema.ExecContext) (any, error)

// Command is a named, registered unit of work with its cache policy and
// declared parameter shape. Immutable after registration.
type Command struct {
	Name        string
	Description string
	Handler     Handler
	// TTLClass selects the result cache lifetime. TTLClassNone disables
	// caching for this command entirely.
	TTLClass schema.TTLClass
	// ParamsSchema is an optional JSON Schema the args must satisfy.
	// Nil means any args are accepted.
	ParamsSchema json.RawMessage
}

// Cacheable reports whether successful results of this command may be cached.
func (c *Command) Cacheable() bool {
	return c.TTLClass != schema.TTLClassNone
}

// Info is a summary of a registered command for listing.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	TTLClass    schema.TTLClass `json:"ttlClass"`
}
