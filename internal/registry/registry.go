package registry

import (
	"sort"
	"sync"

	"github.com/quantorhq/quantor/pkg/schema"
)

// Registry is the thread-safe name → command lookup table.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
	}
}

// Register adds a command to the registry. Returns error on duplicate name.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return schema.NewError(schema.ErrCodeValidation, "command is nil")
	}
	if cmd.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "command name is empty")
	}
	if cmd.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "command %q has no handler", cmd.Name)
	}
	if cmd.TTLClass == "" {
		cmd.TTLClass = schema.TTLClassDefault
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[cmd.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "command %q already registered", cmd.Name)
	}

	r.commands[cmd.Name] = cmd
	return nil
}

// Get retrieves a command by name.
func (r *Registry) Get(name string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "command %q not registered", name).WithCommand(name)
	}
	return cmd, nil
}

// List returns info for all registered commands, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.commands))
	for _, c := range r.commands {
		infos = append(infos, Info{
			Name:        c.Name,
			Description: c.Description,
			TTLClass:    c.TTLClass,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if a command is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.commands[name]
	return ok
}

// Count returns the number of registered commands.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}
