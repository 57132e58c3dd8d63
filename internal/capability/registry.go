// Package capability is the registry of named, schema-typed executable units
// the orchestrator dispatches to and workers execute.
package capability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Handler executes one capability invocation.
type Handler interface {
	Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

type entry struct {
	handler Handler
	input   *jsonschema.Schema
	output  *jsonschema.Schema
}

// Registry maps capability names to handlers and compiled schemas.
// Registrations are immutable: a name can be registered once.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a capability. Empty schemas accept any JSON value.
// Returns DuplicateCapabilityError if name is taken.
func (r *Registry) Register(name string, h Handler, inputSchema, outputSchema []byte) error {
	in, err := compile(name, "input", inputSchema)
	if err != nil {
		return err
	}
	out, err := compile(name, "output", outputSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return &domain.DuplicateCapabilityError{Capability: name}
	}
	r.entries[name] = &entry{handler: h, input: in, output: out}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &domain.UnknownCapabilityError{Capability: name}
	}
	return e, nil
}

// Resolve returns the handler registered under name.
// Returns UnknownCapabilityError if not registered.
func (r *Registry) Resolve(name string) (Handler, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.handler, nil
}

// Validate checks payload against the input schema of name.
func (r *Registry) Validate(name string, payload json.RawMessage) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return validate(e.input, name, "input", payload)
}

// ValidateOutput checks payload against the output schema of name.
func (r *Registry) ValidateOutput(name string, payload json.RawMessage) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return validate(e.output, name, "output", payload)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
