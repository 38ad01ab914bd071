package envelope

import (
	"fmt"
	"sort"
	"sync"
)

// Payload is the common interface for decoded envelope payloads.
type Payload interface {
	Kind() string // e.g. "telemetry", "flight.created"
}

// DecodeFunc turns a raw frame into a payload. It returns an error wrapping
// ErrMalformed when required fields are missing.
type DecodeFunc func(raw []byte) (Payload, error)

// Registry maps envelope kinds to their decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Global default registry.
var defaultRegistry = NewRegistry()

// Default returns the global registry instance.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a decoder to the default registry.
// Called during init() for the built-in kinds.
func Register(kind string, fn DecodeFunc) {
	defaultRegistry.Register(kind, fn)
}

// Register adds or replaces the decoder for kind.
func (r *Registry) Register(kind string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[kind] = fn
}

// Decode routes the envelope to the decoder registered for its kind.
func (r *Registry) Decode(e Envelope) (Payload, error) {
	r.mu.RLock()
	fn, ok := r.decoders[e.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return fn(e.Raw)
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.decoders))
	for k := range r.decoders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
