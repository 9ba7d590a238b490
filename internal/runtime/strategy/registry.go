package strategy

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	errspkg "github.com/drblury/marketflow/internal/runtime/errors"
)

// RegisterOption customises a single registration.
type RegisterOption func(*entry)

// WithDescription attaches a human readable description, shown by the status API.
func WithDescription(desc string) RegisterOption {
	return func(e *entry) { e.description = desc }
}

// Disabled registers the processor switched off.
func Disabled() RegisterOption {
	return func(e *entry) { e.disabled = true }
}

type entry struct {
	processor   Processor
	wrapped     Processor
	description string
	disabled    bool
}

// Info describes a registered processor.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Default     bool   `json:"default"`
}

// Registry maps strategy names to processors. Registration order is kept and
// is the order Resolve returns processors in. Call Freeze once startup is done;
// afterwards the registry only serves lookups.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	order       []string
	defaults    map[string]bool
	middlewares []Middleware
	frozen      bool
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds p under its lower-cased name.
func (r *Registry) Register(p Processor, opts ...RegisterOption) error {
	if p == nil {
		return errspkg.ErrProcessorRequired
	}
	name := normalizeName(p.Name())
	if name == "" {
		return errspkg.ErrProcessorName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateProcessor, name)
	}

	e := &entry{processor: p}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.wrapped = Chain(p, r.middlewares...)
	r.entries[name] = e
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(p Processor, opts ...RegisterOption) {
	if err := r.Register(p, opts...); err != nil {
		panic(err)
	}
}

// Use appends middlewares to the chain applied to every processor, including
// the ones registered earlier.
func (r *Registry) Use(middlewares ...Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	r.middlewares = append(r.middlewares, middlewares...)
	for _, e := range r.entries {
		e.wrapped = Chain(e.processor, r.middlewares...)
	}
	return nil
}

// SetDefaults picks the processors run for records without a strategy. With
// no names, every enabled processor is a default.
func (r *Registry) SetDefaults(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	if len(names) == 0 {
		r.defaults = nil
		return nil
	}

	defaults := make(map[string]bool, len(names))
	for _, raw := range names {
		name := normalizeName(raw)
		if name == "" {
			continue
		}
		if _, ok := r.entries[name]; !ok {
			return &errspkg.UnknownStrategyError{Strategy: name}
		}
		defaults[name] = true
	}
	r.defaults = defaults
	return nil
}

// Disable switches processors off. Records naming a disabled strategy are
// treated like records naming an unknown one.
func (r *Registry) Disable(names ...string) error {
	return r.setEnabled(false, names)
}

// Enable reverts Disable.
func (r *Registry) Enable(names ...string) error {
	return r.setEnabled(true, names)
}

func (r *Registry) setEnabled(enabled bool, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	for _, raw := range names {
		name := normalizeName(raw)
		if name == "" {
			continue
		}
		e, ok := r.entries[name]
		if !ok {
			return &errspkg.UnknownStrategyError{Strategy: name}
		}
		e.disabled = !enabled
	}
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve returns the processors to run for rec. A record naming a strategy
// gets exactly that processor; any other record gets the default set in
// registration order. The returned processors carry the middleware chain.
func (r *Registry) Resolve(rec envelope.Record) ([]Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec.Strategy != "" {
		name := normalizeName(rec.Strategy)
		e, ok := r.entries[name]
		if !ok || e.disabled {
			return nil, &errspkg.UnknownStrategyError{Strategy: rec.Strategy}
		}
		return []Processor{e.wrapped}, nil
	}

	resolved := make([]Processor, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if e.disabled || !r.isDefault(name) {
			continue
		}
		resolved = append(resolved, e.wrapped)
	}
	return resolved, nil
}

func (r *Registry) isDefault(name string) bool {
	return r.defaults == nil || r.defaults[name]
}

// Lookup returns the processor registered under name, without middlewares.
func (r *Registry) Lookup(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[normalizeName(name)]
	if !ok {
		return nil, false
	}
	return e.processor, true
}

// Names lists registered processors in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Describe lists every registered processor in registration order.
func (r *Registry) Describe() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		infos = append(infos, Info{
			Name:        name,
			Description: e.description,
			Enabled:     !e.disabled,
			Default:     r.isDefault(name),
		})
	}
	return infos
}
