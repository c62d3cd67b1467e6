package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Config is the configuration of one backend instance.
type Config struct {
	// Name is the unique backend ID.
	Name string

	// Type selects the registered implementation.
	Type string

	// MaxSessions caps the concurrent sessions of this backend (0 = unlimited).
	MaxSessions int

	// Options are passed to the implementation.
	Options map[string]any
}

// Factory creates a backend from its configuration.
type Factory func(cfg Config) (Backend, error)

// ErrUnknownType is returned when no implementation is registered for a type.
var ErrUnknownType = errors.New("unknown backend type")

// ErrUnknownBackend is returned when a backend ID is not configured.
var ErrUnknownBackend = errors.New("unknown backend")

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// RegisterType adds a backend implementation to the registry.
// It panics if the type is already registered.
func RegisterType(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("backend type %q is already registered", name))
	}
	registry[name] = f
}

// Types returns the sorted names of all registered backend types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a backend from cfg, applying the session limit.
func Open(cfg Config) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}

	b, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend %s: %w", cfg.Name, err)
	}
	if cfg.MaxSessions > 0 {
		b = Limit(b, int64(cfg.MaxSessions))
	}
	return b, nil
}

// Set holds the configured backends of the process, keyed by ID.
type Set struct {
	backends map[string]Backend
	order    []string
}

// OpenAll opens every configured backend. On error, the already opened
// backends are closed.
func OpenAll(cfgs []Config) (*Set, error) {
	s := &Set{backends: make(map[string]Backend)}
	for _, cfg := range cfgs {
		if _, dup := s.backends[cfg.Name]; dup {
			s.Close()
			return nil, fmt.Errorf("duplicate backend name %q", cfg.Name)
		}
		b, err := Open(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Add(b)
	}
	return s, nil
}

// NewSet builds a set from already created backends.
func NewSet(bs ...Backend) *Set {
	s := &Set{backends: make(map[string]Backend)}
	for _, b := range bs {
		s.Add(b)
	}
	return s
}

// Add registers b in the set, replacing any backend with the same ID.
func (s *Set) Add(b Backend) {
	if _, exists := s.backends[b.ID()]; !exists {
		s.order = append(s.order, b.ID())
	}
	s.backends[b.ID()] = b
}

// Get returns the backend with the given ID.
func (s *Set) Get(id string) (Backend, bool) {
	b, ok := s.backends[id]
	return b, ok
}

// All returns the backends in the order they were added.
func (s *Set) All() []Backend {
	out := make([]Backend, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.backends[id])
	}
	return out
}

// Close closes every backend and returns the joined errors.
func (s *Set) Close() error {
	var errs []error
	for _, b := range s.All() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.ID(), err))
		}
	}
	return errors.Join(errs...)
}
