package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownPlugin is returned by Lookup for unregistered names.
var ErrUnknownPlugin = errors.New("unknown plugin")

var (
	registry   = make(map[string]Plugin)
	registryMu sync.RWMutex
)

// Register adds a plugin to the registry.
// It panics if a plugin with the same name is already registered.
func Register(p Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := p.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("plugin %q is already registered", name))
	}
	registry[name] = p
}

// Get retrieves a plugin from the registry by name.
// Returns nil if the plugin is not found.
func Get(name string) Plugin {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// Lookup is Get with an error for unknown names.
func Lookup(name string) (Plugin, error) {
	p := Get(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return p, nil
}

// List returns the sorted names of all registered plugins.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
