package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a fresh plugin instance.
type Factory func() Plugin

var (
	builtinMu sync.RWMutex
	builtins  = make(map[string]Factory)
)

// RegisterBuiltin makes a compiled-in plugin discoverable by name. It is meant
// to be called from init functions; registering the same name twice panics.
func RegisterBuiltin(name string, factory Factory) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	if factory == nil {
		panic("plugin: nil factory for " + name)
	}
	if _, exists := builtins[name]; exists {
		panic("plugin: builtin " + name + " registered twice")
	}
	builtins[name] = factory
}

// NewBuiltin instantiates the builtin plugin registered under name.
func NewBuiltin(name string) (Plugin, error) {
	builtinMu.RLock()
	factory, ok := builtins[name]
	builtinMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin plugin named %s", name)
	}
	p := factory()
	if p == nil {
		return nil, fmt.Errorf("builtin plugin %s factory returned nil", name)
	}
	return p, nil
}

// BuiltinNames returns the sorted names of all builtin plugins.
func BuiltinNames() []string {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
