package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds an adapter instance from its settings.
type Factory func(s Settings) (Adapter, error)

// registry holds all registered adapter factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds an adapter factory to the global registry.
// This is typically called from an adapter package's init() function.
//
// Panics if a factory with the same kind is already registered.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	kind = strings.ToLower(kind)
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("provider %q already registered", kind))
	}
	factories[kind] = f
}

// Open builds an adapter for the given settings (kind lookup is
// case-insensitive).
func Open(s Settings) (Adapter, error) {
	registryMu.RLock()
	f, exists := factories[strings.ToLower(s.Kind)]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown provider kind: %q (available: %v)", s.Kind, Available())
	}
	return f(s)
}

// Available returns a sorted list of registered adapter kinds.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// IsRegistered returns true if an adapter kind exists (case-insensitive).
func IsRegistered(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := factories[strings.ToLower(kind)]
	return exists
}
