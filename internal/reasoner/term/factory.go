package term

import (
	"fmt"
	"sort"
	"sync"
)

// StoreKindMemory is the default store kind.
const StoreKindMemory = "memory"

// Constructor builds an empty store of some kind.
type Constructor[T Term] func(initialSize int) Store[T]

var (
	kindsMu sync.RWMutex
	kinds   = map[string]any{}
)

// RegisterKind makes a store implementation available to NewStore under name.
// Registering the same name twice replaces the earlier constructor.
func RegisterKind[T Term](name string, ctor Constructor[T]) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[name] = ctor
}

// NewStore builds a store by configured kind. The memory kind is always available.
func NewStore[T Term](kind string, initialSize int) (Store[T], error) {
	if kind == "" || kind == StoreKindMemory {
		return NewMemoryStore[T](initialSize), nil
	}

	kindsMu.RLock()
	registered, ok := kinds[kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStore, kind, Kinds())
	}

	ctor, ok := registered.(Constructor[T])
	if !ok {
		return nil, fmt.Errorf("%w: %q was registered for a different term type", ErrUnknownStore, kind)
	}
	return ctor(initialSize), nil
}

// Kinds lists the registered store kinds, the memory kind included.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	out := []string{StoreKindMemory}
	for name := range kinds {
		if name != StoreKindMemory {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
