package eviction

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownStrategy is returned by GetStrategy for unregistered names.
var ErrUnknownStrategy = errors.New("unknown eviction strategy")

var (
	strategiesMu sync.RWMutex
	strategies   = make(map[string]func() Strategy)
)

// Register makes a strategy available by name. Strategy packages call it
// from init, so importing them for side effects is enough.
func Register(name string, factory func() Strategy) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	if _, dup := strategies[name]; dup {
		panic("eviction: strategy registered twice: " + name)
	}
	strategies[name] = factory
}

// GetStrategy returns a fresh instance of the named strategy.
func GetStrategy(name string) (Strategy, error) {
	strategiesMu.RLock()
	factory, ok := strategies[name]
	strategiesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownStrategy, name, strings.Join(Strategies(), ", "))
	}
	return factory(), nil
}

// Strategies lists the registered strategy names.
func Strategies() []string {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	return slices.Sorted(maps.Keys(strategies))
}
