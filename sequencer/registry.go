package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateDependency = errors.New("dependency already registered")
	ErrMissingDependency   = errors.New("dependency not registered")
	ErrDependencyType      = errors.New("dependency has a different type")
)

// Dependency is anything a module offers to the modules started after it.
type Dependency = any

// Module is one part of the sequencer's lifecycle. Before Start is called
// the values returned by Dependencies are registered under their keys.
type Module interface {
	Name() string
	Dependencies() map[string]Dependency
	Start(ctx context.Context) error
}

// Stopper is implemented by modules that hold resources.
type Stopper interface {
	Stop() error
}

// Registry maps string keys to the dependencies modules registered.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Dependency
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Dependency)}
}

func (r *Registry) Register(key string, dep Dependency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return errors.Wrap(ErrDuplicateDependency, key)
	}
	r.entries[key] = dep
	return nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns the dependency registered under key as a T.
func Resolve[T any](r *Registry, key string) (T, error) {
	var zero T
	r.mu.RLock()
	dep, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return zero, errors.Wrap(ErrMissingDependency, key)
	}
	v, ok := dep.(T)
	if !ok {
		return zero, errors.Wrapf(ErrDependencyType, "%s is %T, want %T", key, dep, zero)
	}
	return v, nil
}
