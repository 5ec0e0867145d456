package exchange

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownExchange is returned when an exchange id has no registered
// factory. Pair loading checks this before any cycle is scheduled.
var ErrUnknownExchange = errors.New("exchange is not registered")

// Factory constructs an adapter on first use.
type Factory func() (Adapter, error)

// Registry resolves an exchange id to a lazily constructed, memoized adapter.
// One instance per id for the process lifetime; resolution is safe for
// concurrent use and guarded by a per-id lock so unrelated venues never block
// each other during construction.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	entries   map[string]*registryEntry
}

type registryEntry struct {
	once    sync.Once
	adapter Adapter
	err     error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		entries:   make(map[string]*registryEntry),
	}
}

// Register installs a factory for the exchange id. Re-registering replaces
// the factory but not an already memoized instance.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeID(id)] = factory
}

// Known reports whether the exchange id has a registered factory. Used at
// pair-load time so a bad id fails as a configuration error, never mid-cycle.
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[normalizeID(id)]
	return ok
}

// Exchanges returns the registered exchange ids.
func (r *Registry) Exchanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	return out
}

// Resolve returns the memoized adapter for the id, constructing it on first
// use. A failed construction is not memoized and is retried on the next call.
func (r *Registry) Resolve(id string) (Adapter, error) {
	key := normalizeID(id)

	r.mu.Lock()
	factory, ok := r.factories[key]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownExchange, "%q", id)
	}
	entry, ok := r.entries[key]
	if !ok {
		entry = &registryEntry{}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.adapter, entry.err = factory()
	})

	if entry.err != nil {
		err := entry.err
		// drop the failed entry so a later call can retry construction
		r.mu.Lock()
		if r.entries[key] == entry {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return nil, errors.Wrapf(err, "construct adapter %q", id)
	}

	return entry.adapter, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
