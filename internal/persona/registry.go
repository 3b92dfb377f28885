package persona

import (
	"sync"
	"sync/atomic"
)

// Registry publishes the current catalog. Readers take a snapshot once
// per turn; writers swap in a new catalog, so a turn never observes a
// half-applied change.
type Registry struct {
	current atomic.Pointer[Catalog]
	mu      sync.Mutex // serializes writers
}

// NewRegistry creates a registry serving c.
func NewRegistry(c *Catalog) *Registry {
	r := &Registry{}
	r.current.Store(c)
	return r
}

// Snapshot returns the catalog in effect right now.
func (r *Registry) Snapshot() *Catalog {
	return r.current.Load()
}

// SetDefault switches the default mode. Turns already holding a snapshot
// are unaffected.
func (r *Registry) SetDefault(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.current.Load().WithDefault(key)
	if err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

// Replace installs a freshly loaded catalog.
func (r *Registry) Replace(c *Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(c)
}
