// Package registry implements the Provider Registry (C1): an in-memory,
// versioned snapshot of provider configs reloaded from the SQL
// system-of-record on a fixed poll interval or an explicit Reload call; no
// invalidation channel is subscribed. It
// follows the teacher's "global mutable state as a single-writer,
// many-lock-free-readers registry" design noted for its provider-config
// cache, generalized here from a static config-driven map into something
// reloadable at runtime.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// Loader fetches the full provider set from the system of record.
type Loader interface {
	LoadProviders(ctx context.Context) ([]domain.ProviderConfig, error)
}

// snapshot is the immutable state swapped atomically on reload.
type snapshot struct {
	byID []domain.ProviderConfig
	idx  map[string]int
}

func newSnapshot(providers []domain.ProviderConfig) *snapshot {
	idx := make(map[string]int, len(providers))
	for i, p := range providers {
		idx[p.ID] = i
	}
	return &snapshot{byID: providers, idx: idx}
}

// Registry is the C1 entry point.
type Registry struct {
	ptr    atomic.Pointer[snapshot]
	loader Loader
}

// New builds a Registry and performs a synchronous initial load.
func New(ctx context.Context, loader Loader) (*Registry, error) {
	r := &Registry{loader: loader}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload fetches the current provider set and atomically swaps it in.
// Existing readers mid-request keep using the snapshot they already hold.
func (r *Registry) Reload(ctx context.Context) error {
	providers, err := r.loader.LoadProviders(ctx)
	if err != nil {
		return err
	}
	r.ptr.Store(newSnapshot(providers))
	return nil
}

// RunAutoReload reloads on a fixed interval until ctx is canceled. The app
// runs it in its own goroutine; it is the only reload trigger the app wires.
func (r *Registry) RunAutoReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Reload(ctx)
		}
	}
}

// GetProvider returns the provider by id from the current snapshot.
func (r *Registry) GetProvider(id string) (domain.ProviderConfig, bool) {
	snap := r.ptr.Load()
	if snap == nil {
		return domain.ProviderConfig{}, false
	}
	i, ok := snap.idx[id]
	if !ok {
		return domain.ProviderConfig{}, false
	}
	return snap.byID[i], true
}

// ListVisibleProviders returns every provider userID can see, per C1's
// visibility rule, dropping any provider with zero active keys.
func (r *Registry) ListVisibleProviders(userID string, superuser bool) []domain.ProviderConfig {
	snap := r.ptr.Load()
	if snap == nil {
		return nil
	}
	out := make([]domain.ProviderConfig, 0, len(snap.byID))
	for _, p := range snap.byID {
		if !p.VisibleTo(userID, superuser) {
			continue
		}
		if len(p.ActiveKeys()) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// All returns every provider in the current snapshot, irrespective of
// visibility. Used by internal components (resolver, health monitor) that
// operate across the whole fleet rather than on behalf of one user.
func (r *Registry) All() []domain.ProviderConfig {
	snap := r.ptr.Load()
	if snap == nil {
		return nil
	}
	out := make([]domain.ProviderConfig, len(snap.byID))
	copy(out, snap.byID)
	return out
}
