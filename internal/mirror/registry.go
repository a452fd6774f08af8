// Package mirror holds the authoritative in-memory set of configured
// mirrors and the upstream selection policy, generalizing the teacher's
// ProxyService/UpstreamSource pair (internal/accelerator/proxy.go) from a
// single priority-ordered upstream list to per-prefix, health-aware
// selection backed by the embedded store.
package mirror

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/model"
	"cyp-registry-proxy/internal/proxyerr"
	"cyp-registry-proxy/internal/store"
)

// Registry is the authoritative, in-memory set of mirrors. It is loaded
// from the store at startup; Admin API mutations and probe results write
// through to the store and update the in-memory set in place. Readers (the proxy engine's hot
// path) take the read lock; writers (admin mutations, probe results) take
// the write lock, following the reader-biased locking the request path
// requires.
type Registry struct {
	mu      sync.RWMutex
	byID    map[int64]*model.Mirror
	store   *store.Store
	log     *zap.Logger
}

// New constructs a Registry and performs the initial load from st.
func New(st *store.Store, log *zap.Logger) (*Registry, error) {
	r := &Registry{byID: make(map[int64]*model.Mirror), store: st, log: log}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload discards the in-memory set and rebuilds it from the store.
func (r *Registry) Reload() error {
	mirrors, err := r.store.ListMirrors()
	if err != nil {
		return err
	}
	byID := make(map[int64]*model.Mirror, len(mirrors))
	for _, m := range mirrors {
		byID[m.ID] = m
	}
	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// List returns a snapshot of every mirror, ascending by ID.
func (r *Registry) List() []*model.Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Mirror, 0, len(r.byID))
	for _, m := range r.byID {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the mirror with the given ID.
func (r *Registry) Get(id int64) (*model.Mirror, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// listByPrefix returns every mirror matching prefix, ordered ascending by
// latency (unknown latency sorts last), excluding none — callers filter by
// Selectable as needed.
func (r *Registry) listByPrefix(prefix string) []*model.Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Mirror
	for _, m := range r.byID {
		if m.Prefix == prefix {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Health == model.HealthUnknown && b.Health != model.HealthUnknown {
			return false
		}
		if b.Health == model.HealthUnknown && a.Health != model.HealthUnknown {
			return true
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.ID < b.ID
	})
	return out
}

// ListByPrefix is the exported, read-only view of listByPrefix used by the
// Admin API and the proxy engine's failover loop.
func (r *Registry) ListByPrefix(prefix string) []*model.Mirror {
	return r.listByPrefix(prefix)
}

// Select returns the best candidate mirror for prefix: the lowest-latency
// enabled, healthy mirror, with ties broken by smallest ID. It returns a
// proxyerr NoUpstream error if no mirror qualifies.
func (r *Registry) Select(prefix string) (*model.Mirror, error) {
	candidates := r.listByPrefix(prefix)
	for _, m := range candidates {
		if m.Selectable() {
			return m, nil
		}
	}
	return nil, proxyerr.New(proxyerr.NoUpstream, nil)
}

// Failover returns the next selectable candidate for prefix after
// excluding the mirror IDs already attempted, preserving the same
// latency-ascending ordering Select uses.
func (r *Registry) Failover(prefix string, tried map[int64]bool) (*model.Mirror, error) {
	for _, m := range r.listByPrefix(prefix) {
		if tried[m.ID] || !m.Selectable() {
			continue
		}
		return m, nil
	}
	return nil, proxyerr.New(proxyerr.NoUpstream, nil)
}

// UpdateHealth applies a probe result to both the in-memory copy and the
// store. It is the sole write path the health prober uses, keeping it
// disjoint from admin-driven config mutations.
func (r *Registry) UpdateHealth(id int64, health model.Health, latencyMs int64, consecutiveFailures int, at time.Time) error {
	if err := r.store.UpdateMirrorHealth(id, health, latencyMs, consecutiveFailures, at); err != nil {
		return err
	}
	r.mu.Lock()
	if m, ok := r.byID[id]; ok {
		m.Health = health
		m.LatencyMs = latencyMs
		m.ConsecutiveFailures = consecutiveFailures
		m.LastProbeAt = at
	}
	r.mu.Unlock()
	return nil
}

// Create persists a new mirror and adds it to the in-memory set.
func (r *Registry) Create(m *model.Mirror) (*model.Mirror, error) {
	m.Health = model.HealthUnknown
	id, err := r.store.CreateMirror(m)
	if err != nil {
		return nil, err
	}
	m.ID = id
	r.mu.Lock()
	cp := *m
	r.byID[id] = &cp
	r.mu.Unlock()
	return m, nil
}

// Update overwrites config fields of an existing mirror; health fields are
// left untouched so a PATCH never clobbers the prober's state.
func (r *Registry) Update(id int64, apply func(m *model.Mirror)) (*model.Mirror, error) {
	existing, ok := r.Get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	apply(existing)
	if err := r.store.UpdateMirror(existing); err != nil {
		return nil, err
	}
	r.mu.Lock()
	cp := *existing
	r.byID[id] = &cp
	r.mu.Unlock()
	return existing, nil
}

// Delete removes a mirror from both the store and the in-memory set.
func (r *Registry) Delete(id int64) error {
	if err := r.store.DeleteMirror(id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
	return nil
}

// Toggle flips a mirror's enabled flag and returns the updated copy.
func (r *Registry) Toggle(id int64) (*model.Mirror, error) {
	return r.Update(id, func(m *model.Mirror) { m.Enabled = !m.Enabled })
}
