package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conduit/internal/domain"
)

// Registry holds backends by descriptor id. It is an explicit object owned by
// whoever constructs it; there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]domain.Backend
	order    []string
	logger   *slog.Logger
	bus      domain.EventBus

	// probeTimeout bounds Available. Zero means only the caller's context
	// bounds it.
	probeTimeout time.Duration

	sweepMu   sync.Mutex
	lastSweep map[string]bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProbeTimeout bounds each availability sweep.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.probeTimeout = d }
}

// WithEventBus publishes registration events on bus.
func WithEventBus(bus domain.EventBus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		backends: make(map[string]domain.Backend),
		logger:   logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds b. A later registration under the same id replaces the
// earlier one but keeps its position.
func (r *Registry) Register(b domain.Backend) {
	desc := b.Descriptor()

	r.mu.Lock()
	_, replaced := r.backends[desc.ID]
	r.backends[desc.ID] = b
	if !replaced {
		r.order = append(r.order, desc.ID)
	}
	r.mu.Unlock()

	r.logger.Info("backend registered",
		"backend", desc.ID,
		"kind", string(desc.Kind),
		"models", len(desc.Models),
		"replaced", replaced,
	)
	if r.bus != nil {
		r.bus.Publish(context.Background(), domain.NewEvent(domain.EventBackendRegistered, "", map[string]any{
			"backend_id": desc.ID,
			"kind":       desc.Kind,
			"models":     desc.Models,
			"replaced":   replaced,
		}))
	}
}

// Unregister removes the backend with id. It reports whether one existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[id]; !ok {
		return false
	}
	delete(r.backends, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get retrieves a backend by id.
func (r *Registry) Get(id string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrBackendNotFound, id)
	}
	return b, nil
}

// All returns a snapshot of every registered backend in registration order.
func (r *Registry) All() []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Available probes every backend concurrently and returns the ones that
// report available, in registration order. Each probe runs in its own
// goroutine; a probe still pending when the sweep ends counts as
// unavailable and does not delay the result.
func (r *Registry) Available(ctx context.Context) []domain.Backend {
	all := r.All()
	if len(all) == 0 {
		return nil
	}

	probeCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.probeTimeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, r.probeTimeout)
	}
	defer cancel()

	type probe struct {
		idx int
		ok  bool
	}
	results := make(chan probe, len(all))
	for i, b := range all {
		go func() {
			ok := false
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("availability probe panicked",
						"backend", b.Descriptor().ID,
						"panic", rec,
					)
				}
				results <- probe{idx: i, ok: ok}
			}()
			ok = b.Available(probeCtx)
		}()
	}

	ok := make([]bool, len(all))
collect:
	for received := 0; received < len(all); received++ {
		select {
		case p := <-results:
			ok[p.idx] = p.ok
		case <-probeCtx.Done():
			r.logger.Warn("availability sweep ended with probes pending",
				"pending", len(all)-received,
				"reason", probeCtx.Err(),
			)
			break collect
		}
	}

	out := make([]domain.Backend, 0, len(all))
	for i, b := range all {
		if ok[i] {
			out = append(out, b)
		}
	}
	return out
}

// Sweep runs Available and reports which backends changed state since the
// previous sweep. A backend seen for the first time is reported only when
// it is down.
func (r *Registry) Sweep(ctx context.Context) (up, down []string) {
	avail := make(map[string]bool)
	for _, b := range r.Available(ctx) {
		avail[b.Descriptor().ID] = true
	}

	r.sweepMu.Lock()
	state := make(map[string]bool, len(avail))
	for _, id := range r.IDs() {
		now := avail[id]
		was, seen := r.lastSweep[id]
		switch {
		case now && seen && !was:
			up = append(up, id)
		case !now && (!seen || was):
			down = append(down, id)
		}
		state[id] = now
	}
	r.lastSweep = state
	r.sweepMu.Unlock()

	for _, id := range up {
		r.logger.Info("backend available", "backend", id)
	}
	for _, id := range down {
		r.logger.Warn("backend unavailable", "backend", id)
	}
	if r.bus != nil && len(up)+len(down) > 0 {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventBackendAvailability, "", map[string]any{
			"up":   up,
			"down": down,
		}))
	}
	return up, down
}

// Serving returns the backends whose descriptor lists model, in
// registration order.
func (r *Registry) Serving(model string) []domain.Backend {
	var out []domain.Backend
	for _, b := range r.All() {
		if b.Descriptor().Serves(model) {
			out = append(out, b)
		}
	}
	return out
}
