package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/usecase/scheduling"
)

// BackendRegistrar is the part of the backend registry the endpoint
// manager writes to.
type BackendRegistrar interface {
	Register(b domain.Backend)
	Unregister(id string) bool
}

// Discoverer finds daemons on the network.
type Discoverer interface {
	Scan(ctx context.Context) ([]domain.RemoteEndpoint, error)
}

type endpointEntry struct {
	ep      domain.RemoteEndpoint
	backend *Backend
}

// EndpointManager owns the known remote daemons. Each endpoint is
// represented in the backend registry by one Backend whose availability
// is refreshed by out-of-band polls.
type EndpointManager struct {
	registry     BackendRegistrar
	client       *http.Client
	probeTimeout time.Duration
	schedule     cron.Schedule
	bus          domain.EventBus
	logger       *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*endpointEntry
	scheduler *scheduling.Scheduler
}

// NewEndpointManager creates a manager that registers remote backends in
// registry. bus may be nil.
func NewEndpointManager(registry BackendRegistrar, client *http.Client, health config.HealthConfig, bus domain.EventBus, logger *slog.Logger) (*EndpointManager, error) {
	schedule, err := scheduling.ParseSchedule(health.PollSchedule)
	if err != nil {
		return nil, fmt.Errorf("health poll schedule: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	timeout := health.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EndpointManager{
		registry:     registry,
		client:       client,
		probeTimeout: timeout,
		schedule:     schedule,
		bus:          bus,
		logger:       logger,
		entries:      make(map[string]*endpointEntry),
	}, nil
}

// AddConfigured adds every statically configured remote.
func (m *EndpointManager) AddConfigured(remotes []config.RemoteConfig) error {
	var errs []error
	for _, rc := range remotes {
		ep := domain.RemoteEndpoint{ID: rc.ID, Name: rc.Name, BaseURL: rc.URL, Secret: rc.Secret}
		if err := m.Add(ep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add registers ep as an unpolled, unavailable backend. If polling has
// been scheduled the endpoint gets its own poll task.
func (m *EndpointManager) Add(ep domain.RemoteEndpoint) error {
	if ep.ID == "" {
		return domain.NewDomainError("EndpointManager.Add", domain.ErrInvalidInput, "empty endpoint id")
	}
	u, err := url.Parse(ep.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewDomainError("EndpointManager.Add", domain.ErrInvalidInput, fmt.Sprintf("endpoint %s: invalid url %q", ep.ID, ep.BaseURL))
	}
	if ep.Status == "" {
		ep.Status = domain.RemoteUnknown
	}

	m.mu.Lock()
	if _, exists := m.entries[ep.ID]; exists {
		m.mu.Unlock()
		return domain.NewDomainError("EndpointManager.Add", domain.ErrDuplicate, ep.ID)
	}
	b := NewBackend(ep, m.client, m.logger)
	m.entries[ep.ID] = &endpointEntry{ep: ep, backend: b}
	sched := m.scheduler
	m.mu.Unlock()

	m.registry.Register(b)
	m.logger.Info("remote endpoint added", "endpoint", ep.ID, "url", ep.BaseURL)

	if sched != nil {
		return m.schedulePoll(sched, ep.ID)
	}
	return nil
}

// Remove forgets the endpoint, its backend and its poll task.
func (m *EndpointManager) Remove(id string) error {
	m.mu.Lock()
	if _, ok := m.entries[id]; !ok {
		m.mu.Unlock()
		return domain.NewDomainError("EndpointManager.Remove", domain.ErrEndpointNotFound, id)
	}
	delete(m.entries, id)
	sched := m.scheduler
	m.mu.Unlock()

	m.registry.Unregister(BackendID(id))
	if sched != nil {
		_ = sched.RemoveDynamicTask(pollTaskID(id))
	}
	m.logger.Info("remote endpoint removed", "endpoint", id)
	return nil
}

// Get returns a copy of the endpoint descriptor.
func (m *EndpointManager) Get(id string) (domain.RemoteEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.RemoteEndpoint{}, domain.NewDomainError("EndpointManager.Get", domain.ErrEndpointNotFound, id)
	}
	return e.ep, nil
}

// List returns every endpoint sorted by id.
func (m *EndpointManager) List() []domain.RemoteEndpoint {
	m.mu.RLock()
	out := make([]domain.RemoteEndpoint, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.ep)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.RemoteEndpoint) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Poll probes one endpoint, bounded by the probe timeout, and records the
// outcome. When the daemon advertises different models, backends or
// capabilities, a fresh Backend replaces the old one under the same id.
// Failures are recorded on the descriptor, not returned.
func (m *EndpointManager) Poll(ctx context.Context, id string) (domain.RemoteEndpoint, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return domain.RemoteEndpoint{}, domain.NewDomainError("EndpointManager.Poll", domain.ErrEndpointNotFound, id)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	health, err := e.backend.Poll(probeCtx)
	cancel()
	if err != nil && errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: health probe timed out after %s", domain.ErrTransport, m.probeTimeout)
		e.backend.MarkUnavailable(err.Error())
	}

	m.mu.Lock()
	cur, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return domain.RemoteEndpoint{}, domain.NewDomainError("EndpointManager.Poll", domain.ErrEndpointNotFound, id)
	}
	prev := cur.ep
	next := prev
	next.LastChecked = time.Now()

	var replacement *Backend
	switch {
	case err == nil && health.Status == "ok":
		next.Status = domain.RemoteOnline
		next.Message = ""
		next.Metadata = map[string]string{"host": health.Host, "os": health.OS, "version": health.Version}
		if advertisementChanged(prev, health) {
			next.BackendIDs = slices.Clone(health.BackendIDs)
			next.Models = slices.Clone(health.Models)
			next.Capabilities = maps.Clone(health.Capabilities)
			replacement = NewBackend(next, m.client, m.logger)
			cur.backend = replacement
		}
	case err == nil:
		next.Status = domain.RemoteUnreachable
		next.Message = fmt.Sprintf("daemon reports status %q", health.Status)
	case errors.Is(err, domain.ErrRemoteAuth):
		next.Status = domain.RemoteAuthFailed
		next.Message = err.Error()
	default:
		next.Status = domain.RemoteUnreachable
		next.Message = err.Error()
	}
	cur.ep = next
	m.mu.Unlock()

	if replacement != nil {
		m.registry.Register(replacement)
		m.logger.Info("remote capabilities refreshed", "endpoint", id, "models", len(next.Models), "backends", len(next.BackendIDs))
	}
	if prev.Status != next.Status {
		m.logger.Info("remote status changed", "endpoint", id, "from", string(prev.Status), "to", string(next.Status), "message", next.Message)
		m.publish(ctx, domain.EventRemoteStatus, map[string]any{
			"endpoint_id": id,
			"status":      next.Status,
			"previous":    prev.Status,
			"message":     next.Message,
		})
	}
	return next, nil
}

// PollAll probes every endpoint concurrently. Each probe has its own
// timeout, so a hanging daemon only delays its own result.
func (m *EndpointManager) PollAll(ctx context.Context) []domain.RemoteEndpoint {
	m.mu.RLock()
	ids := slices.Collect(maps.Keys(m.entries))
	m.mu.RUnlock()
	slices.Sort(ids)

	out := make([]domain.RemoteEndpoint, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := m.Poll(ctx, id)
			if err != nil {
				ep, _ = m.Get(id)
			}
			out[i] = ep
		}()
	}
	wg.Wait()
	return out
}

// Schedule gives every current and future endpoint its own poll task on s.
func (m *EndpointManager) Schedule(s *scheduling.Scheduler) error {
	m.mu.Lock()
	m.scheduler = s
	ids := slices.Collect(maps.Keys(m.entries))
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.schedulePoll(s, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *EndpointManager) schedulePoll(s *scheduling.Scheduler, id string) error {
	return s.AddDynamicTask(pollTaskID(id), m.schedule, func(ctx context.Context) error {
		_, err := m.Poll(ctx, id)
		return err
	})
}

// Discover scans with d and adds endpoints not yet known. secret is
// applied to every discovered daemon.
func (m *EndpointManager) Discover(ctx context.Context, d Discoverer, secret string) (int, error) {
	found, err := d.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover remotes: %w", err)
	}
	added := 0
	for _, ep := range found {
		if ep.Secret == "" {
			ep.Secret = secret
		}
		if err := m.Add(ep); err != nil {
			if !errors.Is(err, domain.ErrDuplicate) {
				m.logger.Warn("discovered endpoint rejected", "endpoint", ep.ID, "error", err)
			}
			continue
		}
		added++
		m.publish(ctx, domain.EventRemoteDiscovered, map[string]any{"endpoint_id": ep.ID, "url": ep.BaseURL})
	}
	return added, nil
}

func (m *EndpointManager) publish(ctx context.Context, t domain.EventType, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewEvent(t, "", payload))
}

func pollTaskID(endpointID string) string { return "remote-health:" + endpointID }

func advertisementChanged(ep domain.RemoteEndpoint, h *domain.HealthResponse) bool {
	return !sameSet(ep.Models, h.Models) ||
		!sameSet(ep.BackendIDs, h.BackendIDs) ||
		!maps.Equal(ep.Capabilities, h.Capabilities)
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}
