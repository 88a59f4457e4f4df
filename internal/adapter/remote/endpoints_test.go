package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/adapter/backend"
	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/usecase/scheduling"
)

func newManager(t *testing.T, reg *backend.Registry, bus domain.EventBus, timeout time.Duration) *EndpointManager {
	t.Helper()
	m, err := NewEndpointManager(reg, nil, config.HealthConfig{PollSchedule: "@every 30s", ProbeTimeout: timeout}, bus, newTestLogger())
	require.NoError(t, err)
	return m
}

func TestEndpointManagerAdd(t *testing.T) {
	reg := backend.NewRegistry(newTestLogger())
	m := newManager(t, reg, nil, time.Second)

	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "lab", BaseURL: "http://10.0.0.5:7420"}))
	assert.ErrorIs(t, m.Add(domain.RemoteEndpoint{ID: "lab", BaseURL: "http://10.0.0.6:7420"}), domain.ErrDuplicate)
	assert.ErrorIs(t, m.Add(domain.RemoteEndpoint{BaseURL: "http://x"}), domain.ErrInvalidInput)
	assert.ErrorIs(t, m.Add(domain.RemoteEndpoint{ID: "bad", BaseURL: "ftp://x"}), domain.ErrInvalidInput)
	assert.ErrorIs(t, m.Add(domain.RemoteEndpoint{ID: "bad", BaseURL: "not a url"}), domain.ErrInvalidInput)

	ep, err := m.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, domain.RemoteUnknown, ep.Status)

	b, err := reg.Get("remote:lab")
	require.NoError(t, err)
	assert.False(t, b.Available(context.Background()))

	require.NoError(t, m.Remove("lab"))
	_, err = reg.Get("remote:lab")
	assert.ErrorIs(t, err, domain.ErrBackendNotFound)
	assert.ErrorIs(t, m.Remove("lab"), domain.ErrEndpointNotFound)
}

func TestEndpointManagerAddConfigured(t *testing.T) {
	m := newManager(t, backend.NewRegistry(newTestLogger()), nil, time.Second)
	err := m.AddConfigured([]config.RemoteConfig{
		{ID: "b", URL: "http://10.0.0.2:7420"},
		{ID: "a", URL: "https://10.0.0.1:7420", Secret: "x"},
		{ID: "", URL: "http://10.0.0.3:7420"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestPollRefreshesCapabilitiesUnderSameID(t *testing.T) {
	ts := startDaemon(t, newScripted("claude", domain.KindSubprocessCLI, "sonnet", "opus"))
	reg := backend.NewRegistry(newTestLogger())
	bus := &recordingBus{}
	m := newManager(t, reg, bus, time.Second)
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "lab", BaseURL: ts.URL, Secret: testSecret}))

	before, err := reg.Get("remote:lab")
	require.NoError(t, err)
	assert.Empty(t, before.Descriptor().Models)

	ep, err := m.Poll(context.Background(), "lab")
	require.NoError(t, err)
	assert.Equal(t, domain.RemoteOnline, ep.Status)
	assert.Equal(t, []string{"claude"}, ep.BackendIDs)
	assert.Equal(t, "test-host", ep.Metadata["host"])
	assert.False(t, ep.LastChecked.IsZero())

	after, err := reg.Get("remote:lab")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, "remote:lab", after.Descriptor().ID)
	assert.Equal(t, []string{"opus", "sonnet"}, after.Descriptor().Models)
	assert.True(t, after.Available(context.Background()))
	assert.Equal(t, []string{"remote:lab"}, reg.IDs())
	assert.Equal(t, 1, bus.count(domain.EventRemoteStatus))

	// Unchanged advertisement keeps the same backend.
	_, err = m.Poll(context.Background(), "lab")
	require.NoError(t, err)
	again, _ := reg.Get("remote:lab")
	assert.Same(t, after, again)
	assert.Equal(t, 1, bus.count(domain.EventRemoteStatus), "no status change, no event")
}

func TestPollAuthFailure(t *testing.T) {
	ts := startDaemon(t, newScripted("claude", domain.KindSubprocessCLI))
	reg := backend.NewRegistry(newTestLogger())
	bus := &recordingBus{}
	m := newManager(t, reg, bus, time.Second)
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "lab", BaseURL: ts.URL, Secret: "wrong"}))

	ep, err := m.Poll(context.Background(), "lab")
	require.NoError(t, err, "probe failures are recorded, not returned")
	assert.Equal(t, domain.RemoteAuthFailed, ep.Status)
	assert.NotEmpty(t, ep.Message)
	assert.Empty(t, reg.Available(context.Background()))
	assert.Equal(t, 1, bus.count(domain.EventRemoteStatus))
}

func TestHealthTimeoutDoesNotBlockSiblings(t *testing.T) {
	release := make(chan struct{})
	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer hanging.Close()
	defer close(release)

	healthy := startDaemon(t, newScripted("claude", domain.KindSubprocessCLI, "sonnet"))

	reg := backend.NewRegistry(newTestLogger(), backend.WithProbeTimeout(time.Second))
	m := newManager(t, reg, nil, 150*time.Millisecond)
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "hang", BaseURL: hanging.URL}))
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "ok", BaseURL: healthy.URL, Secret: testSecret}))

	start := time.Now()
	eps := m.PollAll(context.Background())
	elapsed := time.Since(start)

	require.Len(t, eps, 2)
	assert.Equal(t, "hang", eps[0].ID)
	assert.Equal(t, domain.RemoteUnreachable, eps[0].Status)
	assert.Contains(t, eps[0].Message, "timed out")
	assert.Equal(t, "ok", eps[1].ID)
	assert.Equal(t, domain.RemoteOnline, eps[1].Status)
	assert.Less(t, elapsed, 2*time.Second)

	avail := reg.Available(context.Background())
	require.Len(t, avail, 1)
	assert.Equal(t, "remote:ok", avail[0].Descriptor().ID)

	hangBackend, err := reg.Get("remote:hang")
	require.NoError(t, err)
	assert.False(t, hangBackend.Available(context.Background()))
}

func TestScheduledPolls(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, domain.HealthResponse{Status: "ok", Host: "h", BackendIDs: []string{"x"}})
	}))
	defer ts.Close()

	reg := backend.NewRegistry(newTestLogger())
	m, err := NewEndpointManager(reg, ts.Client(), config.HealthConfig{PollSchedule: "20ms", ProbeTimeout: time.Second}, nil, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "a", BaseURL: ts.URL}))

	s := scheduling.NewScheduler(newTestLogger())
	require.NoError(t, m.Schedule(s))
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "b", BaseURL: ts.URL + "/"}))
	assert.True(t, s.HasDynamicTask(pollTaskID("a")))
	assert.True(t, s.HasDynamicTask(pollTaskID("b")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		a, _ := m.Get("a")
		b, _ := m.Get("b")
		return a.Status == domain.RemoteOnline && b.Status == domain.RemoteOnline
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, int(hits.Load()), 2)

	require.NoError(t, m.Remove("b"))
	assert.False(t, s.HasDynamicTask(pollTaskID("b")))
}

type staticDiscoverer []domain.RemoteEndpoint

func (d staticDiscoverer) Scan(context.Context) ([]domain.RemoteEndpoint, error) { return d, nil }

func TestDiscoverAddsUnknownEndpoints(t *testing.T) {
	reg := backend.NewRegistry(newTestLogger())
	bus := &recordingBus{}
	m := newManager(t, reg, bus, time.Second)
	require.NoError(t, m.Add(domain.RemoteEndpoint{ID: "known", BaseURL: "http://10.0.0.1:7420"}))

	n, err := m.Discover(context.Background(), staticDiscoverer{
		{ID: "known", BaseURL: "http://10.0.0.1:7420"},
		{ID: "new", BaseURL: "http://10.0.0.2:7420"},
		{ID: "broken", BaseURL: "::"},
	}, "lan-secret")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, bus.count(domain.EventRemoteDiscovered))

	b, err := reg.Get("remote:new")
	require.NoError(t, err)
	assert.Equal(t, "lan-secret", b.(*Backend).Endpoint().Secret)
}

func TestAdvertisementChanged(t *testing.T) {
	ep := domain.RemoteEndpoint{Models: []string{"a", "b"}, BackendIDs: []string{"x"}, Capabilities: map[string]bool{"streaming": true}}
	assert.False(t, advertisementChanged(ep, &domain.HealthResponse{Models: []string{"b", "a"}, BackendIDs: []string{"x"}, Capabilities: map[string]bool{"streaming": true}}))
	assert.True(t, advertisementChanged(ep, &domain.HealthResponse{Models: []string{"a"}, BackendIDs: []string{"x"}, Capabilities: map[string]bool{"streaming": true}}))
	assert.True(t, advertisementChanged(ep, &domain.HealthResponse{Models: []string{"a", "b"}, BackendIDs: []string{"x"}, Capabilities: map[string]bool{"streaming": false}}))
}
