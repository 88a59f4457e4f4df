package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"conduit/internal/adapter/backend"
	"conduit/internal/domain"
	"conduit/internal/infra/config"
)

const testSecret = "s3cret"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend streams its chunks, then returns err or a result whose
// text is the concatenated chunks. With hang set it blocks after the
// first chunk until cancelled.
type scriptedBackend struct {
	desc      domain.BackendDescriptor
	available bool
	chunks    []string
	err       error
	hang      bool

	mu       sync.Mutex
	calls    int
	prompt   string
	opts     domain.ExecuteOptions
	stopped  chan struct{}
	stopOnce sync.Once
}

func newScripted(id string, kind domain.BackendKind, models ...string) *scriptedBackend {
	return &scriptedBackend{
		desc:      domain.BackendDescriptor{ID: id, Name: id, Kind: kind, Models: models, Capabilities: domain.Capabilities{Streaming: true}},
		available: true,
		chunks:    []string{"hello", " ", "world"},
		stopped:   make(chan struct{}),
	}
}

func (s *scriptedBackend) Descriptor() domain.BackendDescriptor { return s.desc }
func (s *scriptedBackend) Available(context.Context) bool       { return s.available }
func (s *scriptedBackend) Models(context.Context) []string      { return s.desc.Models }
func (s *scriptedBackend) Status(context.Context) domain.BackendStatus {
	return domain.BackendStatus{Available: s.available}
}

func (s *scriptedBackend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	if msg := domain.CheckProviderOptions(s.desc.Kind, opts.Provider); msg != "" {
		return domain.OptionsValidation{Errors: []string{msg}}
	}
	return domain.OptionsValidation{Valid: true}
}

func (s *scriptedBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	s.mu.Lock()
	s.calls++
	s.prompt = prompt
	s.opts = opts
	s.mu.Unlock()

	sink := backend.NewChunkSink(ctx, onChunk)
	for i, c := range s.chunks {
		if err := sink.Emit(c); err != nil {
			s.stop()
			return nil, &domain.ExecutionError{BackendID: s.desc.ID, Partial: sink.Text(), Err: err}
		}
		if s.hang && i == 0 {
			<-ctx.Done()
			s.stop()
			return nil, &domain.ExecutionError{BackendID: s.desc.ID, Partial: sink.Text(), Err: domain.Checkpoint(ctx)}
		}
	}
	if s.err != nil {
		return nil, &domain.ExecutionError{BackendID: s.desc.ID, Model: opts.Model, Partial: sink.Text(), Err: s.err}
	}
	return &domain.ExecuteResult{Text: sink.Text(), ModelUsed: opts.Model, BackendID: s.desc.ID}, nil
}

func (s *scriptedBackend) stop() { s.stopOnce.Do(func() { close(s.stopped) }) }

func (s *scriptedBackend) seen() (int, string, domain.ExecuteOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.prompt, s.opts
}

func registryOf(backends ...domain.Backend) *backend.Registry {
	reg := backend.NewRegistry(newTestLogger())
	for _, b := range backends {
		reg.Register(b)
	}
	return reg
}

// startHandler serves srv's handler and returns its base URL.
func startHandler(t *testing.T, srv *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts.URL
}

// startDaemon serves backends behind the full middleware chain.
func startDaemon(t *testing.T, backends ...domain.Backend) *httptest.Server {
	t.Helper()
	srv, err := NewServer(config.DaemonConfig{
		Secret:       testSecret,
		HostName:     "test-host",
		MaxBodyBytes: 1 << 20,
	}, "test", registryOf(backends...), nil, nil, newTestLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts
}

func clientFor(ts *httptest.Server, secret string) *Backend {
	return NewBackend(domain.RemoteEndpoint{
		ID:      "lab",
		Name:    "Lab box",
		BaseURL: ts.URL,
		Secret:  secret,
		Status:  domain.RemoteOnline,
	}, ts.Client(), newTestLogger())
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
