package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend fails or succeeds per model according to outcomes.
type scriptedBackend struct {
	desc      domain.BackendDescriptor
	available bool
	outcomes  map[string]error
	chunks    map[string][]string

	mu    sync.Mutex
	calls []domain.ExecuteOptions
}

func newScripted(id string, kind domain.BackendKind, models ...string) *scriptedBackend {
	return &scriptedBackend{
		desc:      domain.BackendDescriptor{ID: id, Kind: kind, Models: models},
		available: true,
		outcomes:  map[string]error{},
		chunks:    map[string][]string{},
	}
}

func (s *scriptedBackend) Descriptor() domain.BackendDescriptor { return s.desc }
func (s *scriptedBackend) Available(context.Context) bool       { return s.available }
func (s *scriptedBackend) Models(context.Context) []string      { return s.desc.Models }
func (s *scriptedBackend) Status(context.Context) domain.BackendStatus {
	return domain.BackendStatus{Available: s.available}
}
func (s *scriptedBackend) ValidateOptions(domain.ExecuteOptions) domain.OptionsValidation {
	return domain.OptionsValidation{Valid: true}
}

func (s *scriptedBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.mu.Unlock()

	text := ""
	for _, c := range s.chunks[opts.Model] {
		if onChunk != nil {
			onChunk(c)
		}
		text += c
	}
	if err := s.outcomes[opts.Model]; err != nil {
		return nil, &domain.ExecutionError{BackendID: s.desc.ID, Model: opts.Model, Partial: text, Err: err}
	}
	if text == "" {
		text = "answer from " + opts.Model
	}
	return &domain.ExecuteResult{Text: text, ModelUsed: opts.Model, BackendID: s.desc.ID}, nil
}

func (s *scriptedBackend) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Model
	}
	return out
}

type staticSource []domain.Backend

func (s staticSource) Serving(model string) []domain.Backend {
	var out []domain.Backend
	for _, b := range s {
		if b.Descriptor().Serves(model) {
			out = append(out, b)
		}
	}
	return out
}

var tierChains = NewChains(map[string][]string{"tier": {"tier-1-preview", "tier-1", "tier-0"}})

func TestResolverDegradesToThirdModel(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1-preview", "tier-1", "tier-0")
	b.outcomes["tier-1-preview"] = fmt.Errorf("%w: Rate limit exceeded", domain.ErrRateLimit)
	b.outcomes["tier-1"] = errors.New("Quota exceeded")

	r := NewResolver(staticSource{b}, newTestLogger(), WithChains(tierChains))
	res, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{Model: "tier-1-preview"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "tier-0", res.ModelUsed)
	assert.Equal(t, []string{"tier-1-preview", "tier-1", "tier-0"}, b.models())
}

func TestResolverExhaustionListsAllModels(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1-preview", "tier-1", "tier-0")
	b.outcomes["tier-1-preview"] = domain.ErrRateLimit
	b.outcomes["tier-1"] = domain.ErrRateLimit
	b.outcomes["tier-0"] = domain.ErrServiceUnavailable

	bus := &recordingBus{}
	r := NewResolver(staticSource{b}, newTestLogger(), WithChains(tierChains), WithEventBus(bus))
	_, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{Model: "tier-1-preview"}, nil)

	require.Error(t, err)
	var exhausted *domain.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"tier-1-preview", "tier-1", "tier-0"}, exhausted.Models())
	assert.Contains(t, err.Error(), "tier-1-preview, tier-1, tier-0")
	assert.True(t, errors.Is(err, domain.ErrFallbackExhausted))
	assert.True(t, errors.Is(err, domain.ErrServiceUnavailable), "last error stays reachable")
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))
	assert.False(t, ShouldTriggerFallback(err))

	types := bus.types()
	assert.Equal(t, 3, countOf(types, domain.EventFallbackAttempt))
	assert.Equal(t, 1, countOf(types, domain.EventFallbackExhausted))
}

func TestResolverTerminalErrorDoesNotConsumeStep(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1-preview", "tier-1", "tier-0")
	b.outcomes["tier-1-preview"] = fmt.Errorf("%w: bad key", domain.ErrAuthInvalid)

	r := NewResolver(staticSource{b}, newTestLogger(), WithChains(tierChains))
	_, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{Model: "tier-1-preview"}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuthInvalid))
	var exhausted *domain.ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"tier-1-preview"}, b.models())
}

func TestResolverSwitchesBackendForUnservedModel(t *testing.T) {
	primary := newScripted("cli", domain.KindSubprocessCLI, "tier-1-preview")
	primary.outcomes["tier-1-preview"] = domain.ErrQuotaExceeded
	down := newScripted("down", domain.KindHostedAPI, "tier-1")
	down.available = false
	other := newScripted("api", domain.KindHostedAPI, "tier-1", "tier-0")

	r := NewResolver(staticSource{primary, down, other}, newTestLogger(), WithChains(tierChains))
	res, err := r.Execute(context.Background(), primary, "hi", domain.ExecuteOptions{
		Model:    "tier-1-preview",
		Provider: domain.CLIOptions{ExtraArgs: []string{"--x"}},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "tier-1", res.ModelUsed)
	assert.Equal(t, "api", res.BackendID)
	assert.Empty(t, down.models())
	require.Len(t, other.calls, 1)
	assert.Nil(t, other.calls[0].Provider, "cli options must not reach a hosted backend")
}

func TestResolverSkipsModelsNobodyServes(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1-preview", "tier-0")
	b.outcomes["tier-1-preview"] = domain.ErrRateLimit

	r := NewResolver(staticSource{b}, newTestLogger(), WithChains(tierChains))
	res, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{Model: "tier-1-preview"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "tier-0", res.ModelUsed)
	assert.Equal(t, []string{"tier-1-preview", "tier-0"}, b.models())
}

func TestResolverNoRetryAfterPartialOutput(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1-preview", "tier-1")
	b.chunks["tier-1-preview"] = []string{"half "}
	b.outcomes["tier-1-preview"] = domain.ErrServiceUnavailable

	var got []string
	r := NewResolver(staticSource{b}, newTestLogger(), WithChains(tierChains))
	_, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{Model: "tier-1-preview", Stream: true}, func(c string) {
		got = append(got, c)
	})

	require.Error(t, err)
	var execErr *domain.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "half ", execErr.Partial)
	assert.Equal(t, []string{"half "}, got)
	assert.Equal(t, []string{"tier-1-preview"}, b.models())
}

func TestResolverDisabled(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1-preview", "tier-1")
	b.outcomes["tier-1-preview"] = domain.ErrRateLimit

	r := NewResolver(staticSource{b}, newTestLogger(), WithChains(tierChains), WithEnabled(false))
	_, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{Model: "tier-1-preview"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimit))
	assert.Equal(t, []string{"tier-1-preview"}, b.models())
}

func TestResolverDefaultsToFirstAdvertisedModel(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1", "tier-0")
	r := NewResolver(nil, newTestLogger(), WithChains(tierChains))

	res, err := r.Execute(context.Background(), b, "hi", domain.ExecuteOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tier-1", res.ModelUsed)
}

func TestResolverCancelledBeforeStart(t *testing.T) {
	b := newScripted("api", domain.KindHostedAPI, "tier-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(nil, newTestLogger())
	_, err := r.Execute(ctx, b, "hi", domain.ExecuteOptions{}, nil)
	assert.True(t, domain.IsCancelled(err))
	assert.Empty(t, b.models())
}

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func countOf(types []domain.EventType, t domain.EventType) int {
	n := 0
	for _, v := range types {
		if v == t {
			n++
		}
	}
	return n
}
