package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerBackend wraps a Backend with circuit breaker protection.
// While the circuit is open, Execute fails fast with ErrServiceUnavailable
// and Available reports false, so the fallback resolver moves on instead of
// hammering a failing backend.
type CircuitBreakerBackend struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[*domain.ExecuteResult]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerBackend(inner domain.Backend, cfg config.CircuitBreakerConfig, logger *slog.Logger, bus domain.EventBus) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	id := inner.Descriptor().ID
	cb := gobreaker.NewCircuitBreaker[*domain.ExecuteResult](gobreaker.Settings{
		Name:        "backend:" + id,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if bus != nil {
				bus.Publish(context.Background(), domain.NewEvent(domain.EventBreakerChanged, "", map[string]string{
					"backend_id": id,
					"from":       from.String(),
					"to":         to.String(),
				}))
			}
		},
		IsSuccessful: countsAsSuccess,
	})

	return &CircuitBreakerBackend{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// countsAsSuccess keeps caller-side failures out of the breaker's counts:
// cancellation and bad input say nothing about the backend's health.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	return domain.IsCancelled(err) || errors.Is(err, domain.ErrInvalidInput)
}

// Execute implements domain.Backend. Calls are routed through the breaker.
func (b *CircuitBreakerBackend) Execute(ctx context.Context, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	res, err := b.breaker.Execute(func() (*domain.ExecuteResult, error) {
		return b.inner.Execute(ctx, prompt, opts, onChunk)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ExecutionError{
				BackendID: b.inner.Descriptor().ID,
				Model:     opts.Model,
				Err:       fmt.Errorf("%w: circuit %s", domain.ErrServiceUnavailable, err),
			}
		}
		return nil, err
	}
	return res, nil
}

// Available implements domain.Backend. An open circuit is unavailable.
func (b *CircuitBreakerBackend) Available(ctx context.Context) bool {
	if b.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return b.inner.Available(ctx)
}

// Status implements domain.Backend and reports the breaker state.
func (b *CircuitBreakerBackend) Status(ctx context.Context) domain.BackendStatus {
	st := b.inner.Status(ctx)
	if st.Metadata == nil {
		st.Metadata = make(map[string]string)
	}
	state := b.breaker.State()
	st.Metadata["circuit"] = state.String()
	if state == gobreaker.StateOpen {
		st.Available = false
		if st.Message == "" {
			st.Message = "circuit open after repeated failures"
		}
	}
	return st
}

// Descriptor implements domain.Backend.
func (b *CircuitBreakerBackend) Descriptor() domain.BackendDescriptor { return b.inner.Descriptor() }

// Models implements domain.Backend.
func (b *CircuitBreakerBackend) Models(ctx context.Context) []string { return b.inner.Models(ctx) }

// ValidateOptions implements domain.Backend.
func (b *CircuitBreakerBackend) ValidateOptions(opts domain.ExecuteOptions) domain.OptionsValidation {
	return b.inner.ValidateOptions(opts)
}

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

// Unwrap returns the wrapped backend.
func (b *CircuitBreakerBackend) Unwrap() domain.Backend { return b.inner }

var _ domain.Backend = (*CircuitBreakerBackend)(nil)
