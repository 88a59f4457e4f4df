package fallback

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"conduit/internal/domain"
	"conduit/internal/infra/tracer"
)

// BackendSource finds backends that advertise a model. The backend
// registry satisfies it.
type BackendSource interface {
	Serving(model string) []domain.Backend
}

// Resolver executes a prompt and, on retryable failure, walks the
// requested model's degradation chain. Terminal failures propagate
// untouched.
type Resolver struct {
	backends BackendSource
	chains   *Chains
	logger   *slog.Logger
	bus      domain.EventBus
	enabled  bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithChains replaces the built-in chains.
func WithChains(c *Chains) Option {
	return func(r *Resolver) { r.chains = c }
}

// WithEventBus publishes fallback.attempt and fallback.exhausted events.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Resolver) { r.bus = bus }
}

// WithEnabled turns chain walking on or off. When off, the first failure
// is returned as is.
func WithEnabled(enabled bool) Option {
	return func(r *Resolver) { r.enabled = enabled }
}

// NewResolver creates a resolver over backends.
func NewResolver(backends BackendSource, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		backends: backends,
		chains:   DefaultChains(),
		logger:   logger,
		enabled:  true,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Chains returns the chains in use.
func (r *Resolver) Chains() *Chains { return r.chains }

// Execute runs prompt on primary with opts.Model (or primary's default
// model) and degrades along the chain on retryable failures. Each retry
// uses primary when it serves the next model, otherwise the first
// available registered backend that does. The result's ModelUsed always
// names the model that actually answered.
//
// A retryable failure after output has already been streamed to onChunk
// is not retried: replaying from another model would break the
// incremental-chunk guarantee, so the error (with its partial text) is
// returned instead.
func (r *Resolver) Execute(ctx context.Context, primary domain.Backend, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	requested := opts.Model
	if requested == "" {
		if models := primary.Descriptor().Models; len(models) > 0 {
			requested = models[0]
		}
	}

	ctx, span := tracer.StartSpan(ctx, "fallback.execute",
		trace.WithAttributes(
			tracer.StringAttr("fallback.requested", requested),
			tracer.StringAttr("fallback.backend", primary.Descriptor().ID),
		),
	)
	defer span.End()

	res, attempts, err := r.run(ctx, primary, requested, prompt, opts, onChunk)
	span.SetAttributes(tracer.IntAttr("fallback.attempts", attempts))
	tracer.Finish(span, err)
	return res, err
}

func (r *Resolver) run(ctx context.Context, primary domain.Backend, requested, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, int, error) {
	var (
		attempts  []domain.Attempt
		tried     = []string{requested}
		model     = requested
		candidate = primary
	)

	for {
		if err := domain.Checkpoint(ctx); err != nil {
			return nil, len(attempts), err
		}

		res, delivered, err := r.attempt(ctx, candidate, model, prompt, opts, onChunk)
		r.publishAttempt(ctx, candidate, requested, model, len(attempts)+1, err)
		if err == nil {
			if res.ModelUsed == "" {
				res.ModelUsed = model
			}
			if res.BackendID == "" {
				res.BackendID = candidate.Descriptor().ID
			}
			if model != requested {
				r.logger.Info("fallback served request",
					"requested", requested,
					"model", res.ModelUsed,
					"backend", res.BackendID,
					"attempts", len(attempts)+1,
				)
			}
			return res, len(attempts) + 1, nil
		}
		attempts = append(attempts, domain.Attempt{BackendID: candidate.Descriptor().ID, Model: model, Err: err})

		c := Classify(err)
		if !c.Retryable() || !r.enabled {
			return nil, len(attempts), err
		}
		if delivered {
			r.logger.Warn("retryable failure after partial output, not falling back",
				"backend", candidate.Descriptor().ID,
				"model", model,
				"error", err,
			)
			return nil, len(attempts), err
		}

		r.logger.Warn("retryable backend failure",
			"backend", candidate.Descriptor().ID,
			"model", model,
			"error", err,
		)

		// Advance to the next model that some backend can serve. Models
		// without one are recorded as attempts so the exhausted error
		// still lists them.
		for {
			next, ok := r.chains.NextFallback(requested, tried)
			if !ok {
				exhausted := &domain.ExhaustedError{Requested: requested, Attempts: attempts, Last: err}
				r.publishExhausted(ctx, exhausted)
				return nil, len(attempts), exhausted
			}
			tried = append(tried, next)
			if b := r.pick(ctx, primary, next); b != nil {
				model, candidate = next, b
				break
			}
			attempts = append(attempts, domain.Attempt{
				Model: next,
				Err:   fmt.Errorf("%w: no available backend serves %q", domain.ErrModelNotFound, next),
			})
		}
	}
}

// attempt runs one execution and reports whether any chunk was delivered.
func (r *Resolver) attempt(ctx context.Context, b domain.Backend, model, prompt string, opts domain.ExecuteOptions, onChunk domain.ChunkFunc) (*domain.ExecuteResult, bool, error) {
	o := opts
	o.Model = model
	// Provider options are typed per backend kind and cannot follow a
	// fallback onto a backend of another kind.
	if o.Provider != nil && o.Provider.Kind() != b.Descriptor().Kind {
		o.Provider = nil
	}

	delivered := false
	var forward domain.ChunkFunc
	if onChunk != nil {
		forward = func(delta string) {
			delivered = true
			onChunk(delta)
		}
	}
	res, err := b.Execute(ctx, prompt, o, forward)
	return res, delivered, err
}

// pick prefers primary, then the first available backend serving model.
func (r *Resolver) pick(ctx context.Context, primary domain.Backend, model string) domain.Backend {
	if primary.Descriptor().Serves(model) {
		return primary
	}
	if r.backends == nil {
		return nil
	}
	for _, b := range r.backends.Serving(model) {
		if b.Available(ctx) {
			return b
		}
	}
	return nil
}

func (r *Resolver) publishAttempt(ctx context.Context, b domain.Backend, requested, model string, n int, err error) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"backend_id": b.Descriptor().ID,
		"requested":  requested,
		"model":      model,
		"attempt":    n,
		"class":      Classify(err).Class.String(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.bus.Publish(ctx, domain.NewEvent(domain.EventFallbackAttempt, "", payload))
}

func (r *Resolver) publishExhausted(ctx context.Context, e *domain.ExhaustedError) {
	r.logger.Error("fallback chain exhausted",
		"requested", e.Requested,
		"models", e.Models(),
		"error", e.Last,
	)
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(domain.EventFallbackExhausted, "", map[string]any{
		"requested": e.Requested,
		"models":    e.Models(),
		"error":     e.Last.Error(),
	}))
}
