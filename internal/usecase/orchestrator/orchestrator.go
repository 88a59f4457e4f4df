// Package orchestrator turns inbound channel messages into backend
// executions: it routes each message to a channel-bound instance, builds
// the prompt from that instance's private context, and runs it through the
// fallback resolver.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conduit/internal/domain"
	"conduit/internal/usecase/fallback"
	"conduit/internal/usecase/instance"
)

// BackendLookup finds backends for an instance. The backend registry
// satisfies it.
type BackendLookup interface {
	Get(id string) (domain.Backend, error)
	Available(ctx context.Context) []domain.Backend
	Serving(model string) []domain.Backend
}

// DispatchRequest is an inbound message from a chat channel.
type DispatchRequest struct {
	ChannelID string
	UserID    string
	Text      string
}

// DispatchResult names the instance a message was routed to.
type DispatchResult struct {
	InstanceID string
	ChannelID  string
	// Shared is true when the target belongs to another user in the
	// channel.
	Shared bool
}

// Orchestrator wires the instance registry to the backends.
type Orchestrator struct {
	instances *instance.Registry
	backends  BackendLookup
	resolver  *fallback.Resolver
	prompts   *PromptBuilder
	locks     *InstanceLocker
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(instances *instance.Registry, backends BackendLookup, resolver *fallback.Resolver, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		instances: instances,
		backends:  backends,
		resolver:  resolver,
		prompts:   NewPromptBuilder(0),
		locks:     NewInstanceLocker(),
		logger:    logger,
	}
}

// SetPromptBuilder replaces the default unbounded prompt builder.
func (o *Orchestrator) SetPromptBuilder(b *PromptBuilder) {
	o.prompts = b
}

// Dispatch validates routing for req and picks the target instance: the
// sender's own instance in the channel, else the oldest one. A channel
// with no instance yields an error wrapping ErrNoActiveAgent.
func (o *Orchestrator) Dispatch(req DispatchRequest) (DispatchResult, error) {
	decision := o.instances.ValidateMessageRouting(req.ChannelID, req.UserID)
	if !decision.Valid {
		return DispatchResult{}, domain.NewDomainError("Orchestrator.Dispatch", domain.ErrNoActiveAgent, req.ChannelID)
	}

	if own, ok := o.instances.InstanceForOwner(req.ChannelID, req.UserID); ok {
		return DispatchResult{InstanceID: own.ID, ChannelID: req.ChannelID}, nil
	}
	return DispatchResult{InstanceID: decision.Instances[0], ChannelID: req.ChannelID, Shared: true}, nil
}

// Handle dispatches req and runs it on the chosen instance.
func (o *Orchestrator) Handle(ctx context.Context, req DispatchRequest, onChunk domain.ChunkFunc) (DispatchResult, *domain.ExecuteResult, error) {
	target, err := o.Dispatch(req)
	if err != nil {
		o.logger.Debug("message not routed", "channel_id", req.ChannelID, "user_id", req.UserID, "error", err)
		return DispatchResult{}, nil, err
	}
	res, err := o.Run(ctx, target.InstanceID, req.Text, onChunk)
	return target, res, err
}

// Run executes text as a user turn on top of the instance's context. The
// user and assistant turns are recorded only when the run succeeds. Runs
// for one instance are serialized.
func (o *Orchestrator) Run(ctx context.Context, instanceID, text string, onChunk domain.ChunkFunc) (*domain.ExecuteResult, error) {
	if text == "" {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrInvalidInput, "empty message")
	}

	unlock, err := o.locks.Lock(ctx, instanceID)
	if err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	defer unlock()

	inst, err := o.instances.Get(instanceID)
	if err != nil {
		return nil, err
	}
	b, err := o.selectBackend(ctx, inst.Config)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.Run", err)
	}

	history, err := o.instances.GetContext(instanceID)
	if err != nil {
		return nil, err
	}
	pending := domain.Turn{Role: domain.RoleUser, Content: text, Timestamp: time.Now()}
	history = append(history, pending)

	kind := b.Descriptor().Kind
	system := inst.Config.SystemPrompt
	provider := providerOptions(kind, inst.Config)
	if carriesSystemPrompt(provider) {
		system = ""
	}

	opts := domain.ExecuteOptions{
		Model:         inst.Config.Model,
		WorkspacePath: inst.Config.WorkspacePath,
		Sandbox:       inst.Config.Sandbox,
		Stream:        onChunk != nil,
		Provider:      provider,
	}

	start := time.Now()
	res, err := o.resolver.Execute(ctx, b, o.prompts.Build(system, history), opts, onChunk)
	if err != nil {
		o.logger.Warn("instance run failed",
			"instance_id", instanceID,
			"channel_id", inst.ChannelID,
			"backend", b.Descriptor().ID,
			"class", domain.Classify(err).String(),
			"error", err,
		)
		return nil, err
	}

	reply := domain.Turn{Role: domain.RoleAssistant, Content: res.Text}
	for _, turn := range []domain.Turn{pending, reply} {
		if err := o.instances.AddToContext(instanceID, turn); err != nil {
			// Destroyed while running; the caller still gets the answer.
			o.logger.Info("instance gone before reply was recorded", "instance_id", instanceID, "error", err)
			break
		}
	}

	o.logger.Info("instance run completed",
		"instance_id", instanceID,
		"channel_id", inst.ChannelID,
		"backend", res.BackendID,
		"model", res.ModelUsed,
		"duration", time.Since(start),
	)
	return res, nil
}

// selectBackend honors a pinned backend id, then a pinned model, then
// takes any available backend.
func (o *Orchestrator) selectBackend(ctx context.Context, cfg domain.InstanceConfig) (domain.Backend, error) {
	if cfg.BackendID != "" {
		return o.backends.Get(cfg.BackendID)
	}
	if cfg.Model != "" {
		for _, b := range o.backends.Serving(cfg.Model) {
			if b.Available(ctx) {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: no available backend serves %q", domain.ErrBackendUnavailable, cfg.Model)
	}
	if avail := o.backends.Available(ctx); len(avail) > 0 {
		return avail[0], nil
	}
	return nil, fmt.Errorf("%w: no backend available", domain.ErrBackendUnavailable)
}

// providerOptions keeps configured options that match kind. Without them
// hosted and remote backends get the system prompt as a typed option.
func providerOptions(kind domain.BackendKind, cfg domain.InstanceConfig) domain.ProviderOptions {
	if cfg.Provider != nil && domain.CheckProviderOptions(kind, cfg.Provider) == "" {
		return cfg.Provider
	}
	if cfg.SystemPrompt == "" {
		return nil
	}
	switch kind {
	case domain.KindHostedAPI:
		return domain.HostedAPIOptions{SystemPrompt: cfg.SystemPrompt}
	case domain.KindRemote:
		return domain.RemoteOptions{SystemPrompt: cfg.SystemPrompt}
	}
	return nil
}

func carriesSystemPrompt(p domain.ProviderOptions) bool {
	switch v := p.(type) {
	case domain.HostedAPIOptions:
		return v.SystemPrompt != ""
	case domain.RemoteOptions:
		return v.SystemPrompt != ""
	}
	return false
}

// IsRoutingRejection reports whether err came from a channel without an
// active instance.
func IsRoutingRejection(err error) bool {
	return errors.Is(err, domain.ErrNoActiveAgent)
}
