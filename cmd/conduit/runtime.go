package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"conduit/internal/adapter/backend"
	"conduit/internal/adapter/remote"
	"conduit/internal/domain"
	"conduit/internal/infra/config"
	"conduit/internal/usecase/eventbus"
	"conduit/internal/usecase/fallback"
	"conduit/internal/usecase/instance"
	"conduit/internal/usecase/orchestrator"
	"conduit/internal/usecase/scheduling"
)

const remoteReplyTimeout = 30 * time.Minute

// components holds everything a subcommand may need, built once from
// config.
type components struct {
	Bus          *eventbus.Bus
	Journal      *eventbus.Journal
	Backends     *backend.Registry
	Resolver     *fallback.Resolver
	Instances    *instance.Registry
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduling.Scheduler
	Endpoints    *remote.EndpointManager
	Reaper       *instance.Reaper
}

// buildComponents wires the registries. Remote endpoints are added only
// when withRemotes is set; a daemon exposes its local backends alone.
func buildComponents(cfg *config.Config, log *slog.Logger, withRemotes bool) (*components, error) {
	bus := eventbus.New(log)
	journal := eventbus.NewJournal(0, log)
	journal.Attach(bus)
	backends := backend.NewRegistry(log,
		backend.WithProbeTimeout(cfg.Health.ProbeTimeout),
		backend.WithEventBus(bus),
	)

	for _, bc := range cfg.Backends {
		b, err := buildBackend(bc, log)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("backend %s: %w", bc.ID, err)
		}
		if breakerEnabled(cfg.CircuitBreaker, bc) {
			b = backend.NewCircuitBreakerBackend(b, cfg.CircuitBreaker, log, bus)
		}
		backends.Register(b)
	}

	resolver := fallback.NewResolver(backends, log,
		fallback.WithEnabled(cfg.Fallback.Enabled),
		fallback.WithChains(fallback.WithFamilies(cfg.Fallback.Chains)),
		fallback.WithEventBus(bus),
	)
	instances := instance.NewRegistry(log,
		instance.WithEventBus(bus),
		instance.WithMaxContextTurns(cfg.Instances.MaxContextTurns),
	)
	orch := orchestrator.New(instances, backends, resolver, log)
	orch.SetPromptBuilder(orchestrator.NewPromptBuilder(cfg.Instances.PromptTurns))
	c := &components{
		Bus:          bus,
		Journal:      journal,
		Backends:     backends,
		Resolver:     resolver,
		Instances:    instances,
		Orchestrator: orch,
		Scheduler:    scheduling.NewScheduler(log),
		Reaper:       instance.NewReaper(instances, cfg.Instances.IdleTimeout, log, bus),
	}

	if withRemotes {
		// Non-streaming daemon replies only arrive once the task is done.
		transport := backend.NewPooledTransport(cfg.Health.ProbeTimeout, remoteReplyTimeout, config.PoolConfig{})
		endpoints, err := remote.NewEndpointManager(backends, &http.Client{Transport: transport}, cfg.Health, bus, log)
		if err != nil {
			bus.Close()
			return nil, err
		}
		if err := endpoints.AddConfigured(cfg.Remotes); err != nil {
			bus.Close()
			return nil, fmt.Errorf("remotes: %w", err)
		}
		c.Endpoints = endpoints
	}
	return c, nil
}

// start runs background policies: the idle reaper, local availability
// sweeps and remote health polls.
func (c *components) start(ctx context.Context, cfg *config.Config) error {
	if err := c.Reaper.Schedule(c.Scheduler, cfg.Instances.ReapSchedule); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}
	c.Scheduler.RegisterAction(scheduling.ActionBackendProbe, func(ctx context.Context) error {
		c.Backends.Sweep(ctx)
		return nil
	})
	if err := c.Scheduler.AddTask(scheduling.Task{
		Name:     "backend-sweep",
		Schedule: cfg.Health.PollSchedule,
		Action:   scheduling.ActionBackendProbe,
	}); err != nil {
		return fmt.Errorf("backend sweep: %w", err)
	}
	if c.Endpoints != nil {
		if err := c.Endpoints.Schedule(c.Scheduler); err != nil {
			return fmt.Errorf("remote health: %w", err)
		}
	}
	c.Scheduler.Start(ctx)
	return nil
}

// refreshRemotes discovers daemons when enabled and polls every endpoint
// once, so availability is known before the first execution.
func (c *components) refreshRemotes(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	if c.Endpoints == nil {
		return
	}
	if cfg.Discovery.MDNS {
		d := remote.NewMDNSDiscoverer(cfg.Discovery.ScanTimeout, log)
		if n, err := c.Endpoints.Discover(ctx, d, cfg.Discovery.Secret); err != nil {
			log.Warn("remote discovery failed", "error", err)
		} else if n > 0 {
			log.Info("remote daemons discovered", "count", n)
		}
	}
	for _, ep := range c.Endpoints.PollAll(ctx) {
		log.Debug("remote endpoint polled", "endpoint", ep.ID, "status", string(ep.Status))
	}
}

func (c *components) close() {
	c.Scheduler.Stop()
	c.Bus.Close()
}

func buildBackend(bc config.BackendConfig, log *slog.Logger) (domain.Backend, error) {
	switch bc.Type {
	case config.BackendOpenAI:
		return backend.NewOpenAIBackend(bc, log), nil
	case config.BackendBedrock:
		return createBedrockBackend(bc, log)
	case config.BackendCLI, config.BackendIDE:
		b, err := backend.NewSubprocessBackend(bc, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

func breakerEnabled(global config.CircuitBreakerConfig, bc config.BackendConfig) bool {
	if bc.CircuitBreaker != nil {
		return *bc.CircuitBreaker
	}
	return global.Enabled
}
