package instance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"conduit/internal/domain"
	"conduit/internal/usecase/scheduling"
)

// Reaper destroys instances that have been idle longer than a TTL. The
// registry itself has no expiry policy; the reaper applies one from the
// outside.
type Reaper struct {
	registry *Registry
	ttl      time.Duration
	logger   *slog.Logger
	bus      domain.EventBus
	now      func() time.Time
}

// NewReaper creates a reaper for registry. A non-positive ttl disables
// reaping.
func NewReaper(registry *Registry, ttl time.Duration, logger *slog.Logger, bus domain.EventBus) *Reaper {
	return &Reaper{
		registry: registry,
		ttl:      ttl,
		logger:   logger,
		bus:      bus,
		now:      registry.now,
	}
}

// Reap destroys every instance idle since before now-ttl and returns how
// many were removed. An instance destroyed concurrently is skipped.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	if r.ttl <= 0 {
		return 0, nil
	}

	cutoff := r.now().Add(-r.ttl)
	reaped := 0
	for _, id := range r.registry.IdleSince(cutoff) {
		if err := domain.Checkpoint(ctx); err != nil {
			return reaped, err
		}
		inst, err := r.registry.Destroy(id)
		if errors.Is(err, domain.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
		r.logger.Info("idle instance reaped",
			"instance_id", inst.ID,
			"channel_id", inst.ChannelID,
			"idle_since", inst.LastActivity,
		)
		if r.bus != nil {
			r.bus.Publish(ctx, domain.NewEvent(domain.EventInstanceReaped, inst.ChannelID, map[string]any{
				"instance_id":   inst.ID,
				"last_activity": inst.LastActivity,
				"ttl":           r.ttl.String(),
			}))
		}
	}
	return reaped, nil
}

// Schedule registers the reaper on s under schedule. It does nothing
// when reaping is disabled.
func (r *Reaper) Schedule(s *scheduling.Scheduler, schedule string) error {
	if r.ttl <= 0 {
		return nil
	}
	s.RegisterAction(scheduling.ActionInstanceReap, func(ctx context.Context) error {
		_, err := r.Reap(ctx)
		return err
	})
	return s.AddTask(scheduling.Task{
		Name:     "instance-reaper",
		Schedule: schedule,
		Action:   scheduling.ActionInstanceReap,
	})
}
