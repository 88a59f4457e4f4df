// Package instance holds channel-bound agent instances. The Registry is
// the only authority for deciding which instances receive a channel's
// messages.
package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"conduit/internal/domain"
)

// channelTailLen is how many trailing channel characters go into an id.
// It only aids humans reading logs; routing never looks at ids.
const channelTailLen = 8

// shortIDLen is the length of the operator-facing short id.
const shortIDLen = 8

// Registry stores agent instances and their private context. All
// mutations are serialized by one lock, so concurrent spawns and destroys
// for the same channel cannot corrupt the per-channel index.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*domain.AgentInstance
	byChannel map[string][]string // channel id → instance ids in spawn order
	entropy   io.Reader

	logger     *slog.Logger
	bus        domain.EventBus
	now        func() time.Time
	maxContext int
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventBus publishes instance lifecycle events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMaxContextTurns caps each instance's context; the oldest turns are
// dropped first. Zero means unbounded.
func WithMaxContextTurns(n int) Option {
	return func(r *Registry) { r.maxContext = n }
}

// NewRegistry creates an empty instance registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		byID:      make(map[string]*domain.AgentInstance),
		byChannel: make(map[string][]string),
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.entropy = ulid.Monotonic(rand.New(rand.NewSource(r.now().UnixNano())), 0)
	return r
}

// Spawn creates an active instance permanently bound to channelID. A
// channel may host several instances only when their owners differ.
func (r *Registry) Spawn(agentType, channelID, ownerID string, cfg domain.InstanceConfig) (*domain.AgentInstance, error) {
	switch {
	case agentType == "":
		return nil, domain.NewDomainError("Registry.Spawn", domain.ErrInvalidInput, "agent type is required")
	case channelID == "":
		return nil, domain.NewDomainError("Registry.Spawn", domain.ErrInvalidInput, "channel id is required")
	}

	r.mu.Lock()
	for _, id := range r.byChannel[channelID] {
		if existing := r.byID[id]; existing.OwnerID == ownerID {
			r.mu.Unlock()
			return nil, domain.NewDomainError("Registry.Spawn", domain.ErrDuplicate,
				fmt.Sprintf("owner %q already has instance %s in channel %s", ownerID, existing.ID, channelID))
		}
	}

	now := r.now()
	inst := &domain.AgentInstance{
		ID:           r.newID(agentType, channelID, now),
		ChannelID:    channelID,
		OwnerID:      ownerID,
		AgentType:    agentType,
		State:        domain.InstanceActive,
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.byID[inst.ID] = inst
	r.byChannel[channelID] = append(r.byChannel[channelID], inst.ID)
	snap := snapshot(inst)
	r.mu.Unlock()

	r.logger.Info("instance spawned",
		"instance_id", snap.ID,
		"channel_id", channelID,
		"owner_id", ownerID,
		"agent_type", agentType,
		"backend", cfg.BackendID,
	)
	r.publish(domain.EventInstanceSpawned, snap)
	return snap, nil
}

// newID must be called with r.mu held; the monotonic entropy source is
// not safe for concurrent use.
func (r *Registry) newID(agentType, channelID string, t time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(t), r.entropy)
	return fmt.Sprintf("%s-%s-%s", sanitize(agentType), channelTail(channelID), strings.ToLower(id.String()))
}

// Get returns a snapshot of the instance with id.
func (r *Registry) Get(id string) (*domain.AgentInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.byID[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrInstanceNotFound, id)
	}
	return snapshot(inst), nil
}

// InstancesForChannel is the authoritative routing lookup: it returns the
// instances whose bound channel id equals channelID exactly, in spawn
// order.
func (r *Registry) InstancesForChannel(channelID string) []*domain.AgentInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byChannel[channelID]
	out := make([]*domain.AgentInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, snapshot(r.byID[id]))
	}
	return out
}

// InstanceForOwner returns ownerID's instance in channelID, if any.
func (r *Registry) InstanceForOwner(channelID, ownerID string) (*domain.AgentInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byChannel[channelID] {
		if inst := r.byID[id]; inst.OwnerID == ownerID {
			return snapshot(inst), true
		}
	}
	return nil, false
}

// AddToContext appends turn to one instance's private context and marks
// the instance active now.
func (r *Registry) AddToContext(id string, turn domain.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return domain.NewDomainError("Registry.AddToContext", domain.ErrInstanceNotFound, id)
	}
	now := r.now()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	inst.Context = append(inst.Context, turn)
	if r.maxContext > 0 && len(inst.Context) > r.maxContext {
		inst.Context = slices.Clone(inst.Context[len(inst.Context)-r.maxContext:])
	}
	inst.LastActivity = now
	return nil
}

// GetContext returns a copy of one instance's context.
func (r *Registry) GetContext(id string) ([]domain.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.byID[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.GetContext", domain.ErrInstanceNotFound, id)
	}
	return slices.Clone(inst.Context), nil
}

// ValidateMessageRouting reports whether channelID has any active
// instance. userID does not affect validity; dispatchers use it to pick
// among the returned instances.
func (r *Registry) ValidateMessageRouting(channelID, userID string) domain.RoutingDecision {
	r.mu.RLock()
	ids := slices.Clone(r.byChannel[channelID])
	r.mu.RUnlock()

	if len(ids) == 0 {
		r.logger.Debug("routing rejected", "channel_id", channelID, "user_id", userID)
		return domain.RoutingDecision{Valid: false, Reason: domain.ErrNoActiveAgent.Error()}
	}
	return domain.RoutingDecision{Valid: true, Instances: ids}
}

// Destroy removes the instance from every index and discards its context
// in one step. The returned snapshot is in the destroyed state.
func (r *Registry) Destroy(id string) (*domain.AgentInstance, error) {
	r.mu.Lock()
	inst, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NewDomainError("Registry.Destroy", domain.ErrInstanceNotFound, id)
	}
	delete(r.byID, id)
	ids := slices.DeleteFunc(r.byChannel[inst.ChannelID], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(r.byChannel, inst.ChannelID)
	} else {
		r.byChannel[inst.ChannelID] = ids
	}
	inst.State = domain.InstanceDestroyed
	inst.Context = nil
	snap := snapshot(inst)
	r.mu.Unlock()

	r.logger.Info("instance destroyed", "instance_id", id, "channel_id", snap.ChannelID)
	r.publish(domain.EventInstanceDestroyed, snap)
	return snap, nil
}

// Touch marks the instance active now.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return domain.NewDomainError("Registry.Touch", domain.ErrInstanceNotFound, id)
	}
	inst.LastActivity = r.now()
	return nil
}

// IdleSince returns the ids of instances with no activity after cutoff,
// oldest activity first. Expiry policy belongs to the caller.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*domain.AgentInstance
	for _, inst := range r.byID {
		if inst.LastActivity.Before(cutoff) {
			idle = append(idle, inst)
		}
	}
	slices.SortFunc(idle, func(a, b *domain.AgentInstance) int {
		return a.LastActivity.Compare(b.LastActivity)
	})
	ids := make([]string, len(idle))
	for i, inst := range idle {
		ids[i] = inst.ID
	}
	return ids
}

// Summary counts live instances by channel and agent type.
func (r *Registry) Summary() domain.InstanceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := domain.InstanceSummary{
		Total:     len(r.byID),
		ByChannel: make(map[string]int, len(r.byChannel)),
		ByType:    make(map[string]int),
	}
	for ch, ids := range r.byChannel {
		s.ByChannel[ch] = len(ids)
	}
	for _, inst := range r.byID {
		s.ByType[inst.AgentType]++
	}
	return s
}

// FindByShortID matches instances whose id, or whose ULID part, starts
// with short. It is an operator convenience for commands like "stop
// 01jb2x4k". Two channels can share a leading substring, so the result
// must never decide message delivery; use InstancesForChannel for that.
func (r *Registry) FindByShortID(short string) []*domain.AgentInstance {
	short = strings.ToLower(strings.TrimSpace(short))
	if short == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.AgentInstance
	for id, inst := range r.byID {
		if strings.HasPrefix(id, short) || strings.HasPrefix(ulidPart(id), short) {
			out = append(out, snapshot(inst))
		}
	}
	slices.SortFunc(out, func(a, b *domain.AgentInstance) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ShortID returns the operator-facing short form of an instance id.
func ShortID(id string) string {
	u := ulidPart(id)
	if len(u) > shortIDLen {
		return u[:shortIDLen]
	}
	return u
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) publish(t domain.EventType, inst *domain.AgentInstance) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), domain.NewEvent(t, inst.ChannelID, map[string]any{
		"instance_id": inst.ID,
		"owner_id":    inst.OwnerID,
		"agent_type":  inst.AgentType,
		"state":       inst.State,
	}))
}

// snapshot copies inst so callers never alias registry state.
func snapshot(inst *domain.AgentInstance) *domain.AgentInstance {
	cp := *inst
	cp.Context = slices.Clone(inst.Context)
	return &cp
}

func ulidPart(id string) string {
	if i := strings.LastIndexByte(id, '-'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func channelTail(channelID string) string {
	s := sanitize(channelID)
	if len(s) > channelTailLen {
		return s[len(s)-channelTailLen:]
	}
	return s
}

// sanitize keeps letters and digits so id segments never contain the
// '-' separator.
func sanitize(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if c < unicode.MaxASCII && (unicode.IsLetter(c) || unicode.IsDigit(c)) {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}
