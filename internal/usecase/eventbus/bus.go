package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"conduit/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
	// channel, when set, restricts delivery to events for that channel.
	channel string
}

func (s subscription) matches(e domain.Event) bool {
	return s.channel == "" || s.channel == e.ChannelID
}

// Bus is an in-process, goroutine-safe event bus for orchestration events
// such as instance lifecycle, fallback attempts and remote status changes.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool

	published atomic.Uint64
	panics    atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Each handler runs in its own goroutine with a context that
// keeps the publisher's values but not its cancellation, so a finished
// request does not cut short the handlers it triggered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	typed := make([]subscription, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range typed {
		if sub.matches(event) {
			b.dispatch(hctx, event, sub)
		}
	}
	for _, sub := range allSubs {
		if sub.matches(event) {
			b.dispatch(hctx, event, sub)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"channel", event.ChannelID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribeTyped(eventType, subscription{handler: handler})
}

// SubscribeChannel registers a handler for one event type, limited to
// events carrying the given channel id.
func (b *Bus) SubscribeChannel(eventType domain.EventType, channelID string, handler domain.EventHandler) func() {
	return b.subscribeTyped(eventType, subscription{handler: handler, channel: channelID})
}

func (b *Bus) subscribeTyped(eventType domain.EventType, sub subscription) func() {
	id := b.nextID.Add(1)
	sub.id = id

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Stats reports how many events were published and how many handlers
// panicked since the bus was created.
func (b *Bus) Stats() (published, panics uint64) {
	return b.published.Load(), b.panics.Load()
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
