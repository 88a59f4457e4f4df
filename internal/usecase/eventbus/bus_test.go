package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventInstanceSpawned, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventInstanceSpawned {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventInstanceSpawned))
	bus.Publish(context.Background(), newEvent(domain.EventInstanceDestroyed))
	bus.Close() // drain
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventFallbackAttempt))
	bus.Publish(context.Background(), newEvent(domain.EventRemoteStatus))
	bus.Close()

	assert.Equal(t, int32(2), got.Load())
}

func TestSubscribeChannel(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeChannel(domain.EventInstanceSpawned, "chan-1", func(_ context.Context, e domain.Event) {
		assert.Equal(t, "chan-1", e.ChannelID)
		got.Add(1)
	})

	bus.Publish(context.Background(), domain.NewEvent(domain.EventInstanceSpawned, "chan-1", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventInstanceSpawned, "chan-10", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventInstanceSpawned, "", nil))
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventInstanceSpawned, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	unsubAll()
	bus.Publish(context.Background(), newEvent(domain.EventInstanceSpawned))
	bus.Close()

	assert.Equal(t, int32(0), got.Load())
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventFallbackAttempt, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventFallbackAttempt))
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int32(100), got.Load())
	published, _ := bus.Stats()
	assert.Equal(t, uint64(100), published)
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRemoteStatus, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventRemoteStatus, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventRemoteStatus))
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
	_, panics := bus.Stats()
	assert.Equal(t, uint64(1), panics)
}

func TestHandlersOutliveCancelledPublisher(t *testing.T) {
	bus := newTestBus()

	errCh := make(chan error, 1)
	bus.Subscribe(domain.EventDaemonTaskCompleted, func(ctx context.Context, _ domain.Event) {
		time.Sleep(10 * time.Millisecond)
		errCh <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventDaemonTaskCompleted))
	cancel()
	bus.Close()

	require.Len(t, errCh, 1)
	assert.NoError(t, <-errCh)
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventInstanceReaped, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventInstanceReaped))
	bus.Close() // blocks until the handler finishes
	assert.Equal(t, int32(1), got.Load())

	bus.Publish(context.Background(), newEvent(domain.EventInstanceReaped))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())

	bus.Close() // idempotent
}
