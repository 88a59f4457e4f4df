package eventbus

import (
	"context"
	"testing"

	"conduit/internal/domain"
)

func BenchmarkPublishSingleSubscriber(b *testing.B) {
	bus := newTestBus()
	ctx := context.Background()
	event := domain.NewEvent(domain.EventFallbackAttempt, "bench-channel", map[string]string{"model": "m"})

	bus.Subscribe(domain.EventFallbackAttempt, func(context.Context, domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishChannelFiltered(b *testing.B) {
	bus := newTestBus()
	ctx := context.Background()
	event := domain.NewEvent(domain.EventInstanceSpawned, "chan-1", nil)

	// Nine subscribers on other channels are skipped without dispatch.
	for i := 0; i < 9; i++ {
		bus.SubscribeChannel(domain.EventInstanceSpawned, "other", func(context.Context, domain.Event) {})
	}
	bus.SubscribeChannel(domain.EventInstanceSpawned, "chan-1", func(context.Context, domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishParallel(b *testing.B) {
	bus := newTestBus()
	event := domain.NewEvent(domain.EventRemoteStatus, "", nil)
	bus.SubscribeAll(func(context.Context, domain.Event) {})

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, event)
		}
	})
	bus.Close()
}

func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := newTestBus()
	ctx := context.Background()
	event := domain.NewEvent(domain.EventBackendRegistered, "", nil)

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
