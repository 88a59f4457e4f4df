package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"conduit/internal/domain"
)

const defaultJournalSize = 256

// Journal keeps the most recent events seen on a bus and mirrors them to
// the debug log.
type Journal struct {
	logger *slog.Logger

	mu     sync.Mutex
	events []domain.Event
	next   int
	full   bool
}

// NewJournal creates a journal holding up to size events.
func NewJournal(size int, logger *slog.Logger) *Journal {
	if size <= 0 {
		size = defaultJournalSize
	}
	return &Journal{logger: logger, events: make([]domain.Event, size)}
}

// Attach subscribes the journal to every event on bus. The returned
// function detaches it.
func (j *Journal) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(j.record)
}

func (j *Journal) record(ctx context.Context, e domain.Event) {
	j.mu.Lock()
	j.events[j.next] = e
	j.next = (j.next + 1) % len(j.events)
	if j.next == 0 {
		j.full = true
	}
	j.mu.Unlock()

	if j.logger != nil {
		j.logger.DebugContext(ctx, "event",
			"type", string(e.Type),
			"channel", e.ChannelID,
			"payload", string(e.Payload),
		)
	}
}

// Recent returns up to n events, oldest first, ordered by timestamp.
// n <= 0 returns everything retained.
func (j *Journal) Recent(n int) []domain.Event {
	j.mu.Lock()
	var out []domain.Event
	if j.full {
		out = append(out, j.events[j.next:]...)
	}
	out = append(out, j.events[:j.next]...)
	j.mu.Unlock()

	// Handlers run concurrently, so arrival order can differ slightly
	// from publish order.
	slices.SortStableFunc(out, func(a, b domain.Event) int { return a.Timestamp.Compare(b.Timestamp) })
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
