// Package bus provides the in-process publish/subscribe channel that fans
// out run lifecycle events to observers (e.g. SSE streams).
//
// Delivery is best-effort and in-memory only: events published before a
// subscriber attaches are not replayed, and a subscriber whose buffer is
// full has that event dropped so one slow client cannot block the rest.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// subscriberBuffer sizes each subscriber channel. Large enough to absorb a
// burst of step events while an SSE write is in flight.
const subscriberBuffer = 64

// Bus fans out LogEvents to subscribers keyed by run ID. Multiple
// subscribers per run are supported; each receives every event in publish
// order (subject to buffer drops).
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan model.LogEvent]struct{}
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[uuid.UUID]map[chan model.LogEvent]struct{}),
	}
}

// Publish delivers ev to every subscriber of ev.RunID. Never blocks: a
// subscriber with a full buffer misses this event.
func (b *Bus) Publish(ev model.LogEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}

// Subscribe attaches an observer to a run's event stream. The returned
// cancel function detaches the observer and closes the channel; it is safe
// to call more than once.
func (b *Bus) Subscribe(runID uuid.UUID) (<-chan model.LogEvent, func()) {
	ch := make(chan model.LogEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan model.LogEvent]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], ch)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of attached observers for a run.
func (b *Bus) SubscriberCount(runID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
