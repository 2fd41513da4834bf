package events

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Handler receives every event published on the channel it was registered
// under. Handlers run on the publisher's goroutine and must not block;
// slow consumers buffer on their own side.
type Handler func(Event)

// Disposer removes the registration that produced it. Calling it more
// than once is safe, later calls are no-ops.
type Disposer func()

type subscription struct {
	handler Handler
}

// Store is the central in-process pub/sub registry. One Store instance is
// constructed at process start and handed to every endpoint and producer
// that needs it. Nothing here is persisted and nothing crosses a process
// boundary.
type Store struct {
	logger *slog.Logger
	clock  clock.Clock

	mu   sync.RWMutex
	subs map[string][]*subscription
}

func NewStore(logger *slog.Logger, clk clock.Clock) *Store {
	return &Store{
		logger: logger,
		clock:  clk,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe registers handler under channel. The returned Disposer
// captures the registry mutex so it can be called safely at any time
// from the owner of the subscription.
func (s *Store) Subscribe(channel string, handler Handler) Disposer {
	sub := &subscription{handler: handler}

	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			s.subs[channel] = slices.DeleteFunc(s.subs[channel], func(other *subscription) bool {
				return other == sub
			})
			if len(s.subs[channel]) == 0 {
				delete(s.subs, channel)
			}
		})
	}
}

// NewEvent constructs an event stamped with the store's clock. Exposed so
// the streaming endpoints can build their synthetic connected/keepalive
// frames without fanning them out to other subscribers.
func (s *Store) NewEvent(channel, kind string, data any, actorID int64) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      kind,
		Channel:   channel,
		Data:      data,
		Timestamp: s.clock.Now().UnixMilli(),
		ActorID:   actorID,
	}
}

// Publish constructs an event and delivers it synchronously to a snapshot
// of the channel's current subscribers. Subscriptions added or removed
// during delivery do not affect this call. A panicking handler is logged
// and never stops delivery to the rest, and never reaches the publisher.
// Publishing to a channel with no subscribers delivers to nobody and is
// not an error.
func (s *Store) Publish(channel, kind string, data any, actorID int64) Event {
	event := s.NewEvent(channel, kind, data, actorID)

	s.mu.RLock()
	snapshot := make([]*subscription, len(s.subs[channel]))
	copy(snapshot, s.subs[channel])
	s.mu.RUnlock()

	// The lock is never held across a handler invocation so a handler may
	// re-enter Subscribe or a Disposer without deadlocking.
	for _, sub := range snapshot {
		s.deliver(sub, event)
	}
	return event
}

func (s *Store) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber panicked during delivery, isolating",
				"channel", event.Channel, "type", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}
