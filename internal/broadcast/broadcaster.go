package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/telemetry"
)

const defaultBuffer = 16

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Broadcaster fans events out to subscribers. Subscribers never own the publisher
// and may come and go at any time.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

var _ Publisher = (*Broadcaster)(nil)

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscription receives events for one user, or for every user when userID is empty.
type Subscription struct {
	b      *Broadcaster
	userID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Subscribe registers a new subscription with the given channel buffer.
func (b *Broadcaster) Subscribe(userID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	sub := &Subscription{
		b:      b,
		userID: userID,
		ch:     make(chan Event, buffer),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	log.Debug().Str("user_id", userID).Int("buffer", buffer).Msg("subscriber added")

	return sub
}

// Publish delivers ev to every matching subscriber. It never blocks: when a
// subscriber's buffer is full the oldest queued event is dropped.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		sub.deliver(ev)
	}
}

// Subscribers returns the number of registered subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Events returns the receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	m := telemetry.GetMetrics()

	for {
		select {
		case s.ch <- ev:
			m.BroadcastPublishedTotal.Add(context.Background(), 1)
			return
		default:
		}

		// full, make room by discarding the oldest event
		select {
		case <-s.ch:
			m.BroadcastDroppedTotal.Add(context.Background(), 1)
			log.Debug().Str("user_id", ev.UserID).Msg("subscriber buffer full, dropped oldest event")
		default:
		}
	}
}
