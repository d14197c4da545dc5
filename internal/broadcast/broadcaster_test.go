package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/miningd/internal/models"
)

func progress(userID string, elapsedMs int64) Event {
	return Event{Type: EventProgress, UserID: userID, ElapsedMs: elapsedMs, Running: true}
}

func TestBroadcaster_FiltersByUser(t *testing.T) {
	b := New()

	alice := b.Subscribe("alice", 4)
	all := b.Subscribe("", 4)
	defer alice.Close()
	defer all.Close()

	b.Publish(progress("bob", 1000))
	b.Publish(progress("alice", 2000))

	require.Equal(t, "alice", (<-alice.Events()).UserID)
	require.Len(t, alice.Events(), 0)

	require.Equal(t, "bob", (<-all.Events()).UserID)
	require.Equal(t, "alice", (<-all.Events()).UserID)
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := New()
	require.NotPanics(t, func() {
		b.Publish(progress("alice", 1000))
	})
	require.Zero(t, b.Subscribers())
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("alice", 2)
	defer sub.Close()

	b.Publish(progress("alice", 1000))
	b.Publish(progress("alice", 2000))
	b.Publish(Event{Type: EventCompleted, UserID: "alice", ElapsedMs: 3000})

	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, int64(2000), first.ElapsedMs)
	require.Equal(t, EventCompleted, second.Type)
}

func TestBroadcaster_OrderedPerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("alice", 128)
	defer sub.Close()

	for i := int64(1); i <= 100; i++ {
		b.Publish(progress("alice", i*1000))
	}

	var last int64
	for i := 0; i < 100; i++ {
		ev := <-sub.Events()
		require.Greater(t, ev.ElapsedMs, last)
		last = ev.ElapsedMs
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("alice", 1)

	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
	require.Zero(t, b.Subscribers())

	// publishing after close is harmless
	b.Publish(progress("alice", 1000))
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("alice", 1)
			time.Sleep(time.Millisecond)
			sub.Close()
		}()
	}

	for i := 0; i < 200; i++ {
		b.Publish(progress("alice", int64(i)))
	}
	wg.Wait()
	require.Zero(t, b.Subscribers())
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventProgress, models.Snapshot{
		UserID:        "alice",
		SessionID:     "s1",
		AccruedValue:  0.0278,
		ElapsedTime:   10 * time.Second,
		RemainingTime: 4*time.Hour - 10*time.Second,
		Running:       true,
		State:         models.StateRunning,
	})

	require.Equal(t, int64(10_000), ev.ElapsedMs)
	require.Equal(t, int64(14_390_000), ev.RemainingMs)
	require.True(t, ev.Running)
	require.Equal(t, models.StateRunning, ev.State)
}
