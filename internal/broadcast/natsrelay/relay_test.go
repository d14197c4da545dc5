package natsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/miningd/internal/broadcast"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	fail bool
	sent chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.sent <- struct{}{}
	}()

	if f.fail {
		return errors.New("nats: connection closed")
	}
	f.msgs = append(f.msgs, message{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func waitSent(t *testing.T, f *fakePublisher) {
	t.Helper()
	select {
	case <-f.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestRelay_PublishesJSONPerUserSubject(t *testing.T) {
	b := broadcast.New()
	pub := newFakePublisher()
	relay := New(pub, "test.sessions")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	sub := b.Subscribe("", 8)
	go func() {
		relay.Run(ctx, sub)
		close(done)
	}()

	b.Publish(broadcast.Event{Type: broadcast.EventProgress, UserID: "alice", ElapsedMs: 1000})
	waitSent(t, pub)
	b.Publish(broadcast.Event{Type: broadcast.EventCompleted, UserID: "alice", ElapsedMs: 2000})
	waitSent(t, pub)

	msgs := pub.messages()
	require.Len(t, msgs, 2)
	alice := base58.Encode([]byte("alice"))
	require.Equal(t, "test.sessions."+alice+".progress", msgs[0].subject)
	require.Equal(t, "test.sessions."+alice+".completed", msgs[1].subject)

	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(msgs[1].data, &ev))
	require.Equal(t, int64(2000), ev.ElapsedMs)

	cancel()
	<-done
	require.Zero(t, b.Subscribers())
}

func TestRelay_PublishFailureIsNotFatal(t *testing.T) {
	b := broadcast.New()
	pub := newFakePublisher()
	pub.fail = true
	relay := New(pub, "")

	sub := b.Subscribe("", 8)
	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), sub)
		close(done)
	}()

	b.Publish(broadcast.Event{Type: broadcast.EventProgress, UserID: "alice"})
	waitSent(t, pub)
	b.Publish(broadcast.Event{Type: broadcast.EventProgress, UserID: "alice"})
	waitSent(t, pub)

	// closing the subscription ends the relay
	sub.Close()
	<-done
	require.Empty(t, pub.messages())
}

func TestRelay_DefaultPrefix(t *testing.T) {
	r := New(newFakePublisher(), "")
	require.Equal(t, "miningd.sessions."+base58.Encode([]byte("bob"))+".completed",
		r.Subject(broadcast.Event{Type: broadcast.EventCompleted, UserID: "bob"}))
}

func TestRelay_SubjectEncodesUserID(t *testing.T) {
	r := New(newFakePublisher(), "test.sessions")

	for _, userID := range []string{"a.b", "team.*", "ops>", "jane doe", "x\ty"} {
		subject := r.Subject(broadcast.Event{Type: broadcast.EventProgress, UserID: userID})

		tokens := strings.Split(subject, ".")
		require.Len(t, tokens, 4, subject)
		require.NotContains(t, subject, "*")
		require.NotContains(t, subject, ">")
		require.False(t, strings.ContainsAny(subject, " \t\r\n"), subject)

		decoded, err := base58.Decode(tokens[2])
		require.NoError(t, err)
		require.Equal(t, userID, string(decoded))
	}
}
