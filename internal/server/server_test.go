package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/miningd/internal/accrual"
	"github.com/wolfeidau/miningd/internal/broadcast"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/scheduler"
	"github.com/wolfeidau/miningd/internal/store"
	memorystore "github.com/wolfeidau/miningd/internal/store/memory"
)

type testEnv struct {
	server  *httptest.Server
	clock   *clockwork.FakeClock
	manager *scheduler.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	events := broadcast.New()

	manager, err := scheduler.NewManager(accrual.Config{
		TickInterval:     time.Second,
		IncrementPerTick: 0.00278,
		SessionDuration:  time.Hour,
		DeviceID:         "device-a",
	}, memorystore.NewCheckpointStore(), clock, events)
	require.NoError(t, err)

	srv := NewServer(manager, events, Config{PingInterval: time.Hour})
	ts := httptest.NewServer(srv.Handler(zerolog.Nop()))

	t.Cleanup(func() {
		ts.Close()
		_ = manager.Shutdown(context.Background())
	})

	return &testEnv{server: ts, clock: clock, manager: manager}
}

func (e *testEnv) post(t *testing.T, path string) (int, sessionResponse) {
	t.Helper()

	resp, err := http.Post(e.server.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStopSnapshot(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.post(t, "/v1/users/alice/session/start")
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Running)
	require.Equal(t, "alice", body.UserID)
	require.NotEmpty(t, body.SessionID)
	require.Equal(t, int64(3_600_000), body.RemainingMs)

	resp, err := http.Get(env.server.URL + "/v1/users/alice/session")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, body.SessionID, snap.SessionID)
	require.Equal(t, models.StateRunning, snap.State)

	status, body = env.post(t, "/v1/users/alice/session/stop")
	require.Equal(t, http.StatusOK, status)
	require.False(t, body.Running)
	require.Equal(t, models.StateIdle, body.State)

	// stop is idempotent
	status, _ = env.post(t, "/v1/users/alice/session/stop")
	require.Equal(t, http.StatusOK, status)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/v1/users/alice/session/start")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev broadcast.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestServer_EventStream(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/users/alice/session/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	initial := readEvent(t, conn)
	require.Equal(t, models.StateIdle, initial.State)
	require.False(t, initial.Running)

	status, _ := env.post(t, "/v1/users/alice/session/start")
	require.Equal(t, http.StatusOK, status)

	started := readEvent(t, conn)
	require.Equal(t, broadcast.EventProgress, started.Type)
	require.True(t, started.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))
	env.clock.Advance(time.Second)

	tick := readEvent(t, conn)
	require.Equal(t, int64(1000), tick.ElapsedMs)
	require.InDelta(t, 0.00278, tick.AccruedValue, 1e-9)

	env.post(t, "/v1/users/alice/session/stop")

	done := readEvent(t, conn)
	require.Equal(t, broadcast.EventCompleted, done.Type)
	require.False(t, done.Running)
}

// racingSessions publishes events while its snapshot is being taken, as a
// scheduler tick would when it lands during a websocket upgrade.
type racingSessions struct {
	errSessions
	events *broadcast.Broadcaster
}

func (r racingSessions) Snapshot(userID string) models.Snapshot {
	running := models.Snapshot{
		UserID:        userID,
		SessionID:     "s1",
		ElapsedTime:   time.Second,
		RemainingTime: time.Second,
		Running:       true,
		State:         models.StateRunning,
	}
	stale := running
	stale.ElapsedTime = 500 * time.Millisecond

	ended := running
	ended.RemainingTime = 0
	ended.Running = false
	ended.State = models.StateCompleted

	r.events.Publish(broadcast.NewEvent(broadcast.EventProgress, stale))
	r.events.Publish(broadcast.NewEvent(broadcast.EventCompleted, ended))
	return running
}

func TestServer_EventStreamKeepsEventsDuringSnapshot(t *testing.T) {
	events := broadcast.New()
	srv := NewServer(racingSessions{events: events}, events, Config{PingInterval: time.Hour})
	ts := httptest.NewServer(srv.Handler(zerolog.Nop()))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/users/alice/session/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	initial := readEvent(t, conn)
	require.True(t, initial.Running)
	require.Equal(t, int64(1000), initial.ElapsedMs)

	// the older progress event is skipped, the completion is not lost
	done := readEvent(t, conn)
	require.Equal(t, broadcast.EventCompleted, done.Type)
	require.False(t, done.Running)
}

func TestSupersededBy(t *testing.T) {
	initial := broadcast.Event{SessionID: "s1", ElapsedMs: 2000}

	require.True(t, supersededBy(broadcast.Event{SessionID: "s1", ElapsedMs: 1000}, initial))
	require.False(t, supersededBy(broadcast.Event{SessionID: "s1", ElapsedMs: 2000}, initial))
	require.False(t, supersededBy(broadcast.Event{SessionID: "s1", ElapsedMs: 3000}, initial))
	require.False(t, supersededBy(broadcast.Event{SessionID: "s2", ElapsedMs: 0}, initial))
}

type errSessions struct {
	err error
}

func (e errSessions) Start(ctx context.Context, userID string) (models.Snapshot, error) {
	return models.Snapshot{UserID: userID, State: models.StateIdle}, e.err
}

func (e errSessions) Stop(ctx context.Context, userID string) models.Snapshot {
	return models.Snapshot{UserID: userID, State: models.StateIdle}
}

func (e errSessions) Snapshot(userID string) models.Snapshot {
	return models.Snapshot{UserID: userID, State: models.StateIdle}
}

func TestServer_StartErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: accrual.ErrInvalidUser, status: http.StatusBadRequest},
		{err: accrual.ErrStartAborted, status: http.StatusConflict},
		{err: fmt.Errorf("failed to read checkpoint: %w", store.ErrRemoteUnavailable), status: http.StatusServiceUnavailable},
		{err: scheduler.ErrShuttingDown, status: http.StatusServiceUnavailable},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv := NewServer(errSessions{err: tt.err}, broadcast.New(), Config{})
			ts := httptest.NewServer(srv.Handler(zerolog.Nop()))
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/v1/users/alice/session/start", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tt.status, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestServer_CheckOrigin(t *testing.T) {
	srv := NewServer(errSessions{}, broadcast.New(), Config{AllowedOrigins: []string{"https://app.example.com"}})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.True(t, srv.checkOrigin(r))

	r.Header.Set("Origin", "https://app.example.com")
	require.True(t, srv.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	require.False(t, srv.checkOrigin(r))
}
