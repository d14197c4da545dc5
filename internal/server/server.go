package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/miningd/internal/accrual"
	"github.com/wolfeidau/miningd/internal/broadcast"
	httpmiddleware "github.com/wolfeidau/miningd/internal/http"
	"github.com/wolfeidau/miningd/internal/logger"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/scheduler"
	"github.com/wolfeidau/miningd/internal/store"
	"github.com/wolfeidau/miningd/internal/util"
)

// Sessions is the command side of the scheduler manager.
type Sessions interface {
	Start(ctx context.Context, userID string) (models.Snapshot, error)
	Stop(ctx context.Context, userID string) models.Snapshot
	Snapshot(userID string) models.Snapshot
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe(userID string, buffer int) *broadcast.Subscription
}

// Config holds HTTP and websocket settings.
type Config struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	EventBuffer    int
}

// DefaultConfig returns production websocket timings.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		EventBuffer:    64,
	}
}

// Server exposes session commands and the event stream over HTTP.
type Server struct {
	sessions Sessions
	events   Subscriber
	cfg      Config
	upgrader websocket.Upgrader
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// NewServer creates a server over sessions and events.
func NewServer(sessions Sessions, events Subscriber, cfg Config) *Server {
	cfg.ApplyDefaults()

	s := &Server{
		sessions: sessions,
		events:   events,
		cfg:      cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/users/{user_id}/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/users/{user_id}/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/users/{user_id}/session", s.handleSnapshot)
	mux.HandleFunc("GET /v1/users/{user_id}/session/events", s.handleEvents)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	return httpmiddleware.Chain(mux,
		logger.HTTPRequests(log),
		httpmiddleware.ClientIPMiddleware(),
		corsMiddleware.Handler,
	)
}

type sessionResponse struct {
	UserID       string       `json:"user_id"`
	SessionID    string       `json:"session_id,omitempty"`
	AccruedValue float64      `json:"accrued_value"`
	ElapsedMs    int64        `json:"elapsed_ms"`
	RemainingMs  int64        `json:"remaining_ms"`
	Running      bool         `json:"running"`
	State        models.State `json:"state"`
}

func newSessionResponse(snap models.Snapshot) sessionResponse {
	return sessionResponse{
		UserID:       snap.UserID,
		SessionID:    snap.SessionID,
		AccruedValue: snap.AccruedValue,
		ElapsedMs:    util.Millis(snap.ElapsedTime),
		RemainingMs:  util.Millis(snap.RemainingTime),
		Running:      snap.Running,
		State:        snap.State,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	snap, err := s.sessions.Start(r.Context(), userID)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("user_id", userID).Msg("start failed")
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Stop(r.Context(), r.PathValue("user_id"))
	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot(r.PathValue("user_id"))
	writeJSON(w, http.StatusOK, newSessionResponse(snap))
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, accrual.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, accrual.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, store.ErrRemoteUnavailable),
		errors.Is(err, store.ErrThrottled),
		errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
