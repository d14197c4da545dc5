package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/accrual"
	"github.com/wolfeidau/miningd/internal/broadcast"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("scheduler manager is shutting down")

// DefaultRetainIdle is the registry size above which settled schedulers are evicted.
const DefaultRetainIdle = 1024

// Option configures a Manager.
type Option func(*Manager)

// WithRetainIdle sets how many schedulers are kept before settled ones are evicted.
func WithRetainIdle(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retainIdle = n
		}
	}
}

// Manager keeps one scheduler per user. Schedulers of users with no running session
// stay registered, so their last snapshot is served, until the registry reaches
// retainIdle and a new user arrives.
type Manager struct {
	cfg        accrual.Config
	store      store.CheckpointStore
	clock      clockwork.Clock
	events     broadcast.Publisher
	retainIdle int

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	starting   map[string]int // Starts in flight per user, their scheduler is never evicted
	closed     bool
}

// NewManager validates cfg up front so a bad profile fails at startup.
func NewManager(cfg accrual.Config, s store.CheckpointStore, clock clockwork.Clock, events broadcast.Publisher, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if events == nil {
		return nil, errors.New("event publisher is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid accrual config: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		store:      s,
		clock:      clock,
		events:     events,
		retainIdle: DefaultRetainIdle,
		schedulers: make(map[string]*Scheduler),
		starting:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the accrual configuration with defaults applied.
func (m *Manager) Config() accrual.Config {
	return m.cfg
}

// acquire returns the user's scheduler, creating it if needed, and marks a Start in
// flight. Callers must call release when the Start returns.
func (m *Manager) acquire(userID string) (*Scheduler, error) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if sch, ok := m.schedulers[userID]; ok {
		m.starting[userID]++
		m.mu.Unlock()
		return sch, nil
	}

	engine, err := accrual.NewEngine(m.cfg, m.store, m.clock)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	var evicted []*Scheduler
	if len(m.schedulers) >= m.retainIdle {
		evicted = m.evictLocked()
	}

	sch := New(engine, m.clock, m.events)
	m.schedulers[userID] = sch
	m.starting[userID]++
	registered := len(m.schedulers)
	m.mu.Unlock()

	for _, old := range evicted {
		// settled writers have nothing queued
		if err := old.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to close evicted scheduler")
		}
	}
	if len(evicted) > 0 {
		log.Debug().Int("evicted", len(evicted)).Int("schedulers", registered).Msg("evicted idle schedulers")
	}

	return sch, nil
}

func (m *Manager) release(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.starting[userID]--; m.starting[userID] <= 0 {
		delete(m.starting, userID)
	}
}

// evictLocked drops every settled scheduler with no Start in flight. Must be called
// with m.mu held.
func (m *Manager) evictLocked() []*Scheduler {
	var evicted []*Scheduler
	for userID, sch := range m.schedulers {
		if m.starting[userID] > 0 || !sch.Settled() {
			continue
		}
		delete(m.schedulers, userID)
		evicted = append(evicted, sch)
	}
	return evicted
}

func (m *Manager) lookup(userID string) *Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.schedulers[userID]
}

func (m *Manager) idle(userID string) models.Snapshot {
	return models.Snapshot{
		UserID:        userID,
		RemainingTime: m.cfg.SessionDuration,
		State:         models.StateIdle,
	}
}

// Start starts or resumes the session for userID.
func (m *Manager) Start(ctx context.Context, userID string) (models.Snapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return m.idle(userID), accrual.ErrInvalidUser
	}

	sch, err := m.acquire(userID)
	if err != nil {
		return m.idle(userID), err
	}
	defer m.release(userID)

	return sch.Start(ctx, userID)
}

// Stop ends the session for userID. Unknown users get an idle snapshot.
func (m *Manager) Stop(ctx context.Context, userID string) models.Snapshot {
	sch := m.lookup(userID)
	if sch == nil {
		return m.idle(userID)
	}
	return sch.Stop(ctx)
}

// Snapshot returns the in-memory view of the user's session.
func (m *Manager) Snapshot(userID string) models.Snapshot {
	sch := m.lookup(userID)
	if sch == nil {
		return m.idle(userID)
	}
	return sch.Snapshot()
}

// HandleCommand routes a command to the user's scheduler.
func (m *Manager) HandleCommand(ctx context.Context, cmd Command) (models.Snapshot, error) {
	switch c := cmd.(type) {
	case Start:
		return m.Start(ctx, c.UserID)
	case Stop:
		return m.Stop(ctx, c.UserID), nil
	default:
		return m.idle(cmd.User()), fmt.Errorf("unknown command %T", cmd)
	}
}

// Len returns the number of registered schedulers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.schedulers)
}

// Running returns the number of sessions currently accruing.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sch := range m.schedulers {
		if sch.Snapshot().Running {
			n++
		}
	}
	return n
}

// Shutdown suspends every session and drains the checkpoint writers. Running
// sessions keep an active checkpoint and resume when the next process starts them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	schedulers := make(map[string]*Scheduler, len(m.schedulers))
	for userID, sch := range m.schedulers {
		schedulers[userID] = sch
	}
	m.mu.Unlock()

	var errs []error
	for userID, sch := range schedulers {
		if err := sch.Suspend(ctx); err != nil {
			errs = append(errs, fmt.Errorf("suspend %s: %w", userID, err))
		}
		if err := sch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", userID, err))
		}
	}

	log.Info().Int("sessions", len(schedulers)).Msg("scheduler manager shut down")

	return errors.Join(errs...)
}
