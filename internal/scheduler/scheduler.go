package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/accrual"
	"github.com/wolfeidau/miningd/internal/broadcast"
	"github.com/wolfeidau/miningd/internal/models"
)

// Scheduler drives the ticks of one engine on a timer that runs regardless of
// whether any observer is attached.
type Scheduler struct {
	engine *accrual.Engine
	clock  clockwork.Clock
	events broadcast.Publisher

	mu    sync.Mutex
	gen   uint64 // invalidates timers armed before the last Start or Stop
	timer clockwork.Timer
}

// New creates a scheduler for engine publishing to events.
func New(engine *accrual.Engine, clock clockwork.Clock, events broadcast.Publisher) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		engine: engine,
		clock:  clock,
		events: events,
	}
}

// HandleCommand dispatches a Start or Stop command.
func (s *Scheduler) HandleCommand(ctx context.Context, cmd Command) (models.Snapshot, error) {
	switch c := cmd.(type) {
	case Start:
		return s.Start(ctx, c.UserID)
	case Stop:
		return s.Stop(ctx), nil
	default:
		return s.Snapshot(), fmt.Errorf("unknown command %T", cmd)
	}
}

// Start starts or resumes the session and schedules the first tick one interval later.
func (s *Scheduler) Start(ctx context.Context, userID string) (models.Snapshot, error) {
	err := s.engine.Start(ctx, userID)
	switch {
	case errors.Is(err, accrual.ErrAlreadyRunning):
		return s.engine.Snapshot(), nil
	case err != nil:
		return s.engine.Snapshot(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.engine.Snapshot()
	if !snap.Running {
		// stopped between the engine start and here
		return snap, nil
	}

	s.gen++
	s.armLocked(s.gen)
	s.events.Publish(broadcast.NewEvent(broadcast.EventProgress, snap))

	log.Debug().Str("user_id", userID).Dur("interval", s.engine.Config().TickInterval).Msg("ticking")

	return snap, nil
}

// Stop cancels the pending tick, waits for one in flight, then stops the engine.
func (s *Scheduler) Stop(ctx context.Context) models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()

	snap, ended := s.engine.Stop(ctx)
	if ended {
		s.events.Publish(broadcast.NewEvent(broadcast.EventCompleted, snap))
	}
	return snap
}

// Suspend halts ticking and flushes the last checkpoint without ending the session,
// so the next process resumes it through gap reconciliation.
func (s *Scheduler) Suspend(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	return s.engine.Flush(ctx)
}

// Snapshot returns the engine snapshot.
func (s *Scheduler) Snapshot() models.Snapshot {
	return s.engine.Snapshot()
}

// Settled reports whether the scheduler can be dropped without losing state.
func (s *Scheduler) Settled() bool {
	return s.engine.Settled()
}

// Close releases the engine's checkpoint writer.
func (s *Scheduler) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}

// cancelLocked must be called with s.mu held.
func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// armLocked must be called with s.mu held.
func (s *Scheduler) armLocked(gen uint64) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.engine.Config().TickInterval, func() {
		s.fire(gen)
	})
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}

	res, snap, err := s.engine.Tick()
	if err != nil {
		s.timer = nil
		log.Debug().Err(err).Str("user_id", snap.UserID).Msg("tick skipped")
		return
	}

	switch res {
	case accrual.TickContinue:
		s.armLocked(gen)
		s.events.Publish(broadcast.NewEvent(broadcast.EventProgress, snap))
	case accrual.TickCompleted:
		s.timer = nil
		s.events.Publish(broadcast.NewEvent(broadcast.EventProgress, snap))
		s.events.Publish(broadcast.NewEvent(broadcast.EventCompleted, snap))
	}
}
