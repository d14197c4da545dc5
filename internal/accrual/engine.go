package accrual

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
	"github.com/wolfeidau/miningd/internal/telemetry"
	"github.com/wolfeidau/miningd/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TickResult tells the scheduler whether to keep ticking.
type TickResult int

const (
	TickContinue TickResult = iota
	TickCompleted
)

func (r TickResult) String() string {
	switch r {
	case TickContinue:
		return "continue"
	case TickCompleted:
		return "completed"
	default:
		return fmt.Sprintf("TickResult(%d)", int(r))
	}
}

// Engine owns the state of one accrual session. Memory is authoritative while a
// session runs; the store is written in the background and only read on Start.
type Engine struct {
	cfg    Config
	store  store.CheckpointStore
	clock  clockwork.Clock
	writer *checkpointer

	mu             sync.Mutex
	epoch          uint64 // bumped by Start and Stop to detect a Stop during a Start
	state          models.State
	userID         string
	sessionID      string
	accrued        float64
	elapsed        time.Duration
	lastCheckpoint time.Time

	// ended maps a user to the last session this engine ended. A stored active
	// record for that session means its terminal write was lost.
	ended map[string]string
}

// NewEngine validates cfg and starts the background checkpoint writer.
func NewEngine(cfg Config, s store.CheckpointStore, clock clockwork.Clock) (*Engine, error) {
	if s == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid accrual config: %w", err)
	}

	return &Engine{
		cfg:    cfg,
		store:  s,
		clock:  clock,
		writer: newCheckpointer(s, cfg.CheckpointTimeout),
		state:  models.StateIdle,
		ended:  make(map[string]string),
	}, nil
}

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start begins a session for userID, resuming an active checkpoint if one is stored.
func (e *Engine) Start(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}

	e.mu.Lock()
	if e.state == models.StateRunning || e.state == models.StateStarting {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.epoch++
	epoch := e.epoch
	e.state = models.StateStarting
	e.userID = userID
	e.sessionID = ""
	e.accrued = 0
	e.elapsed = 0
	e.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "accrual.Start",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	cp, err := e.readCheckpoint(ctx, userID)
	if err != nil {
		e.mu.Lock()
		if e.epoch == epoch {
			e.state = models.StateIdle
		}
		e.mu.Unlock()

		span.SetStatus(codes.Error, err.Error())
		return err
	}

	resumed, err := e.commitStart(epoch, userID, cp)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("resumed", resumed))

	// the reconciled state is persisted before the first tick is scheduled
	if err := e.writer.Flush(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("initial checkpoint not confirmed")
	}

	return nil
}

// readCheckpoint waits for earlier writes to land, then reads the stored record.
// A missing record returns nil with no error.
func (e *Engine) readCheckpoint(ctx context.Context, userID string) (*models.Checkpoint, error) {
	if err := e.writer.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush pending checkpoints: %w", err)
	}

	cp, err := e.store.Read(ctx, userID)
	switch {
	case err == nil:
		return cp, nil
	case errors.Is(err, store.ErrCheckpointNotFound):
		return nil, nil
	case errors.Is(err, store.ErrRemoteUnavailable):
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	default:
		return nil, fmt.Errorf("failed to read checkpoint: %w: %w", store.ErrRemoteUnavailable, err)
	}
}

func (e *Engine) commitStart(epoch uint64, userID string, cp *models.Checkpoint) (bool, error) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != epoch || e.state != models.StateStarting {
		log.Info().Str("user_id", userID).Msg("start aborted by stop")
		return false, ErrStartAborted
	}

	ctx := context.Background()
	m := telemetry.GetMetrics()
	resumed := cp != nil && cp.IsActive()
	if resumed && cp.SessionID == e.ended[userID] {
		log.Warn().
			Str("user_id", userID).
			Str("session_id", cp.SessionID).
			Int64("elapsed_ms", cp.ElapsedMs).
			Msg("stored checkpoint belongs to an ended session, starting fresh")
		resumed = false
	}

	if resumed {
		rec := Reconcile(cp, now, e.cfg)

		e.sessionID = cp.SessionID
		e.accrued = rec.Accrued
		e.elapsed = rec.Elapsed

		if rec.ClockAnomaly {
			m.ClockAnomaliesTotal.Add(ctx, 1)
			log.Warn().
				Str("user_id", userID).
				Int64("last_checkpoint_ms", cp.LastCheckpointMs).
				Int64("now_ms", now.UnixMilli()).
				Msg("checkpoint is in the future, treating gap as zero")
		}

		if cp.DeviceID != "" && cp.DeviceID != e.cfg.DeviceID {
			m.DeviceConflictsTotal.Add(ctx, 1)
			log.Warn().
				Str("user_id", userID).
				Str("session_id", cp.SessionID).
				Str("stored_device_id", cp.DeviceID).
				Str("device_id", e.cfg.DeviceID).
				Msg("resuming session last written by another device")
		}

		m.SessionsResumedTotal.Add(ctx, 1)
		m.GapReconciledSeconds.Record(ctx, rec.Gap.Seconds())

		log.Info().
			Str("user_id", userID).
			Str("session_id", e.sessionID).
			Dur("gap", rec.Gap).
			Int64("elapsed_ms", util.Millis(e.elapsed)).
			Float64("credit", rec.Credit).
			Float64("accrued", e.accrued).
			Msg("session resumed")
	} else {
		e.sessionID = NewSessionID()
		e.accrued = 0
		e.elapsed = 0

		m.SessionsStartedTotal.Add(ctx, 1)

		log.Info().
			Str("user_id", userID).
			Str("session_id", e.sessionID).
			Msg("session started")
	}

	e.state = models.StateRunning
	m.ActiveSessions.Add(ctx, 1)
	e.checkpointLocked(models.StatusActive)

	return resumed, nil
}

// Tick applies one accrual step. A session that reaches its duration completes in
// the same tick and the final interval is credited.
func (e *Engine) Tick() (TickResult, models.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != models.StateRunning {
		return TickCompleted, e.snapshotLocked(), ErrNotRunning
	}

	switch {
	case e.elapsed >= e.cfg.SessionDuration:
		// resumed at the boundary, nothing left to accrue
	case e.elapsed+e.cfg.TickInterval <= e.cfg.SessionDuration:
		// a tick landing exactly on the duration is credited, then completes below
		e.accrued += e.cfg.IncrementPerTick
		e.elapsed += e.cfg.TickInterval
	default:
		e.elapsed = e.cfg.SessionDuration
	}

	telemetry.GetMetrics().TicksTotal.Add(context.Background(), 1)

	if e.elapsed >= e.cfg.SessionDuration {
		e.finishLocked(models.StatusCompleted)
		return TickCompleted, e.snapshotLocked(), nil
	}

	e.checkpointLocked(models.StatusActive)
	return TickContinue, e.snapshotLocked(), nil
}

// Stop ends a running session and waits for its final checkpoint. It returns the
// final snapshot and whether a session was ended. Calling it again is a no-op.
func (e *Engine) Stop(ctx context.Context) (models.Snapshot, bool) {
	e.mu.Lock()
	e.epoch++

	ended := false
	switch e.state {
	case models.StateStarting:
		e.state = models.StateIdle
	case models.StateRunning:
		e.finishLocked(models.StatusStopped)
		ended = true
	}

	snap := e.snapshotLocked()
	e.mu.Unlock()

	if ended {
		if err := e.writer.Flush(ctx); err != nil {
			log.Warn().Err(err).Str("user_id", snap.UserID).Msg("final checkpoint not confirmed")
		}
	}

	return snap, ended
}

// Snapshot returns the current session view without touching the store.
func (e *Engine) Snapshot() models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshotLocked()
}

// Settled reports whether the engine holds nothing the store lacks: no session is
// running or starting, the writer is idle and the last terminal checkpoint landed.
func (e *Engine) Settled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == models.StateRunning || e.state == models.StateStarting {
		return false
	}
	return e.writer.settled()
}

// Flush waits for queued checkpoints and ledger credits to be applied.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writer.Flush(ctx)
}

// Close drains the checkpoint writer. A running session is left as is so it can be
// resumed by the next process.
func (e *Engine) Close(ctx context.Context) error {
	return e.writer.Close(ctx)
}

// finishLocked ends the session with a terminal checkpoint followed by the ledger
// credits. Must be called with e.mu held.
func (e *Engine) finishLocked(status models.CheckpointStatus) {
	ctx := context.Background()
	m := telemetry.GetMetrics()

	e.checkpointLocked(status)
	e.ended[e.userID] = e.sessionID

	if e.accrued > 0 {
		e.writer.enqueueIncrement(e.userID, store.LedgerBalance, e.accrued)
	}

	if status == models.StatusCompleted {
		e.writer.enqueueIncrement(e.userID, store.LedgerSessionsCompleted, 1)
		e.state = models.StateCompleted
		m.SessionsCompletedTotal.Add(ctx, 1)
	} else {
		e.state = models.StateIdle
		m.SessionsStoppedTotal.Add(ctx, 1)
	}
	m.ActiveSessions.Add(ctx, -1)

	log.Info().
		Str("user_id", e.userID).
		Str("session_id", e.sessionID).
		Str("status", string(status)).
		Int64("elapsed_ms", util.Millis(e.elapsed)).
		Float64("accrued", e.accrued).
		Msg("session ended")
}

// checkpointLocked queues the current state. Must be called with e.mu held.
func (e *Engine) checkpointLocked(status models.CheckpointStatus) {
	e.lastCheckpoint = e.clock.Now()

	e.writer.enqueueCheckpoint(&models.Checkpoint{
		UserID:           e.userID,
		SessionID:        e.sessionID,
		DeviceID:         e.cfg.DeviceID,
		AccruedValue:     e.accrued,
		ElapsedMs:        util.Millis(e.elapsed),
		LastCheckpointMs: util.UnixMillis(e.lastCheckpoint),
		Status:           status,
	})
}

func (e *Engine) snapshotLocked() models.Snapshot {
	return models.Snapshot{
		UserID:        e.userID,
		SessionID:     e.sessionID,
		AccruedValue:  e.accrued,
		ElapsedTime:   e.elapsed,
		RemainingTime: e.cfg.SessionDuration - e.elapsed,
		Running:       e.state == models.StateRunning,
		State:         e.state,
	}
}
