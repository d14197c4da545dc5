package accrual

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
	"github.com/wolfeidau/miningd/internal/telemetry"
)

type opKind int

const (
	opCheckpoint opKind = iota
	opIncrement
)

type writeOp struct {
	kind       opKind
	checkpoint *models.Checkpoint

	// ledger increment
	userID string
	field  string
	delta  float64
}

// checkpointer is the single background writer for one engine. Ops are applied in
// the order they were queued; a queued active checkpoint is replaced by a newer one
// from the same session, ledger increments are never merged.
type checkpointer struct {
	store   store.CheckpointStore
	timeout time.Duration

	mu      sync.Mutex
	queue   []writeOp
	busy    bool
	drained chan struct{} // closed while the queue is empty and nothing is in flight
	stopped bool

	// lostTerminal is set when a stopped or completed checkpoint failed to write
	// and cleared by the next checkpoint that lands.
	lostTerminal bool

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newCheckpointer(s store.CheckpointStore, timeout time.Duration) *checkpointer {
	drained := make(chan struct{})
	close(drained)

	c := &checkpointer{
		store:   s,
		timeout: timeout,
		drained: drained,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *checkpointer) enqueueCheckpoint(cp *models.Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.queue); n > 0 {
		last := &c.queue[n-1]
		if last.kind == opCheckpoint &&
			last.checkpoint.IsActive() &&
			last.checkpoint.SessionID == cp.SessionID &&
			last.checkpoint.ElapsedMs <= cp.ElapsedMs {
			last.checkpoint = cp
			telemetry.GetMetrics().CheckpointsCoalescedTotal.Add(context.Background(), 1)
			return
		}
	}

	c.pushLocked(writeOp{kind: opCheckpoint, checkpoint: cp})
}

func (c *checkpointer) enqueueIncrement(userID, field string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushLocked(writeOp{kind: opIncrement, userID: userID, field: field, delta: delta})
}

// pushLocked must be called with c.mu held.
func (c *checkpointer) pushLocked(op writeOp) {
	if c.stopped {
		log.Warn().Str("user_id", c.opUser(op)).Msg("checkpoint writer stopped, dropping write")
		return
	}

	if len(c.queue) == 0 && !c.busy {
		c.drained = make(chan struct{})
	}
	c.queue = append(c.queue, op)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *checkpointer) opUser(op writeOp) string {
	if op.kind == opCheckpoint {
		return op.checkpoint.UserID
	}
	return op.userID
}

// Flush waits until every queued op has been applied.
func (c *checkpointer) Flush(ctx context.Context) error {
	c.mu.Lock()
	ch := c.drained
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settled reports whether the queue is empty and no terminal checkpoint was lost.
func (c *checkpointer) settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue) == 0 && !c.busy && !c.lostTerminal
}

func (c *checkpointer) setLostTerminal(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lostTerminal = v
}

// Close applies the remaining queue and stops the writer goroutine.
func (c *checkpointer) Close(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *checkpointer) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.stopCh:
			c.mu.Lock()
			c.stopped = true
			c.mu.Unlock()
			c.drain()
			return
		}
	}
}

func (c *checkpointer) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			if c.busy {
				c.busy = false
				close(c.drained)
			}
			c.mu.Unlock()
			return
		}
		op := c.queue[0]
		c.queue[0] = writeOp{}
		c.queue = c.queue[1:]
		c.busy = true
		c.mu.Unlock()

		c.apply(op)
	}
}

func (c *checkpointer) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m := telemetry.GetMetrics()

	switch op.kind {
	case opCheckpoint:
		cp := op.checkpoint
		started := time.Now()
		err := c.store.Write(ctx, cp)

		m.CheckpointWritesTotal.Add(context.Background(), 1)
		m.CheckpointWriteDuration.Record(context.Background(), float64(time.Since(started).Milliseconds()))

		switch {
		case err == nil:
			c.setLostTerminal(false)
			log.Debug().
				Str("user_id", cp.UserID).
				Str("session_id", cp.SessionID).
				Int64("elapsed_ms", cp.ElapsedMs).
				Str("status", string(cp.Status)).
				Msg("checkpoint written")
		case errors.Is(err, store.ErrStaleCheckpoint):
			m.CheckpointStaleTotal.Add(context.Background(), 1)
			log.Debug().Err(err).Str("user_id", cp.UserID).Msg("checkpoint superseded")
		default:
			if !cp.IsActive() {
				c.setLostTerminal(true)
			}
			m.CheckpointErrorsTotal.Add(context.Background(), 1)
			log.Warn().Err(err).
				Str("user_id", cp.UserID).
				Str("session_id", cp.SessionID).
				Int64("elapsed_ms", cp.ElapsedMs).
				Msg("checkpoint write failed")
		}

	case opIncrement:
		value, err := c.store.Increment(ctx, op.userID, op.field, op.delta)
		if err != nil {
			m.CheckpointErrorsTotal.Add(context.Background(), 1)
			log.Warn().Err(err).
				Str("user_id", op.userID).
				Str("field", op.field).
				Float64("delta", op.delta).
				Msg("ledger increment failed")
			return
		}

		m.LedgerCreditsTotal.Add(context.Background(), 1)
		log.Debug().
			Str("user_id", op.userID).
			Str("field", op.field).
			Float64("value", value).
			Msg("ledger incremented")
	}
}
