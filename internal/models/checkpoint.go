package models

import (
	"maps"
	"time"
)

// CheckpointStatus records whether the session behind a checkpoint is still accruing.
type CheckpointStatus string

const (
	StatusActive    CheckpointStatus = "active"
	StatusStopped   CheckpointStatus = "stopped"
	StatusCompleted CheckpointStatus = "completed"
)

// IsTerminal returns true for statuses written when a session has ended.
func (s CheckpointStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// Checkpoint is the durable record of a user's mining session.
// Times are stored as integer milliseconds so every backend keeps the same precision.
type Checkpoint struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id,omitempty"`

	AccruedValue     float64          `json:"accrued_value"`
	ElapsedMs        int64            `json:"elapsed_ms"`
	LastCheckpointMs int64            `json:"last_checkpoint_ms"`
	Status           CheckpointStatus `json:"status"`

	// Ledger holds the user's additive counters (balance, sessions_completed).
	// It is populated on read and ignored on write.
	Ledger map[string]float64 `json:"ledger,omitempty"`
}

// Elapsed returns the session time already accrued.
func (c *Checkpoint) Elapsed() time.Duration {
	return time.Duration(c.ElapsedMs) * time.Millisecond
}

// LastCheckpoint returns the wall-clock time of the write.
func (c *Checkpoint) LastCheckpoint() time.Time {
	return time.UnixMilli(c.LastCheckpointMs)
}

// IsActive returns true when the checkpoint belongs to a session that was still running.
func (c *Checkpoint) IsActive() bool {
	return c.Status == StatusActive
}

// Clone returns a deep copy so stores never share ledger maps with callers.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Ledger != nil {
		clone.Ledger = maps.Clone(c.Ledger)
	}
	return &clone
}
