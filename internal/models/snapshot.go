package models

import "time"

// State is the lifecycle position of an accrual session.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// Snapshot is a read-only view of a session, safe to hand to observers.
type Snapshot struct {
	UserID        string
	SessionID     string
	AccruedValue  float64
	ElapsedTime   time.Duration
	RemainingTime time.Duration
	Running       bool
	State         State
}
