package broadcast

import (
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/util"
)

// EventType distinguishes progress updates from the end of a session.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
)

// Event is what observers receive after every tick and once per session end.
type Event struct {
	Type         EventType    `json:"type"`
	UserID       string       `json:"user_id"`
	SessionID    string       `json:"session_id"`
	AccruedValue float64      `json:"accrued_value"`
	ElapsedMs    int64        `json:"elapsed_ms"`
	RemainingMs  int64        `json:"remaining_ms"`
	Running      bool         `json:"running"`
	State        models.State `json:"state"`
}

// NewEvent builds an event from a session snapshot.
func NewEvent(t EventType, snap models.Snapshot) Event {
	return Event{
		Type:         t,
		UserID:       snap.UserID,
		SessionID:    snap.SessionID,
		AccruedValue: snap.AccruedValue,
		ElapsedMs:    util.Millis(snap.ElapsedTime),
		RemainingMs:  util.Millis(snap.RemainingTime),
		Running:      snap.Running,
		State:        snap.State,
	}
}
