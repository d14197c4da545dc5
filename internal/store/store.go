package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/miningd/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrStaleCheckpoint    = errors.New("stale checkpoint")
	ErrRemoteUnavailable  = errors.New("remote state unavailable")
	ErrUnknownLedgerField = errors.New("unknown ledger field")
	ErrThrottled          = errors.New("request throttled")
)

// Ledger fields accepted by Increment.
const (
	LedgerBalance           = "balance"
	LedgerSessionsCompleted = "sessions_completed"
)

// LedgerFields lists every additive field a store must support.
var LedgerFields = []string{LedgerBalance, LedgerSessionsCompleted}

// CheckpointStore is the remote record of session progress, keyed by user id.
type CheckpointStore interface {
	// Read returns the latest checkpoint for the user together with their ledger,
	// or ErrCheckpointNotFound.
	Read(ctx context.Context, userID string) (*models.Checkpoint, error)

	// Write upserts the checkpoint. Within one session a checkpoint with a smaller
	// elapsed time than the stored one is rejected with ErrStaleCheckpoint.
	Write(ctx context.Context, cp *models.Checkpoint) error

	// Increment adds delta to a ledger field and returns the new value.
	Increment(ctx context.Context, userID, field string, delta float64) (float64, error)
}

// ValidateLedgerField returns ErrUnknownLedgerField for fields outside LedgerFields.
func ValidateLedgerField(field string) error {
	for _, f := range LedgerFields {
		if f == field {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownLedgerField, field)
}

// CheckWrite applies the last-writer-wins rule shared by every backend.
// A different session always replaces the stored record. Within the same session the
// elapsed time must not go backwards, and a terminal record is never reopened.
func CheckWrite(existing, incoming *models.Checkpoint) error {
	if existing == nil || existing.SessionID != incoming.SessionID {
		return nil
	}

	if incoming.ElapsedMs < existing.ElapsedMs {
		return fmt.Errorf("%w: session %s elapsed %dms behind stored %dms",
			ErrStaleCheckpoint, incoming.SessionID, incoming.ElapsedMs, existing.ElapsedMs)
	}

	if existing.Status.IsTerminal() && incoming.IsActive() {
		return fmt.Errorf("%w: session %s already %s", ErrStaleCheckpoint, incoming.SessionID, existing.Status)
	}

	return nil
}

// ValidateCheckpoint rejects records no backend should persist.
func ValidateCheckpoint(cp *models.Checkpoint) error {
	switch {
	case cp == nil:
		return errors.New("checkpoint is required")
	case cp.UserID == "":
		return errors.New("checkpoint user id is required")
	case cp.SessionID == "":
		return errors.New("checkpoint session id is required")
	case cp.ElapsedMs < 0:
		return fmt.Errorf("checkpoint elapsed must not be negative: %d", cp.ElapsedMs)
	case cp.AccruedValue < 0:
		return fmt.Errorf("checkpoint accrued value must not be negative: %f", cp.AccruedValue)
	}

	switch cp.Status {
	case models.StatusActive, models.StatusStopped, models.StatusCompleted:
		return nil
	default:
		return fmt.Errorf("checkpoint status %q is invalid", cp.Status)
	}
}
