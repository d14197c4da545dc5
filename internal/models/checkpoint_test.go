package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpoint_Times(t *testing.T) {
	cp := &Checkpoint{ElapsedMs: 90_000, LastCheckpointMs: 1_700_000_000_000}

	require.Equal(t, 90*time.Second, cp.Elapsed())
	require.Equal(t, time.UnixMilli(1_700_000_000_000), cp.LastCheckpoint())
}

func TestCheckpoint_Status(t *testing.T) {
	require.True(t, (&Checkpoint{Status: StatusActive}).IsActive())
	require.False(t, (&Checkpoint{Status: StatusStopped}).IsActive())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusStopped.IsTerminal())
	require.False(t, StatusActive.IsTerminal())
}

func TestCheckpoint_CloneCopiesLedger(t *testing.T) {
	cp := &Checkpoint{UserID: "u1", Ledger: map[string]float64{"balance": 1}}

	clone := cp.Clone()
	clone.Ledger["balance"] = 5

	require.Equal(t, 1.0, cp.Ledger["balance"])
	require.Nil(t, (*Checkpoint)(nil).Clone())
}
