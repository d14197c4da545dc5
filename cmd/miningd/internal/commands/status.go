package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/miningd/internal/store"
)

type StatusCmd struct {
	User string `help:"user id to inspect" required:"" env:"MININGD_USER"`
	JSON bool   `help:"print the raw checkpoint as JSON" default:"false"`

	Store StoreFlags `embed:""`
}

func (c *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogger(globals)

	checkpoints, closeStore, err := c.Store.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := checkpoints.Read(ctx, c.User)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		fmt.Printf("no checkpoint for %s\n", c.User)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	}

	fmt.Printf("user:       %s\n", cp.UserID)
	fmt.Printf("session:    %s (%s)\n", cp.SessionID, cp.Status)
	fmt.Printf("device:     %s\n", cp.DeviceID)
	fmt.Printf("accrued:    %.4f\n", cp.AccruedValue)
	fmt.Printf("elapsed:    %s\n", cp.Elapsed())
	fmt.Printf("checkpoint: %s (%s ago)\n", cp.LastCheckpoint().Format(time.RFC3339), time.Since(cp.LastCheckpoint()).Round(time.Second))
	fmt.Printf("balance:    %.4f\n", cp.Ledger[store.LedgerBalance])
	fmt.Printf("completed:  %.0f sessions\n", cp.Ledger[store.LedgerSessionsCompleted])

	return nil
}
