package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/store/journal"
)

type JournalCmd struct {
	Compact JournalCompactCmd `cmd:"" help:"Rewrite the journal as its live state and archive the old file"`
	Restore JournalRestoreCmd `cmd:"" help:"Decompress an archived journal"`
}

type JournalCompactCmd struct {
	Journal JournalStoreFlags `embed:"" prefix:"journal-"`
}

func (c *JournalCompactCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogger(globals)

	js, err := journal.Open(c.Journal.config())
	if err != nil {
		return err
	}
	defer func() {
		if err := js.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close journal")
		}
	}()

	before := js.Records()
	if err := js.Compact(ctx); err != nil {
		return fmt.Errorf("failed to compact journal: %w", err)
	}

	fmt.Printf("compacted %d records to %d\n", before, js.Records())
	return nil
}

type JournalRestoreCmd struct {
	Archive string `arg:"" help:"archived journal (.zst) to restore" type:"existingfile"`
	Output  string `help:"output path, defaults to the archive name without .zst" default:""`
}

func (c *JournalRestoreCmd) Run(globals *Globals) error {
	setupLogger(globals)

	output := c.Output
	if output == "" {
		output = strings.TrimSuffix(filepath.Base(c.Archive), ".zst")
	}

	if err := journal.Restore(c.Archive, output); err != nil {
		return err
	}

	fmt.Printf("restored %s to %s\n", c.Archive, output)
	return nil
}
