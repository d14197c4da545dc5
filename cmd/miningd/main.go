package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/cmd/miningd/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug     bool                  `help:"Enable debug mode." env:"MININGD_DEBUG"`
		Version   kong.VersionFlag      `help:"Print version and exit."`
		Serve     commands.ServeCmd     `cmd:"" help:"Run the session server"`
		Mine      commands.MineCmd      `cmd:"" help:"Run one mining session in the foreground"`
		Status    commands.StatusCmd    `cmd:"" help:"Show the stored checkpoint and ledger for a user"`
		Profiles  commands.ProfilesCmd  `cmd:"" help:"List built-in accrual profiles"`
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Create the DynamoDB checkpoints table"`
		Journal   commands.JournalCmd   `cmd:"" help:"Maintain the local checkpoint journal"`
	}
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("miningd"),
		kong.Description("Time-bounded accrual sessions with durable checkpoints."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
