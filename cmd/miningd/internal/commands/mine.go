package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/accrual"
	"github.com/wolfeidau/miningd/internal/broadcast"
	"github.com/wolfeidau/miningd/internal/scheduler"
)

type MineCmd struct {
	User       string        `help:"user id to mine for" required:"" env:"MININGD_USER"`
	StopOnExit bool          `help:"end the session on interrupt instead of leaving it resumable" default:"false"`
	Quiet      bool          `help:"only print the final result" default:"false"`
	Timeout    time.Duration `help:"time allowed for the final checkpoint" default:"10s"`

	Store   StoreFlags   `embed:""`
	Accrual ProfileFlags `embed:""`
}

func (c *MineCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogger(globals)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := c.Accrual.accrualConfig()
	if err != nil {
		return err
	}

	checkpoints, closeStore, err := c.Store.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	clock := clockwork.NewRealClock()
	engine, err := accrual.NewEngine(cfg, checkpoints, clock)
	if err != nil {
		return err
	}

	events := broadcast.New()
	sub := events.Subscribe(c.User, 0)
	defer sub.Close()

	sch := scheduler.New(engine, clock, events)

	snap, err := sch.Start(ctx, c.User)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	fmt.Printf("session %s for %s: %.4f accrued, %s remaining\n",
		snap.SessionID, snap.UserID, snap.AccruedValue, snap.RemainingTime.Round(time.Second))

	for {
		select {
		case <-ctx.Done():
			return c.finish(sch)
		case ev := <-sub.Events():
			switch ev.Type {
			case broadcast.EventProgress:
				if !c.Quiet {
					fmt.Printf("\r%.4f accrued, %s remaining ", ev.AccruedValue, (time.Duration(ev.RemainingMs) * time.Millisecond).Round(time.Second))
				}
			case broadcast.EventCompleted:
				fmt.Printf("\nsession complete: %.4f accrued\n", ev.AccruedValue)
				return c.close(sch)
			}
		}
	}
}

// finish ends or suspends the session after an interrupt.
func (c *MineCmd) finish(sch *scheduler.Scheduler) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	if c.StopOnExit {
		snap := sch.Stop(ctx)
		fmt.Printf("\nsession stopped: %.4f accrued\n", snap.AccruedValue)
		return c.close(sch)
	}

	if err := sch.Suspend(ctx); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	snap := sch.Snapshot()
	fmt.Printf("\nsession suspended at %.4f, run again to resume\n", snap.AccruedValue)
	return c.close(sch)
}

func (c *MineCmd) close(sch *scheduler.Scheduler) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	if err := sch.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to drain checkpoint writer")
		return err
	}
	return nil
}
