package commands

import (
	"fmt"
	"time"

	"github.com/wolfeidau/miningd/internal/accrual"
	"github.com/wolfeidau/miningd/internal/profile"
)

// ProfileFlags picks a deployment profile and overrides individual knobs.
type ProfileFlags struct {
	Profile          string        `help:"built-in profile name or path to a YAML profile" default:"standard" env:"MININGD_PROFILE"`
	TickInterval     time.Duration `help:"override the profile tick interval" env:"MININGD_TICK_INTERVAL"`
	IncrementPerTick float64       `help:"override the value added per tick" env:"MININGD_INCREMENT_PER_TICK"`
	SessionDuration  time.Duration `help:"override the session duration" env:"MININGD_SESSION_DURATION"`
	GapRate          float64       `help:"override the per-second rate credited for time spent away" env:"MININGD_GAP_RATE"`
	DeviceID         string        `help:"device id recorded on checkpoints (default derived from hostname)" env:"MININGD_DEVICE_ID"`
}

// accrualConfig loads the profile and applies any overrides.
func (f *ProfileFlags) accrualConfig() (accrual.Config, error) {
	p, err := profile.Load(f.Profile)
	if err != nil {
		return accrual.Config{}, err
	}

	cfg := p.ToConfig()
	if f.TickInterval > 0 {
		cfg.TickInterval = f.TickInterval
	}
	if f.IncrementPerTick > 0 {
		cfg.IncrementPerTick = f.IncrementPerTick
	}
	if f.SessionDuration > 0 {
		cfg.SessionDuration = f.SessionDuration
	}
	if f.GapRate > 0 {
		cfg.GapRatePerSecond = f.GapRate
	}
	if f.DeviceID != "" {
		cfg.DeviceID = f.DeviceID
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return accrual.Config{}, fmt.Errorf("invalid accrual config: %w", err)
	}
	return cfg, nil
}

type ProfilesCmd struct{}

func (c *ProfilesCmd) Run() error {
	for _, name := range profile.Names() {
		p, err := profile.Load(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s tick=%s increment=%g duration=%s\n", name, p.TickInterval, p.IncrementPerTick, p.SessionDuration)
	}
	return nil
}
