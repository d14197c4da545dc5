package accrual

import (
	"errors"
	"fmt"
	"time"
)

const defaultCheckpointTimeout = 10 * time.Second

// Config holds the accrual knobs for one deployment.
type Config struct {
	// TickInterval is the period between accrual steps.
	TickInterval time.Duration

	// IncrementPerTick is added to the accrued value on every completed tick.
	IncrementPerTick float64

	// SessionDuration bounds the elapsed time of a session.
	SessionDuration time.Duration

	// GapRatePerSecond is credited per second of offline time on resume.
	// Defaults to IncrementPerTick spread over TickInterval so both paths agree.
	GapRatePerSecond float64

	// DeviceID identifies this process in checkpoints. Defaults to a hostname derived id.
	DeviceID string

	// CheckpointTimeout bounds each background store call.
	CheckpointTimeout time.Duration
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.GapRatePerSecond == 0 && c.TickInterval > 0 {
		c.GapRatePerSecond = c.IncrementPerTick / c.TickInterval.Seconds()
	}
	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID()
	}
	if c.CheckpointTimeout == 0 {
		c.CheckpointTimeout = defaultCheckpointTimeout
	}
}

// Validate rejects configurations that cannot drive a session.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive: %s", c.TickInterval)
	}
	if c.IncrementPerTick <= 0 {
		return fmt.Errorf("increment per tick must be positive: %g", c.IncrementPerTick)
	}
	if c.SessionDuration <= 0 {
		return fmt.Errorf("session duration must be positive: %s", c.SessionDuration)
	}
	if c.SessionDuration < c.TickInterval {
		return fmt.Errorf("session duration %s is shorter than tick interval %s", c.SessionDuration, c.TickInterval)
	}
	if c.GapRatePerSecond < 0 {
		return fmt.Errorf("gap rate must not be negative: %g", c.GapRatePerSecond)
	}
	if c.CheckpointTimeout < 0 {
		return errors.New("checkpoint timeout must not be negative")
	}
	return nil
}
