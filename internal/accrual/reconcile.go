package accrual

import (
	"time"

	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/util"
)

// Reconciliation is the outcome of resuming an active checkpoint.
type Reconciliation struct {
	// Gap is the offline time since the checkpoint, never negative.
	Gap time.Duration

	// ClockAnomaly is set when the checkpoint was stamped in the future.
	ClockAnomaly bool

	// Elapsed is the resumed session time, bounded by the session duration.
	Elapsed time.Duration

	// Credit is the value added for the offline time actually counted.
	Credit float64

	// Accrued is the resumed accrued value.
	Accrued float64
}

// AtBoundary reports whether the resumed session has no time left.
func (r Reconciliation) AtBoundary(cfg Config) bool {
	return r.Elapsed >= cfg.SessionDuration
}

// Reconcile credits the time a session spent without a running process.
// Offline time is credited at the gap rate for the elapsed time actually added, so a
// resume clamped at the session boundary never credits time past it.
func Reconcile(cp *models.Checkpoint, now time.Time, cfg Config) Reconciliation {
	var r Reconciliation

	gap := now.Sub(cp.LastCheckpoint()).Truncate(time.Millisecond)
	if gap < 0 {
		gap = 0
		r.ClockAnomaly = true
	}
	r.Gap = gap

	saved := util.ClampDuration(util.FromMillis(cp.ElapsedMs), 0, cfg.SessionDuration)

	// compare against the remaining time rather than adding, a huge gap would overflow
	if gap >= cfg.SessionDuration-saved {
		r.Elapsed = cfg.SessionDuration
	} else {
		r.Elapsed = saved + gap
	}

	r.Credit = (r.Elapsed - saved).Seconds() * cfg.GapRatePerSecond

	accrued := cp.AccruedValue
	if accrued < 0 {
		accrued = 0
	}
	r.Accrued = accrued + r.Credit

	return r
}
