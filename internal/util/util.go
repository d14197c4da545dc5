package util

import (
	"math"
	"time"
)

// Millis converts a duration to whole milliseconds, truncating toward zero.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// FromMillis converts milliseconds to a duration, saturating instead of overflowing.
func FromMillis(ms int64) time.Duration {
	const maxMs = math.MaxInt64 / int64(time.Millisecond)
	if ms > maxMs {
		return time.Duration(math.MaxInt64)
	}
	if ms < -maxMs {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// ClampDuration bounds d to [lo, hi].
func ClampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// UnixMillis returns t as milliseconds since the epoch. The zero time maps to 0.
func UnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
