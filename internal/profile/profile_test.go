package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_BuiltIn(t *testing.T) {
	tests := []struct {
		name     string
		tick     time.Duration
		inc      float64
		duration time.Duration
	}{
		{name: "standard", tick: time.Second, inc: 0.00278, duration: 4 * time.Hour},
		{name: "rapid", tick: 100 * time.Millisecond, inc: 0.0001, duration: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Load(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.name, p.Name)
			require.Equal(t, tt.tick, p.TickInterval)
			require.Equal(t, tt.inc, p.IncrementPerTick)
			require.Equal(t, tt.duration, p.SessionDuration)
		})
	}
}

func TestLoad_DefaultsToStandard(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultName, p.Name)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: custom
tick_interval: 500ms
increment_per_tick: 0.5
session_duration: 1m
gap_rate_per_second: 2
device_id: kiosk-1
`), 0o600))

	p, err := Load(path)
	require.NoError(t, err)

	cfg := p.ToConfig()
	require.Equal(t, 500*time.Millisecond, cfg.TickInterval)
	require.Equal(t, 2.0, cfg.GapRatePerSecond)
	require.Equal(t, "kiosk-1", cfg.DeviceID)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("does-not-exist")
	require.ErrorContains(t, err, "unknown profile")

	_, err = Parse([]byte("name: bad\ntick_interval: 0s\nincrement_per_tick: 1\nsession_duration: 1m\n"))
	require.ErrorContains(t, err, "tick interval")

	_, err = Parse([]byte("name: typo\ntick_intervl: 1s\n"))
	require.Error(t, err)
}

func TestNames(t *testing.T) {
	require.Equal(t, []string{"rapid", "standard"}, Names())
}
