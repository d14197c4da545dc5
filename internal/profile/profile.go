package profile

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/wolfeidau/miningd/internal/accrual"
	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var builtin embed.FS

// DefaultName is the profile used when none is selected.
const DefaultName = "standard"

// Profile is a named set of accrual knobs for a deployment.
type Profile struct {
	Name             string        `yaml:"name"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	IncrementPerTick float64       `yaml:"increment_per_tick"`
	SessionDuration  time.Duration `yaml:"session_duration"`
	GapRatePerSecond float64       `yaml:"gap_rate_per_second,omitempty"`
	DeviceID         string        `yaml:"device_id,omitempty"`
}

// Names lists the built-in profiles.
func Names() []string {
	entries, err := fs.ReadDir(builtin, "profiles")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

// Load returns a built-in profile by name, or reads a YAML file when nameOrPath
// is not a built-in name.
func Load(nameOrPath string) (*Profile, error) {
	if nameOrPath == "" {
		nameOrPath = DefaultName
	}

	data, err := fs.ReadFile(builtin, "profiles/"+nameOrPath+".yaml")
	if err != nil {
		data, err = os.ReadFile(nameOrPath)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("unknown profile %q (built-in: %s)", nameOrPath, strings.Join(Names(), ", "))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read profile: %w", err)
		}
	}

	return Parse(data)
}

// Parse decodes and validates a profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	cfg := p.ToConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}

	return &p, nil
}

// ToConfig converts the profile to an engine configuration.
func (p *Profile) ToConfig() accrual.Config {
	return accrual.Config{
		TickInterval:     p.TickInterval,
		IncrementPerTick: p.IncrementPerTick,
		SessionDuration:  p.SessionDuration,
		GapRatePerSecond: p.GapRatePerSecond,
		DeviceID:         p.DeviceID,
	}
}
