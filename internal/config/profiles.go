package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes how a session kind is launched and how its turns are
// framed. Profiles let operators swap the backing CLI (or its completion
// strategy) without touching the engine.
type Profile struct {
	// Command is the argv used to spawn the subprocess.
	Command []string `yaml:"command"`
	// UsePTY forces a PTY even for kinds that default to pipes.
	UsePTY *bool `yaml:"use_pty,omitempty"`
	// Completion selects the turn completion strategy: "inactivity"
	// (default) or "sentinel".
	Completion string `yaml:"completion,omitempty"`
	// Sentinel is the marker for the "sentinel" strategy.
	Sentinel string `yaml:"sentinel,omitempty"`
	// QuietPeriod overrides the global TURN_QUIET_PERIOD for this kind.
	QuietPeriod time.Duration `yaml:"quiet_period,omitempty"`
}

// Profiles maps a session kind name to its profile.
type Profiles map[string]Profile

// LoadProfiles reads the YAML profiles file at path. A missing path returns
// an empty (non-nil) map so callers can fall back to built-in defaults.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for kind, prof := range p {
		if len(prof.Command) == 0 {
			return nil, fmt.Errorf("profile %q: command must not be empty", kind)
		}
		switch prof.Completion {
		case "", "inactivity":
		case "sentinel":
			if prof.Sentinel == "" {
				return nil, fmt.Errorf("profile %q: sentinel completion requires a marker", kind)
			}
		default:
			return nil, fmt.Errorf("profile %q: unknown completion strategy %q", kind, prof.Completion)
		}
	}
	return p, nil
}
