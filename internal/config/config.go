package config

import (
	"fmt"
	"log"
	"time"

	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// Settings holds every tunable of the engine. All values come from the
// environment (prefix SESSMUX_); none require a code change to adjust.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	TunnelAddr   string `envconfig:"TUNNEL_ADDR" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"data/sessmux.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Subprocess commands per session kind. ProfilePath may override these
	// with a YAML profiles file (see profiles.go).
	ShellCommand string `envconfig:"SHELL_COMMAND" default:"/bin/bash"`
	AICLICommand string `envconfig:"AI_CLI_COMMAND" default:"claude"`
	ProfilePath  string `envconfig:"PROFILE_PATH" default:""`

	// Scrollback capacity per session, human-readable ("512KB", "1MiB").
	ScrollbackSize string `envconfig:"SCROLLBACK_SIZE" default:"1MB"`

	// Session caps enforced by the governor.
	MaxSessionsGlobal     int `envconfig:"MAX_SESSIONS_GLOBAL" default:"200"`
	MaxSessionsPerProject int `envconfig:"MAX_SESSIONS_PER_PROJECT" default:"20"`
	MaxActivePerProject   int `envconfig:"MAX_ACTIVE_PER_PROJECT" default:"10"`

	// Governor sweep tuning. MemoryHighWater of "0" disables the
	// emergency sweep.
	SuspensionTimeout time.Duration `envconfig:"SUSPENSION_TIMEOUT" default:"30m"`
	IdleSweepInterval time.Duration `envconfig:"IDLE_SWEEP_INTERVAL" default:"2m"`
	MemoryHighWater   string        `envconfig:"MEMORY_HIGH_WATER" default:"768MiB"`

	// Admission limiter.
	CreateRatePerMinute     int           `envconfig:"CREATE_RATE_PER_MINUTE" default:"30"`
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerCooldown         time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`

	// Response framer.
	TurnQuietPeriod time.Duration `envconfig:"TURN_QUIET_PERIOD" default:"1s"`
	TurnMaxWait     time.Duration `envconfig:"TURN_MAX_WAIT" default:"2m"`

	// Grace window between SIGINT and SIGKILL on teardown.
	SpawnGracePeriod time.Duration `envconfig:"SPAWN_GRACE_PERIOD" default:"5s"`

	// Log batcher.
	LogFlushInterval time.Duration `envconfig:"LOG_FLUSH_INTERVAL" default:"2s"`
	LogBatchSize     int           `envconfig:"LOG_BATCH_SIZE" default:"64"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SESSMUX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate checks cross-field constraints and that human-readable sizes parse.
func (s *Settings) Validate() error {
	if _, err := s.ScrollbackBytes(); err != nil {
		return fmt.Errorf("SCROLLBACK_SIZE: %w", err)
	}
	if _, err := s.MemoryHighWaterBytes(); err != nil {
		return fmt.Errorf("MEMORY_HIGH_WATER: %w", err)
	}
	if s.MaxActivePerProject > s.MaxSessionsPerProject {
		return fmt.Errorf("MAX_ACTIVE_PER_PROJECT (%d) exceeds MAX_SESSIONS_PER_PROJECT (%d)",
			s.MaxActivePerProject, s.MaxSessionsPerProject)
	}
	if s.TurnQuietPeriod >= s.TurnMaxWait {
		return fmt.Errorf("TURN_QUIET_PERIOD (%s) must be below TURN_MAX_WAIT (%s)",
			s.TurnQuietPeriod, s.TurnMaxWait)
	}
	return nil
}

// ScrollbackBytes returns the parsed scrollback capacity in bytes.
func (s *Settings) ScrollbackBytes() (int, error) {
	n, err := units.RAMInBytes(s.ScrollbackSize)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size %q must be positive", s.ScrollbackSize)
	}
	return int(n), nil
}

// MemoryHighWaterBytes returns the emergency-sweep threshold in bytes.
// Zero means the sweep is disabled.
func (s *Settings) MemoryHighWaterBytes() (uint64, error) {
	if s.MemoryHighWater == "" || s.MemoryHighWater == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s.MemoryHighWater)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("size %q must not be negative", s.MemoryHighWater)
	}
	return uint64(n), nil
}
