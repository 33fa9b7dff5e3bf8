package config

import (
	"testing"
	"time"
)

func defaultSettings() Settings {
	return Settings{
		ScrollbackSize:        "1MB",
		MemoryHighWater:       "768MiB",
		MaxSessionsPerProject: 20,
		MaxActivePerProject:   10,
		TurnQuietPeriod:       time.Second,
		TurnMaxWait:           2 * time.Minute,
	}
}

func TestValidate_Defaults(t *testing.T) {
	s := defaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
}

func TestScrollbackBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1MB", 1000 * 1000, false},
		{"1MiB", 1024 * 1024, false},
		{"512KB", 512 * 1000, false},
		{"garbage", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		s := defaultSettings()
		s.ScrollbackSize = tt.in
		got, err := s.ScrollbackBytes()
		if tt.wantErr {
			if err == nil {
				t.Errorf("ScrollbackBytes(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ScrollbackBytes(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ScrollbackBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMemoryHighWater_Disabled(t *testing.T) {
	s := defaultSettings()
	s.MemoryHighWater = "0"
	got, err := s.MemoryHighWaterBytes()
	if err != nil {
		t.Fatalf("MemoryHighWaterBytes: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0 (disabled)", got)
	}
}

func TestValidate_ActiveCapAboveProjectCap(t *testing.T) {
	s := defaultSettings()
	s.MaxActivePerProject = 30
	if err := s.Validate(); err == nil {
		t.Error("expected error when active cap exceeds per-project cap")
	}
}

func TestValidate_QuietPeriodAboveMaxWait(t *testing.T) {
	s := defaultSettings()
	s.TurnQuietPeriod = 3 * time.Minute
	if err := s.Validate(); err == nil {
		t.Error("expected error when quiet period exceeds max wait")
	}
}
