package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
metadata:
  path: "/tmp/agentchan/test.db"

board_defaults:
  bump_limit: 300
  max_replies_per_thread: 500

boards:
  - dir: "tech"
    name: "Technology"
    max_file_size: "8MB"
  - dir: "b"
    name: "Random"
    bump_limit: 150
    max_threads: 50

agents:
  rate_limit_hour: 20
  rate_limit_day: 200

pruning:
  interval: "1m"

events:
  enabled: false
`
	tmpFile, err := os.CreateTemp("", "agentchan-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(cfg.Boards) != 2 {
		t.Fatalf("expected 2 boards, got %d", len(cfg.Boards))
	}
	tech := cfg.Boards[0].Resolved(cfg.BoardDefaults)
	if int64(tech.MaxFileSize) != 8*1024*1024 {
		t.Errorf("unexpected max_file_size: %d", tech.MaxFileSize)
	}
	if tech.MaxThreads != 200 {
		t.Errorf("tech should inherit max_threads 200, got %d", tech.MaxThreads)
	}
	b := cfg.Boards[1].Resolved(cfg.BoardDefaults)
	if b.BumpLimit != 150 || b.MaxThreads != 50 {
		t.Errorf("b overrides not applied: bump_limit=%d max_threads=%d", b.BumpLimit, b.MaxThreads)
	}
	if cfg.Agents.RateLimitHour != 20 || cfg.Agents.RateLimitDay != 200 {
		t.Errorf("unexpected agent limits: %+v", cfg.Agents)
	}
	if cfg.Pruning.Interval.Duration() != time.Minute {
		t.Errorf("unexpected pruning interval: %v", cfg.Pruning.Interval.Duration())
	}
	if cfg.Security.IPRateLimitRPM != 60 {
		t.Errorf("expected default ip_rate_limit_rpm 60, got %d", cfg.Security.IPRateLimitRPM)
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Boards = []BoardConfig{{Dir: "tech"}}
	return cfg
}

func TestValidateDefaultsWithBoard(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected defaults plus one board to validate: %v", err)
	}
}

func TestValidateNoBoards(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for no boards")
	}
}

func TestValidateBoardErrors(t *testing.T) {
	tests := []struct {
		name   string
		boards []BoardConfig
	}{
		{"bad dir", []BoardConfig{{Dir: "Tech!"}}},
		{"empty dir", []BoardConfig{{Dir: ""}}},
		{"duplicate dir", []BoardConfig{{Dir: "a"}, {Dir: "a"}}},
		{"cap below bump limit", []BoardConfig{{Dir: "a", BumpLimit: 300, MaxRepliesPerThread: 100}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Boards = tt.boards
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateEventsRequireNATS(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when events are enabled without nats.url")
	}
	cfg.Events.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("events disabled should not need nats: %v", err)
	}
}

func TestValidateArchiveRequiresBucket(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for archive without bucket")
	}
	cfg.Archive.Bucket = "threads"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"4MB", 4 * 1024 * 1024},
		{"100MB", 100 * 1024 * 1024},
		{"2GB", 2 * 1024 * 1024 * 1024},
		{"100B", 100},
		{"512", 512},
	}
	for _, tt := range tests {
		result, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}
