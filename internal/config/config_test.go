package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
engine:
  poll_interval: 20ms
  spider_queue_size: 16
  request_queue_size: 32
  outcome_queue_size: 64
  max_in_flight: 3
fetch:
  transport: headless
  user_agent: test-agent
  timeout_seconds: 45
  respect_robots: false
headless:
  max_parallel: 2
  nav_timeout_seconds: 30
server:
  enabled: true
  port: 9090
logging:
  development: false
  level: debug
progress:
  enabled: false
  max_batch_wait: 1s
spider:
  name: docs
  seeds: ["https://example.com/docs"]
  max_depth: 3
  allowed_domains: ["example.com"]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.PollInterval != 20*time.Millisecond || cfg.Engine.MaxInFlight != 3 {
		t.Fatalf("expected engine overrides to apply: %+v", cfg.Engine)
	}
	if cfg.Fetch.Transport != TransportHeadless || cfg.Fetch.RespectRobots {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if !cfg.Server.Enabled || cfg.Server.Port != 9090 {
		t.Fatalf("expected server enabled on 9090: %+v", cfg.Server)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	if cfg.Progress.Enabled || cfg.Progress.MaxBatchWait != time.Second {
		t.Fatalf("expected progress overrides to apply: %+v", cfg.Progress)
	}
	if cfg.Progress.BufferSize != 4096 {
		t.Fatalf("expected default buffer size to survive partial section, got %d", cfg.Progress.BufferSize)
	}
	if cfg.Spider.Name != "docs" || len(cfg.Spider.Seeds) != 1 || cfg.Spider.AllowedDomains[0] != "example.com" {
		t.Fatalf("expected spider section to load: %+v", cfg.Spider)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.NavTimeout(); got != 30*time.Second {
		t.Fatalf("expected nav timeout 30s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.Transport != TransportColly {
		t.Fatalf("expected colly transport by default, got %q", cfg.Fetch.Transport)
	}
	if cfg.Engine.PollInterval != 50*time.Millisecond {
		t.Fatalf("expected 50ms poll interval, got %v", cfg.Engine.PollInterval)
	}
	if cfg.Server.Enabled {
		t.Fatal("expected server disabled by default")
	}
	if !cfg.Progress.Enabled {
		t.Fatal("expected progress enabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLENGINE_ENGINE_MAX_IN_FLIGHT", "11")
	t.Setenv("CRAWLENGINE_FETCH_TRANSPORT", "noop")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxInFlight != 11 {
		t.Fatalf("expected max_in_flight 11 from env, got %d", cfg.Engine.MaxInFlight)
	}
	if cfg.Fetch.Transport != TransportNoop {
		t.Fatalf("expected noop transport from env, got %q", cfg.Fetch.Transport)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Engine: EngineConfig{
			PollInterval:     time.Millisecond,
			SpiderQueueSize:  1,
			RequestQueueSize: 1,
			OutcomeQueueSize: 1,
		},
		Fetch: FetchConfig{Transport: TransportColly, TimeoutSeconds: 10},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid poll interval",
			cfg: func() Config {
				c := base
				c.Engine.PollInterval = 0
				return c
			}(),
			want: "engine.poll_interval",
		},
		{
			name: "invalid spider queue",
			cfg: func() Config {
				c := base
				c.Engine.SpiderQueueSize = 0
				return c
			}(),
			want: "engine.spider_queue_size",
		},
		{
			name: "unknown transport",
			cfg: func() Config {
				c := base
				c.Fetch.Transport = "curl"
				return c
			}(),
			want: "fetch.transport",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Fetch.TimeoutSeconds = 0
				return c
			}(),
			want: "fetch.timeout_seconds",
		},
		{
			name: "server without port",
			cfg: func() Config {
				c := base
				c.Server.Enabled = true
				return c
			}(),
			want: "server.port",
		},
		{
			name: "relative seed",
			cfg: func() Config {
				c := base
				c.Spider.Seeds = []string{"/docs"}
				return c
			}(),
			want: "spider.seeds",
		},
		{
			name: "negative depth",
			cfg: func() Config {
				c := base
				c.Spider.MaxDepth = -1
				return c
			}(),
			want: "spider.max_depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
