// Package config loads and validates crawlengine configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport names accepted by fetch.transport.
const (
	TransportColly    = "colly"
	TransportHeadless = "headless"
	TransportNoop     = "noop"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Spider   SpiderConfig   `mapstructure:"spider"`
}

// EngineConfig sizes the queues and fetch concurrency.
type EngineConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SpiderQueueSize  int           `mapstructure:"spider_queue_size"`
	RequestQueueSize int           `mapstructure:"request_queue_size"`
	OutcomeQueueSize int           `mapstructure:"outcome_queue_size"`
	MaxInFlight      int           `mapstructure:"max_in_flight"`
}

// FetchConfig selects and tunes the transport.
type FetchConfig struct {
	Transport      string `mapstructure:"transport"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the chromedp transport.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// SpiderConfig describes the bundled link spider run by the crawl command.
type SpiderConfig struct {
	Name           string   `mapstructure:"name"`
	Seeds          []string `mapstructure:"seeds"`
	MaxDepth       int      `mapstructure:"max_depth"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.poll_interval", 50*time.Millisecond)
	v.SetDefault("engine.spider_queue_size", 128)
	v.SetDefault("engine.request_queue_size", 256)
	v.SetDefault("engine.outcome_queue_size", 256)
	v.SetDefault("engine.max_in_flight", 8)
	v.SetDefault("fetch.transport", TransportColly)
	v.SetDefault("fetch.user_agent", "crawlengine/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 512)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("spider.name", "links")
	v.SetDefault("spider.max_depth", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be > 0")
	}
	if c.Engine.SpiderQueueSize <= 0 {
		return fmt.Errorf("engine.spider_queue_size must be > 0")
	}
	if c.Engine.RequestQueueSize <= 0 || c.Engine.OutcomeQueueSize <= 0 {
		return fmt.Errorf("engine.request_queue_size and engine.outcome_queue_size must be > 0")
	}
	if c.Engine.MaxInFlight < 0 {
		return fmt.Errorf("engine.max_in_flight must be >= 0")
	}
	switch c.Fetch.Transport {
	case TransportColly, TransportNoop:
	case TransportHeadless:
		if c.Headless.MaxParallel < 0 {
			return fmt.Errorf("headless.max_parallel must be >= 0")
		}
	default:
		return fmt.Errorf("fetch.transport %q is not one of colly, headless, noop", c.Fetch.Transport)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	if c.Progress.Enabled && c.Progress.MaxBatchEvents < 0 {
		return fmt.Errorf("progress.max_batch_events must be >= 0")
	}
	if c.Spider.MaxDepth < 0 {
		return fmt.Errorf("spider.max_depth must be >= 0")
	}
	for _, seed := range c.Spider.Seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("spider.seeds: %q is not an absolute http(s) URL", seed)
		}
	}
	return nil
}

// FetchTimeout converts fetch.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// NavTimeout converts headless.nav_timeout_seconds into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
