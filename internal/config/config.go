// Package config loads and validates miner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Forum    ForumConfig    `mapstructure:"forum"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Output   OutputConfig   `mapstructure:"output"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ForumConfig identifies the target board and the crawl scope.
type ForumConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	BoardURL       string   `mapstructure:"board_url"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	ProbePages     int      `mapstructure:"probe_pages"`
}

// HTTPConfig configures the bounded fetcher.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	Concurrency      int    `mapstructure:"concurrency"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// ThrottleConfig tunes the adaptive throttler.
type ThrottleConfig struct {
	TokensPerSecond  float64 `mapstructure:"tokens_per_second"`
	BucketCapacity   int     `mapstructure:"bucket_capacity"`
	CooloffInitialMs int     `mapstructure:"cooloff_initial_ms"`
	CooloffMaxMs     int     `mapstructure:"cooloff_max_ms"`
}

// OutputConfig sets filesystem destinations and download limits.
type OutputConfig struct {
	Dir              string `mapstructure:"dir"`
	StateFile        string `mapstructure:"state_file"`
	LegacyManifest   string `mapstructure:"legacy_manifest"`
	MaxDownloadBytes int64  `mapstructure:"max_download_bytes"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig controls verbosity and output format.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`

	// Level is a zap level name ("debug", "info", "warn", ...).
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MINER")
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
	v.SetDefault("forum.base_url", "https://forum.malighting.com")
	v.SetDefault("forum.board_url", "https://forum.malighting.com/forum/board/35-grandma2-macro-share/")
	v.SetDefault("forum.allowed_domains", []string{"forum.malighting.com"})
	v.SetDefault("forum.probe_pages", 30)
	v.SetDefault("http.user_agent", "forums-miner/1.0 (+https://github.com/ma2tools/forums-miner)")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.concurrency", 8)
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.backoff_initial_ms", 2000)
	v.SetDefault("http.backoff_max_ms", 60000)
	v.SetDefault("throttle.tokens_per_second", 0.67)
	v.SetDefault("throttle.bucket_capacity", 8)
	v.SetDefault("throttle.cooloff_initial_ms", 2000)
	v.SetDefault("throttle.cooloff_max_ms", 60000)
	v.SetDefault("output.dir", "output/threads")
	v.SetDefault("output.state_file", "scraper_state.json")
	v.SetDefault("output.legacy_manifest", "manifest.json")
	v.SetDefault("output.max_download_bytes", int64(50*1024*1024))
	v.SetDefault("metrics.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Forum.BoardURL == "" {
		return fmt.Errorf("forum.board_url must be set")
	}
	if len(c.Forum.AllowedDomains) == 0 {
		return fmt.Errorf("forum.allowed_domains must not be empty")
	}
	if c.HTTP.Concurrency <= 0 {
		return fmt.Errorf("http.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.Throttle.TokensPerSecond <= 0 {
		return fmt.Errorf("throttle.tokens_per_second must be > 0")
	}
	if c.Throttle.BucketCapacity <= 0 {
		return fmt.Errorf("throttle.bucket_capacity must be > 0")
	}
	if c.Output.MaxDownloadBytes <= 0 {
		return fmt.Errorf("output.max_download_bytes must be > 0")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// InitialBackoff is the fetcher's first retry delay.
func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// MaxBackoff caps the fetcher's retry delay.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
