// Package config loads dispatchcore's configuration, grounded on the
// teacher's internal/config/config.go layered-viper approach: yaml
// file + OLLAMA_*-style env prefix (here DISPATCHCORE_*), unmarshalled
// into one struct and validated before use. No per-option command-line
// flags are bound; the CLI's only flag selects the config file.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/khryptorgraphics/dispatchcore/pkg/darq"
	"github.com/khryptorgraphics/dispatchcore/pkg/router"
)

// Config is dispatchcore's complete runtime configuration, matching
// SPEC_FULL.md §6's option table plus the ambient server/transport
// settings the teacher's config always carries alongside policy
// options.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Queue   QueueConfig   `yaml:"queue" mapstructure:"queue"`
	Router  RouterConfig  `yaml:"router" mapstructure:"router"`
	Workers WorkersConfig `yaml:"workers" mapstructure:"workers"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig configures the inbound chat/completions gateway.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// QueueConfig configures DARQ.
type QueueConfig struct {
	BufferMs int64 `yaml:"buffer_ms" mapstructure:"buffer_ms"`
	BucketMs int64 `yaml:"bucket_ms" mapstructure:"bucket_ms"`
}

// RouterConfig configures the Router's policy and CacheAware params.
type RouterConfig struct {
	Policy               string  `yaml:"policy" mapstructure:"policy"`
	CacheThreshold       float64 `yaml:"cache_threshold" mapstructure:"cache_threshold"`
	BalanceAbsThreshold  int64   `yaml:"balance_abs_threshold" mapstructure:"balance_abs_threshold"`
	BalanceRelThreshold  float64 `yaml:"balance_rel_threshold" mapstructure:"balance_rel_threshold"`
	EvictionIntervalSecs int64   `yaml:"eviction_interval_secs" mapstructure:"eviction_interval_secs"`
	MaxTreeSize          int     `yaml:"max_tree_size" mapstructure:"max_tree_size"`
}

// WorkersConfig configures the Worker Directory / Dispatcher's view of
// the worker fleet.
type WorkersConfig struct {
	MinWorkers            int `yaml:"min_workers" mapstructure:"min_workers"`
	WorkerStartupTimeoutSecs int `yaml:"worker_startup_timeout_secs" mapstructure:"worker_startup_timeout_secs"`
	MaxRetries            int `yaml:"max_retries" mapstructure:"max_retries"`
}

// MetricsConfig configures the Metrics Aggregator's ingest feed and
// staleness window.
type MetricsConfig struct {
	RedisAddr    string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisChannel string `yaml:"redis_channel" mapstructure:"redis_channel"`
	StaleAfterMs int64  `yaml:"stale_after_ms" mapstructure:"stale_after_ms"`
}

// LoggingConfig configures the zerolog writer.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Pretty bool   `yaml:"pretty" mapstructure:"pretty"`
}

// Default returns SPEC_FULL.md §6's defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Queue: QueueConfig{
			BufferMs: 0,
			BucketMs: 1,
		},
		Router: RouterConfig{
			Policy:               string(router.PolicyCacheAware),
			CacheThreshold:       0.5,
			BalanceAbsThreshold:  32,
			BalanceRelThreshold:  1.0001,
			EvictionIntervalSecs: 60,
			MaxTreeSize:          1 << 24,
		},
		Workers: WorkersConfig{
			MinWorkers:               1,
			WorkerStartupTimeoutSecs: 30,
			MaxRetries:               1,
		},
		Metrics: MetricsConfig{
			RedisChannel: "worker.metrics",
			StaleAfterMs: 5000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configFile (if non-empty), layers DISPATCHCORE_*
// environment variables over it, and unmarshals into a validated
// Config.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("dispatchcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dispatchcore")
	}

	v.SetEnvPrefix("DISPATCHCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrConfigInvalid, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling config: %v", ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrConfigInvalid is returned by Load and Validate for any malformed
// or out-of-range option, matching SPEC_FULL.md §7's ConfigInvalid
// error kind (exit code 2 at the CLI).
var ErrConfigInvalid = darq.ErrConfigInvalid

// Validate checks every option against SPEC_FULL.md §6/§7's bounds.
func (c *Config) Validate() error {
	if c.Queue.BufferMs < 0 {
		return fmt.Errorf("%w: queue.buffer_ms must be >= 0, got %d", ErrConfigInvalid, c.Queue.BufferMs)
	}
	if c.Queue.BucketMs < 1 {
		return fmt.Errorf("%w: queue.bucket_ms must be >= 1, got %d", ErrConfigInvalid, c.Queue.BucketMs)
	}
	switch router.Policy(c.Router.Policy) {
	case router.PolicyRandom, router.PolicyRoundRobin, router.PolicyCacheAware, router.PolicyKvLoadAware:
	default:
		return fmt.Errorf("%w: router.policy %q unknown", ErrConfigInvalid, c.Router.Policy)
	}
	if c.Router.CacheThreshold < 0 || c.Router.CacheThreshold > 1 {
		return fmt.Errorf("%w: router.cache_threshold must be in [0,1], got %v", ErrConfigInvalid, c.Router.CacheThreshold)
	}
	if c.Router.BalanceRelThreshold < 1 {
		return fmt.Errorf("%w: router.balance_rel_threshold must be >= 1, got %v", ErrConfigInvalid, c.Router.BalanceRelThreshold)
	}
	if c.Router.MaxTreeSize < 1 {
		return fmt.Errorf("%w: router.max_tree_size must be >= 1, got %d", ErrConfigInvalid, c.Router.MaxTreeSize)
	}
	if c.Workers.MinWorkers < 0 {
		return fmt.Errorf("%w: workers.min_workers must be >= 0, got %d", ErrConfigInvalid, c.Workers.MinWorkers)
	}
	return nil
}

// RouterConfigOf adapts the loaded configuration into router.Config.
func (c *Config) RouterConfigOf() router.Config {
	return router.Config{
		Policy: router.Policy(c.Router.Policy),
		CacheAware: router.CacheAwareParams{
			CacheThreshold:       c.Router.CacheThreshold,
			BalanceAbsThreshold:  c.Router.BalanceAbsThreshold,
			BalanceRelThreshold:  c.Router.BalanceRelThreshold,
			MaxTreeSize:          c.Router.MaxTreeSize,
			EvictionIntervalSecs: c.Router.EvictionIntervalSecs,
		},
	}
}
