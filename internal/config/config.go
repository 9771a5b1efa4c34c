// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Events   EventsConfig   `mapstructure:"events"`
	Progress ProgressConfig `mapstructure:"progress"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Registry RegistryConfig `mapstructure:"registry"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// EventsConfig sets the initial state of the runtime toggles.
type EventsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Verbose bool `mapstructure:"verbose"`
}

// ProgressConfig governs progress aggregation.
type ProgressConfig struct {
	ThrottleMs int `mapstructure:"throttle_ms"`
}

// DeliveryConfig governs the dispatcher loop and callback client.
type DeliveryConfig struct {
	PollMs                 int `mapstructure:"poll_ms"`
	CallbackTimeoutSeconds int `mapstructure:"callback_timeout_seconds"`
	ErrorBackoffMs         int `mapstructure:"error_backoff_ms"`
}

// RegistryConfig controls task retention. A TTL of zero keeps tasks until
// explicit cleanup, the historical behavior.
type RegistryConfig struct {
	TaskTTLSeconds int `mapstructure:"task_ttl_seconds"`
}

// EngineConfig sizes the embedded development engine.
type EngineConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMFYDEPLOY")
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
	v.SetDefault("server.port", 8288)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.verbose", false)
	v.SetDefault("progress.throttle_ms", 500)
	v.SetDefault("delivery.poll_ms", 100)
	v.SetDefault("delivery.callback_timeout_seconds", 5)
	v.SetDefault("delivery.error_backoff_ms", 1000)
	v.SetDefault("registry.task_ttl_seconds", 0)
	v.SetDefault("engine.workers", 1)
	v.SetDefault("engine.queue_depth", 64)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Progress.ThrottleMs < 0 {
		return fmt.Errorf("progress.throttle_ms must be >= 0")
	}
	if c.Delivery.PollMs <= 0 {
		return fmt.Errorf("delivery.poll_ms must be > 0")
	}
	if c.Delivery.CallbackTimeoutSeconds <= 0 {
		return fmt.Errorf("delivery.callback_timeout_seconds must be > 0")
	}
	if c.Registry.TaskTTLSeconds < 0 {
		return fmt.Errorf("registry.task_ttl_seconds must be >= 0")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	return nil
}

// ThrottleInterval converts the progress throttle setting to a duration.
func (c Config) ThrottleInterval() time.Duration {
	return time.Duration(c.Progress.ThrottleMs) * time.Millisecond
}

// PollInterval converts the dispatcher poll setting to a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Delivery.PollMs) * time.Millisecond
}

// CallbackTimeout converts the callback timeout setting to a duration.
func (c Config) CallbackTimeout() time.Duration {
	return time.Duration(c.Delivery.CallbackTimeoutSeconds) * time.Second
}

// ErrorBackoff converts the dispatcher error backoff setting to a duration.
func (c Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Delivery.ErrorBackoffMs) * time.Millisecond
}

// TaskTTL converts the registry retention setting to a duration.
func (c Config) TaskTTL() time.Duration {
	return time.Duration(c.Registry.TaskTTLSeconds) * time.Second
}
