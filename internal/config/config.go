// Package config loads the research client configuration from YAML with
// environment overrides and supports hot reload of tunables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full client configuration.
type Config struct {
	Backend struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"backend"`

	Push struct {
		// Transport selects the push channel: "websocket" or "redis".
		Transport    string `mapstructure:"transport"`
		WebSocketURL string `mapstructure:"websocket_url"`
		RedisAddr    string `mapstructure:"redis_addr"`
		RedisDB      int    `mapstructure:"redis_db"`
		// RingCapacity bounds the per-topic replay buffer.
		RingCapacity int `mapstructure:"ring_capacity"`
	} `mapstructure:"push"`

	History struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
		Limit   int    `mapstructure:"limit"`
	} `mapstructure:"history"`

	RateLimit struct {
		QueriesPerSecond float64 `mapstructure:"queries_per_second"`
		Burst            int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Observability struct {
		MetricsPort int    `mapstructure:"metrics_port"`
		LogLevel    string `mapstructure:"log_level"`
		TracingOTLP string `mapstructure:"tracing_otlp"`
		TracingOn   bool   `mapstructure:"tracing_enabled"`
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"observability"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("push.transport", "websocket")
	v.SetDefault("push.websocket_url", "ws://localhost:8080/stream/ws")
	v.SetDefault("push.redis_addr", "localhost:6379")
	v.SetDefault("push.redis_db", 0)
	v.SetDefault("push.ring_capacity", 256)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "researchkit.db")
	v.SetDefault("history.limit", 50)
	v.SetDefault("rate_limit.queries_per_second", 2.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("observability.metrics_port", 2112)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.tracing_otlp", "localhost:4317")
	v.SetDefault("observability.service_name", "researchkit")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RESEARCHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the configuration file at path (optional; defaults and env
// apply when empty) and unmarshals it.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the file on change and invokes onChange with the fresh
// configuration. Unparseable edits are ignored; the last good config
// stands.
func Watch(path string, onChange func(Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
