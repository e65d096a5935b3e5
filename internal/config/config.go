// Package config loads and validates the gateway runtime configuration from
// an optional config file and CHATGATE_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for the per-(user,room) fixed-window
// message throttle.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// BreakerConfig defines the thresholds for a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	MonitoringWindow  time.Duration `mapstructure:"monitoring_window"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	HalfOpenSuccesses int           `mapstructure:"half_open_successes"`
}

// BroadcastConfig tunes the per-room batching and backpressure behaviour of
// the broadcast engine.
type BroadcastConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBatch      int           `mapstructure:"max_batch"`
	MaxPending    int           `mapstructure:"max_pending"`
	RoomCapacity  int           `mapstructure:"room_capacity"`
}

// RetryQueueConfig bounds the per-connection buffer of undelivered messages.
type RetryQueueConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RedisConfig locates the shared coordination store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Config holds the full gateway configuration including security controls.
type Config struct {
	ListenAddr     string           `mapstructure:"listen_addr"`
	AllowedOrigins []string         `mapstructure:"allowed_origins"`
	MaxMessageSize int64            `mapstructure:"max_message_size"`
	LogLevel       string           `mapstructure:"log_level"`
	RateLimit      RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker        BreakerConfig    `mapstructure:"breaker"`
	Broadcast      BroadcastConfig  `mapstructure:"broadcast"`
	RetryQueue     RetryQueueConfig `mapstructure:"retry_queue"`
	Redis          RedisConfig      `mapstructure:"redis"`
	LockTTL        time.Duration    `mapstructure:"lock_ttl"`
	TrimInterval   time.Duration    `mapstructure:"trim_interval"`
	StreamMaxLen   int64            `mapstructure:"stream_max_len"`
}

// Load reads configuration from the given file path (optional, pass "" to use
// defaults and environment only) and applies CHATGATE_ environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("chatgate")
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
	cfg.sanitize()
	return cfg, nil
}

// Default returns the built-in configuration without consulting files or the
// environment. Intended for tests and embedded use.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.sanitize()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("allowed_origins", []string{"http://localhost:8080"})
	v.SetDefault("max_message_size", 4096)
	v.SetDefault("log_level", "info")

	v.SetDefault("rate_limit.limit", 15)
	v.SetDefault("rate_limit.window", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.monitoring_window", time.Minute)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_successes", 2)

	v.SetDefault("broadcast.flush_interval", 50*time.Millisecond)
	v.SetDefault("broadcast.max_batch", 25)
	v.SetDefault("broadcast.max_pending", 256)
	v.SetDefault("broadcast.room_capacity", 1000)

	v.SetDefault("retry_queue.capacity", 50)
	v.SetDefault("retry_queue.ttl", time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("trim_interval", 5*time.Minute)
	v.SetDefault("stream_max_len", 10000)
}

// sanitize replaces unusable values with defaults so a partially bad
// configuration degrades rather than failing startup.
func (c *Config) sanitize() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 15
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 30 * time.Second
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.MonitoringWindow <= 0 {
		c.Breaker.MonitoringWindow = time.Minute
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenSuccesses <= 0 {
		c.Breaker.HalfOpenSuccesses = 2
	}
	if c.Broadcast.FlushInterval <= 0 {
		c.Broadcast.FlushInterval = 50 * time.Millisecond
	}
	if c.Broadcast.MaxBatch <= 0 {
		c.Broadcast.MaxBatch = 25
	}
	if c.Broadcast.MaxPending < c.Broadcast.MaxBatch {
		c.Broadcast.MaxPending = c.Broadcast.MaxBatch * 10
	}
	if c.Broadcast.RoomCapacity <= 0 {
		c.Broadcast.RoomCapacity = 1000
	}
	if c.RetryQueue.Capacity <= 0 {
		c.RetryQueue.Capacity = 50
	}
	if c.RetryQueue.TTL <= 0 {
		c.RetryQueue.TTL = time.Minute
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.TrimInterval <= 0 {
		c.TrimInterval = 5 * time.Minute
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
}
