package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for the connectivity core. Durations
// are expressed in milliseconds in the YAML file.
type Config struct {
	Rest      RestConfig      `yaml:"rest"`
	Stream    StreamConfig    `yaml:"stream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Orders    OrdersConfig    `yaml:"orders"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type RestConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

func (c RestConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

type StreamConfig struct {
	URL                  string `yaml:"url"`
	PingIntervalMs       int    `yaml:"ping_interval_ms"`
	ReconnectBaseDelayMs int    `yaml:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	ReconnectCooldownMs  int    `yaml:"reconnect_cooldown_ms"`
	ListenKeyRefreshMs   int    `yaml:"listen_key_refresh_ms"`
}

func (c StreamConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c StreamConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

func (c StreamConfig) ReconnectCooldown() time.Duration {
	return time.Duration(c.ReconnectCooldownMs) * time.Millisecond
}

func (c StreamConfig) ListenKeyRefresh() time.Duration {
	return time.Duration(c.ListenKeyRefreshMs) * time.Millisecond
}

type RateLimitConfig struct {
	WindowMs     int `yaml:"window_ms"`
	Capacity     int `yaml:"capacity"`
	SafetyBuffer int `yaml:"safety_buffer"`
	MaxWaitMs    int `yaml:"max_wait_ms"`
}

func (c RateLimitConfig) Window() time.Duration { return time.Duration(c.WindowMs) * time.Millisecond }
func (c RateLimitConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type OrdersConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

func (c OrdersConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Rest: RestConfig{
			BaseURL:   "https://fapi.binance.com",
			TimeoutMs: 30_000,
		},
		Stream: StreamConfig{
			URL:                  "wss://fstream.binance.com/ws",
			PingIntervalMs:       30_000,
			ReconnectBaseDelayMs: 1_000,
			MaxReconnectAttempts: 8,
			ReconnectCooldownMs:  300_000,
			ListenKeyRefreshMs:   1_500_000, // 25 minutes
		},
		RateLimit: RateLimitConfig{
			WindowMs:     60_000,
			Capacity:     1200,
			SafetyBuffer: 100,
			MaxWaitMs:    15_000,
		},
		Orders: OrdersConfig{
			MaxRetries:     3,
			RetryBackoffMs: 500,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML config file layered over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
