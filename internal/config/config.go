// Package config loads pushgate configuration from an optional TOML file
// with environment variable overrides on top.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration parses TOML duration strings such as "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type AuthConfig struct {
	JWTSecret          string   `toml:"jwt_secret"`
	InternalHMACSecret string   `toml:"internal_hmac_secret"`
	InternalMaxSkew    Duration `toml:"internal_max_skew"`
}

type PushConfig struct {
	RateLimitMax      int      `toml:"rate_limit_max"`
	RateLimitWindow   Duration `toml:"rate_limit_window"`
	MailboxCapacity   int      `toml:"mailbox_capacity"`
	MaxIdle           Duration `toml:"max_idle"`
	IdleSweepInterval Duration `toml:"idle_sweep_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	FlushInterval     Duration `toml:"flush_interval"`
	WriteTimeout      Duration `toml:"write_timeout"`
}

type HTTPConfig struct {
	RateLimitMax    int      `toml:"rate_limit_max"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
}

type HistoryConfig struct {
	DSN        string `toml:"dsn"`
	SinceLimit int    `toml:"since_limit"`
}

type Config struct {
	Listen   string        `toml:"listen"`
	LogLevel string        `toml:"log_level"`
	LogJSON  bool          `toml:"log_json"`
	Auth     AuthConfig    `toml:"auth"`
	Push     PushConfig    `toml:"push"`
	HTTP     HTTPConfig    `toml:"http"`
	History  HistoryConfig `toml:"history"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Auth: AuthConfig{
			InternalMaxSkew: Duration(5 * time.Minute),
		},
		Push: PushConfig{
			RateLimitWindow:   Duration(time.Minute),
			MaxIdle:           Duration(5 * time.Minute),
			IdleSweepInterval: Duration(30 * time.Second),
			HeartbeatInterval: Duration(60 * time.Second),
			FlushInterval:     Duration(5 * time.Second),
			WriteTimeout:      Duration(5 * time.Second),
		},
		HTTP: HTTPConfig{
			RateLimitWindow: Duration(time.Minute),
		},
		History: HistoryConfig{
			DSN: "memory://",
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path if non-empty, then PUSHGATE_* environment variables. A missing file
// is an error; malformed environment values log and keep the prior value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Push.RateLimitMax < 0 {
		return fmt.Errorf("push rate_limit_max must not be negative")
	}
	if c.HTTP.RateLimitMax < 0 {
		return fmt.Errorf("http rate_limit_max must not be negative")
	}
	if c.History.SinceLimit < 0 {
		return fmt.Errorf("history since_limit must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %s", c.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = stringEnv("PUSHGATE_ADDR", cfg.Listen)
	cfg.LogLevel = stringEnv("PUSHGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = boolEnv("PUSHGATE_LOG_JSON", cfg.LogJSON)

	cfg.Auth.JWTSecret = stringEnv("PUSHGATE_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.InternalHMACSecret = stringEnv("PUSHGATE_INTERNAL_HMAC_SECRET", cfg.Auth.InternalHMACSecret)
	cfg.Auth.InternalMaxSkew = Duration(durationEnv("PUSHGATE_INTERNAL_MAX_SKEW", cfg.Auth.InternalMaxSkew.Std()))

	cfg.Push.RateLimitMax = intEnv("PUSHGATE_RATE_LIMIT_MAX", cfg.Push.RateLimitMax)
	cfg.Push.RateLimitWindow = Duration(durationEnv("PUSHGATE_RATE_LIMIT_WINDOW", cfg.Push.RateLimitWindow.Std()))
	cfg.Push.MailboxCapacity = intEnv("PUSHGATE_MAILBOX_CAPACITY", cfg.Push.MailboxCapacity)
	cfg.Push.MaxIdle = Duration(durationEnv("PUSHGATE_MAX_IDLE", cfg.Push.MaxIdle.Std()))
	cfg.Push.IdleSweepInterval = Duration(durationEnv("PUSHGATE_IDLE_SWEEP_INTERVAL", cfg.Push.IdleSweepInterval.Std()))
	cfg.Push.HeartbeatInterval = Duration(durationEnv("PUSHGATE_HEARTBEAT_INTERVAL", cfg.Push.HeartbeatInterval.Std()))
	cfg.Push.FlushInterval = Duration(durationEnv("PUSHGATE_FLUSH_INTERVAL", cfg.Push.FlushInterval.Std()))
	cfg.Push.WriteTimeout = Duration(durationEnv("PUSHGATE_WRITE_TIMEOUT", cfg.Push.WriteTimeout.Std()))

	cfg.HTTP.RateLimitMax = intEnv("PUSHGATE_HTTP_RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = Duration(durationEnv("PUSHGATE_HTTP_RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow.Std()))
	cfg.HTTP.MaxBodyBytes = int64Env("PUSHGATE_MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)

	cfg.History.DSN = stringEnv("PUSHGATE_HISTORY_DSN", cfg.History.DSN)
	cfg.History.SinceLimit = intEnv("PUSHGATE_HISTORY_SINCE_LIMIT", cfg.History.SinceLimit)
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
