// Package config loads the server configuration.
//
// Sources, later ones winning:
//
//  1. DefaultConfig
//  2. an optional YAML file (config.yaml by default)
//  3. a .env file, copied into the process environment
//  4. VMIG_* environment variables
//
// Environment keys map onto the YAML layout with "__" as the nesting
// separator: VMIG_STORE__DRIVER=redis sets store.driver.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "VMIG_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverS3     = "s3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	Session   SessionConfig   `yaml:"session" koanf:"session"`
	Log       LogConfig       `yaml:"log" koanf:"log"`
	Database  DatabaseConfig  `yaml:"database" koanf:"database"`
	Store     StoreConfig     `yaml:"store" koanf:"store"`
	Google    GoogleConfig    `yaml:"google" koanf:"google"`
	RateLimit RateLimitConfig `yaml:"rate_limit" koanf:"rate_limit"`
	Latency   LatencyConfig   `yaml:"latency" koanf:"latency"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" koanf:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins" koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
}

type SessionConfig struct {
	// Secret signs the session cookie. Required outside of dev.
	Secret       string        `yaml:"secret" koanf:"secret"`
	TTL          time.Duration `yaml:"ttl" koanf:"ttl"`
	SecureCookie bool          `yaml:"secure_cookie" koanf:"secure_cookie"`
	// Cached sessions idle for MaxIdle are evicted every SweepInterval.
	SweepInterval time.Duration `yaml:"sweep_interval" koanf:"sweep_interval"`
	MaxIdle       time.Duration `yaml:"max_idle" koanf:"max_idle"`
}

type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`   // debug, info, warn, error
	Format string `yaml:"format" koanf:"format"` // text or json
}

type DatabaseConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

type StoreConfig struct {
	Driver string      `yaml:"driver" koanf:"driver"`
	Redis  RedisConfig `yaml:"redis" koanf:"redis"`
	S3     S3Config    `yaml:"s3" koanf:"s3"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" koanf:"addr"`
	Password string        `yaml:"password" koanf:"password"`
	DB       int           `yaml:"db" koanf:"db"`
	TTL      time.Duration `yaml:"ttl" koanf:"ttl"`
}

type S3Config struct {
	Endpoint     string `yaml:"endpoint" koanf:"endpoint"`
	Region       string `yaml:"region" koanf:"region"`
	AccessKey    string `yaml:"access_key" koanf:"access_key"`
	SecretKey    string `yaml:"secret_key" koanf:"secret_key"`
	Bucket       string `yaml:"bucket" koanf:"bucket"`
	UsePathStyle bool   `yaml:"use_path_style" koanf:"use_path_style"`
	Prefix       string `yaml:"prefix" koanf:"prefix"`
}

// GoogleConfig enables real Google sign-in when ClientID is set. Without
// it /api/auth/google signs in the fixed demo Google account.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" koanf:"client_id"`
	ClientSecret string `yaml:"client_secret" koanf:"client_secret"`
	CallbackURL  string `yaml:"callback_url" koanf:"callback_url"`
	RedirectURL  string `yaml:"redirect_url" koanf:"redirect_url"`
}

// Enabled reports whether real OAuth is configured.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

type RateLimitConfig struct {
	GeneratePerMinute int `yaml:"generate_per_minute" koanf:"generate_per_minute"`
	Burst             int `yaml:"burst" koanf:"burst"`
}

// LatencyConfig switches the simulated backend delays on or off.
type LatencyConfig struct {
	Enabled bool `yaml:"enabled" koanf:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:5173"},
			ShutdownTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Secret:        "dev-only-change-me-0123456789abcdef",
			TTL:           30 * 24 * time.Hour,
			SweepInterval: 5 * time.Minute,
			MaxIdle:       30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path: "data/vmig.db",
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "vmig",
			},
		},
		Google: GoogleConfig{
			CallbackURL: "http://localhost:8080/auth/google/callback",
			RedirectURL: "/",
		},
		RateLimit: RateLimitConfig{
			GeneratePerMinute: 20,
			Burst:             5,
		},
		Latency: LatencyConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration from path (skipped when it does not exist),
// envFile (same) and the environment, then validates it.
func Load(path, envFile string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadEnvFile copies envFile into the environment without overriding
// variables that are already set.
func loadEnvFile(envFile string) error {
	if envFile == "" {
		return nil
	}
	info, err := os.Stat(envFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("access env file %s: %w", envFile, err)
	}
	if info.IsDir() {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}

// envValue turns VMIG_STORE__REDIS__ADDR into store.redis.addr. List
// settings take a comma-separated value.
func envValue(key, value string) (string, any) {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "__", ".")
	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}

var listKeys = map[string]bool{"server.allowed_origins": true}

var validDrivers = map[string]bool{
	DriverMemory: true,
	DriverSQLite: true,
	DriverRedis:  true,
	DriverS3:     true,
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session.secret must be at least 32 characters")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 || c.Session.MaxIdle <= 0 {
		return fmt.Errorf("session.sweep_interval and session.max_idle must be positive")
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be one of debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("invalid store.driver %q: must be one of memory, sqlite, redis, s3", c.Store.Driver)
	}
	switch c.Store.Driver {
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	case DriverS3:
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required for the s3 driver")
		}
	}
	if (c.Google.ClientID == "") != (c.Google.ClientSecret == "") {
		return fmt.Errorf("google.client_id and google.client_secret must be set together")
	}
	if c.RateLimit.GeneratePerMinute <= 0 {
		return fmt.Errorf("rate_limit.generate_per_minute must be positive")
	}
	return nil
}
