// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Package config loads the rules engine configuration.
//
// Values are layered: built-in defaults, then the YAML config file, then
// command-line flags the user actually set. DATABASE_URL and REDIS_ADDR in
// the environment fill the connection settings when neither the file nor a
// flag does.
package config

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	"github.com/pulsarhq/pulsar/internal/access/rules/decision"
	"github.com/pulsarhq/pulsar/internal/access/rules/resolver"
	"github.com/pulsarhq/pulsar/internal/logging"
	"github.com/pulsarhq/pulsar/internal/xdg"
)

// CodeInvalid marks configuration that cannot be loaded or is out of range.
const CodeInvalid = "INVALID_CONFIG"

// Config is the full engine configuration.
type Config struct {
	Log               LogConfig      `koanf:"log"`
	Database          DatabaseConfig `koanf:"database"`
	Redis             RedisConfig    `koanf:"redis"`
	Cache             CacheConfig    `koanf:"cache"`
	Store             StoreConfig    `koanf:"store"`
	Audit             AuditConfig    `koanf:"audit"`
	Metrics           MetricsConfig  `koanf:"metrics"`
	Seed              SeedConfig     `koanf:"seed"`
	LockedPermissions []string       `koanf:"locked_permissions"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig points at PostgreSQL.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// RedisConfig configures the invalidation bus. An empty Addr disables it.
type RedisConfig struct {
	Addr    string `koanf:"addr"`
	Channel string `koanf:"channel"`
}

// CacheConfig sizes the decision cache.
type CacheConfig struct {
	Size int           `koanf:"size"`
	TTL  time.Duration `koanf:"ttl"`
}

// StoreConfig bounds store calls.
type StoreConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Retries uint64        `koanf:"retries"`
	Backoff time.Duration `koanf:"backoff"`
}

// AuditConfig selects what is audited and where the WAL lives.
type AuditConfig struct {
	Mode    string `koanf:"mode"`
	WALPath string `koanf:"wal_path"`
}

// MetricsConfig configures the observability listener. Empty disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// SeedConfig names a seed file applied by the seed command. Empty uses the
// built-in seed.
type SeedConfig struct {
	Path string `koanf:"path"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.format":         "json",
		"log.level":          "info",
		"redis.channel":      "pulsar:rules:invalidate",
		"cache.size":         10000,
		"cache.ttl":          time.Minute,
		"store.timeout":      500 * time.Millisecond,
		"store.retries":      2,
		"store.backoff":      20 * time.Millisecond,
		"audit.mode":         string(audit.ModeModeration),
		"metrics.addr":       "127.0.0.1:9100",
		"locked_permissions": access.DefaultLockedPermissions(),
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"log-format":     "log.format",
	"log-level":      "log.level",
	"database-url":   "database.url",
	"redis-addr":     "redis.addr",
	"redis-channel":  "redis.channel",
	"cache-size":     "cache.size",
	"cache-ttl":      "cache.ttl",
	"store-timeout":  "store.timeout",
	"audit-mode":     "audit.mode",
	"audit-wal-path": "audit.wal_path",
	"metrics-addr":   "metrics.addr",
	"seed":           "seed.path",
}

// RegisterFlags adds the overridable settings to fs. Only flags the user
// sets take effect; their defaults are ignored in favour of the layers
// below.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-format", "", "log format (json or text)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("redis-addr", "", "Redis address for cache invalidation (empty = single replica)")
	fs.String("redis-channel", "", "Redis pub/sub channel for cache invalidation")
	fs.Int("cache-size", 0, "maximum cached decisions")
	fs.Duration("cache-ttl", 0, "decision cache TTL")
	fs.Duration("store-timeout", 0, "timeout for each store call")
	fs.String("audit-mode", "", "audit mode (moderation, denials, all)")
	fs.String("audit-wal-path", "", "audit write-ahead log path (default: XDG state dir)")
	fs.String("metrics-addr", "", "metrics/health HTTP address")
	fs.String("seed", "", "seed YAML file (default: built-in seed)")
}

// Load reads the configuration. An empty path uses rules.yaml in the XDG
// config directory when that file exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, val := range defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.In("config").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, oops.In("config").Code(CodeInvalid).With("path", path).Wrapf(err, "load config file")
			}
		}
	}

	for env, key := range map[string]string{"DATABASE_URL": "database.url", "REDIS_ADDR": "redis.addr"} {
		if v := os.Getenv(env); v != "" && k.String(key) == "" {
			if err := k.Set(key, v); err != nil {
				return nil, oops.In("config").With("key", key).Wrap(err)
			}
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Code(CodeInvalid).Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Code(CodeInvalid).Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enums and bounds.
func (c *Config) Validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", c.Log.Format, "must be 'json' or 'text'")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	if _, err := audit.ParseMode(c.Audit.Mode); err != nil {
		return invalid("audit.mode", c.Audit.Mode, "must be moderation, denials or all")
	}
	if c.Cache.Size <= 0 {
		return invalid("cache.size", c.Cache.Size, "must be positive")
	}
	if c.Cache.TTL <= 0 {
		return invalid("cache.ttl", c.Cache.TTL, "must be positive")
	}
	if c.Store.Timeout <= 0 {
		return invalid("store.timeout", c.Store.Timeout, "must be positive")
	}
	if c.Store.Retries > 10 {
		return invalid("store.retries", c.Store.Retries, "must be at most 10")
	}
	if c.Store.Backoff <= 0 {
		return invalid("store.backoff", c.Store.Backoff, "must be positive")
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return invalid("redis.channel", c.Redis.Channel, "is required when redis.addr is set")
	}
	return nil
}

func invalid(key string, val any, msg string) error {
	return oops.In("config").Code(CodeInvalid).
		With("key", key).
		With("value", val).
		Errorf("%s %s", key, msg)
}

// ResolverOptions returns the store bounds for the subject resolver.
func (c *Config) ResolverOptions() resolver.Options {
	return resolver.Options{Timeout: c.Store.Timeout, Retries: c.Store.Retries, Backoff: c.Store.Backoff}
}

// CacheOptions returns the decision cache sizing.
func (c *Config) CacheOptions() decision.Options {
	return decision.Options{Size: c.Cache.Size, TTL: c.Cache.TTL}
}

// LogLevel returns the parsed log level. Validate has already checked it.
func (c *Config) LogLevel() slog.Level {
	l, _ := logging.ParseLevel(c.Log.Level)
	return l
}

// AuditMode returns the parsed audit mode. Validate has already checked it.
func (c *Config) AuditMode() audit.Mode {
	m, _ := audit.ParseMode(c.Audit.Mode)
	return m
}
