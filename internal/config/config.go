// Package config defines the oracle engine configuration: a TOML file merged
// over built-in defaults, then .env and ORACLE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Escrow      EscrowConfig      `toml:"escrow"`
	Auth        AuthConfig        `toml:"auth"`
	Archive     ArchiveConfig     `toml:"archive"`
	Leaderboard LeaderboardConfig `toml:"leaderboard"`
	Seed        SeedConfig        `toml:"seed"`
	LogLevel    string            `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// PostgresConfig selects the durable store. An empty DSN means in-memory.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and distributed market locks.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	LockTTL  duration `toml:"lock_ttl"`
	LockPoll duration `toml:"lock_poll"`
}

type EscrowConfig struct {
	// CapabilitySecret keys the escrow capability seals. A random secret is
	// generated at startup when empty, which only the in-memory ledger allows.
	CapabilitySecret string `toml:"capability_secret"`
	FaucetEnabled    bool   `toml:"faucet_enabled"`
	// FaucetMax caps a single airdrop, in base units.
	FaucetMax int64 `toml:"faucet_max"`
}

type AuthConfig struct {
	MaxSkew duration `toml:"max_skew"`
	// Insecure trusts the X-Oracle-Address header without a signature.
	// Local development only.
	Insecure bool `toml:"insecure"`
}

// ArchiveConfig points at an S3-compatible bucket. No bucket disables
// archiving.
type ArchiveConfig struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool   `toml:"path_style"`
}

type LeaderboardConfig struct {
	CacheTTL     duration `toml:"cache_ttl"`
	DefaultLimit int      `toml:"default_limit"`
	MaxLimit     int      `toml:"max_limit"`
}

// SeedConfig is used by the seed command.
type SeedConfig struct {
	Authority string `toml:"authority"`
}

// duration wraps time.Duration for TOML text decoding ("30s", "5m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
			LockPoll: duration{25 * time.Millisecond},
		},
		Escrow: EscrowConfig{
			FaucetMax: 1_000_000_000_000, // 1000 tokens
		},
		Auth: AuthConfig{
			MaxSkew: duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
		},
		Leaderboard: LeaderboardConfig{
			CacheTTL:     duration{15 * time.Second},
			DefaultLimit: 20,
			MaxLimit:     100,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, errors.New("postgres.max_conns must be positive"))
	}
	if c.Redis.URL != "" {
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, errors.New("redis.lock_ttl must be positive"))
		}
		if c.Redis.LockPoll.Duration <= 0 {
			errs = append(errs, errors.New("redis.lock_poll must be positive"))
		}
	}
	if s := c.Escrow.CapabilitySecret; s != "" && len(s) < 16 {
		errs = append(errs, errors.New("escrow.capability_secret must be at least 16 bytes"))
	}
	// Escrow balances outlive the process, so their capabilities must too.
	if c.Postgres.DSN != "" && c.Escrow.CapabilitySecret == "" {
		errs = append(errs, errors.New("escrow.capability_secret is required with postgres.dsn"))
	}
	if c.Escrow.FaucetEnabled && c.Escrow.FaucetMax <= 0 {
		errs = append(errs, errors.New("escrow.faucet_max must be positive when the faucet is enabled"))
	}
	if c.Auth.MaxSkew.Duration < 0 {
		errs = append(errs, errors.New("auth.max_skew must not be negative"))
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		errs = append(errs, errors.New("archive.region is required with archive.bucket"))
	}
	if c.Leaderboard.DefaultLimit <= 0 || c.Leaderboard.MaxLimit < c.Leaderboard.DefaultLimit {
		errs = append(errs, errors.New("leaderboard limits must satisfy 0 < default_limit <= max_limit"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level. Invalid values fall back to
// info; Validate reports them.
func (c Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q must be debug, info, warn or error", s)
}
