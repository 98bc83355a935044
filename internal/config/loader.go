package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, then applies .env and
// environment overrides. An empty path, or a path that does not exist, uses
// defaults plus environment only. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ORACLE_* variable is set. The
// unprefixed PORT, DATABASE_URL and REDIS_URL are honoured first so older
// deployments keep working; the prefixed names win.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// Server
	setInt(&cfg.Server.Port, "ORACLE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "ORACLE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ORACLE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "ORACLE_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "ORACLE_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ORACLE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLE_SERVER_CORS_ORIGINS")

	// Postgres
	setStr(&cfg.Postgres.DSN, "ORACLE_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "ORACLE_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORACLE_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.URL, "ORACLE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ORACLE_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "ORACLE_REDIS_LOCK_TTL")
	setDuration(&cfg.Redis.LockPoll, "ORACLE_REDIS_LOCK_POLL")

	// Escrow
	setStr(&cfg.Escrow.CapabilitySecret, "ORACLE_ESCROW_CAPABILITY_SECRET")
	setBool(&cfg.Escrow.FaucetEnabled, "ORACLE_ESCROW_FAUCET_ENABLED")
	setInt64(&cfg.Escrow.FaucetMax, "ORACLE_ESCROW_FAUCET_MAX")

	// Auth
	setDuration(&cfg.Auth.MaxSkew, "ORACLE_AUTH_MAX_SKEW")
	setBool(&cfg.Auth.Insecure, "ORACLE_AUTH_INSECURE")

	// Archive
	setStr(&cfg.Archive.Endpoint, "ORACLE_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "ORACLE_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "ORACLE_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "ORACLE_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "ORACLE_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.PathStyle, "ORACLE_ARCHIVE_PATH_STYLE")

	// Leaderboard
	setDuration(&cfg.Leaderboard.CacheTTL, "ORACLE_LEADERBOARD_CACHE_TTL")
	setInt(&cfg.Leaderboard.DefaultLimit, "ORACLE_LEADERBOARD_DEFAULT_LIMIT")
	setInt(&cfg.Leaderboard.MaxLimit, "ORACLE_LEADERBOARD_MAX_LIMIT")

	setStr(&cfg.Seed.Authority, "ORACLE_SEED_AUTHORITY")
	setStr(&cfg.LogLevel, "ORACLE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
