/*
Package config loads server settings with viper.

SOURCES (later wins):
  1. defaults below
  2. .env / config.env in the working directory or ./config
  3. environment variables

KEYS:
  APP_ENV, LOG_LEVEL                  logging
  HTTP_HOST, HTTP_PORT                listener
  STORE_DRIVER                        memory | sqlite | postgres
  SQLITE_PATH, DATABASE_URL           store location
  REDIS_ADDR                          required by the redis backends
  CACHE_BACKEND, CACHE_TTL_SEC        memory | redis | none
  LOCK_BACKEND, LOCK_TTL_SEC          local | redis
  DIRECTORY_TIMEOUT_MS                provenance lookup bound
  MAX_COMMIT_ATTEMPTS                 optimistic commit retries
  AUDIT_INTERVAL_SEC                  balance auditor period (0 disables)
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"

	LockLocal = "local"
	LockRedis = "redis"
)

type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Store     StoreConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Directory DirectoryConfig
}

type AppConfig struct {
	Env      string // development, staging, production
	LogLevel string
}

func (c AppConfig) IsDevelopment() bool { return c.Env == "development" }

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StoreConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

type RedisConfig struct {
	Addr         string
	CacheBackend string
	CacheTTL     time.Duration
	LockBackend  string
	LockTTL      time.Duration
}

type LedgerConfig struct {
	MaxCommitAttempts int
	AuditInterval     time.Duration
}

type DirectoryConfig struct {
	Timeout time.Duration
}

// Load reads the configuration and validates the backend choices.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional

	v.SetConfigName("config")
	v.AddConfigPath("./config")
	_ = v.MergeInConfig() // optional

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return FromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("STORE_DRIVER", StoreSQLite)
	v.SetDefault("SQLITE_PATH", "./data/ledger.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("CACHE_BACKEND", CacheMemory)
	v.SetDefault("CACHE_TTL_SEC", 3600)
	v.SetDefault("LOCK_BACKEND", LockLocal)
	v.SetDefault("LOCK_TTL_SEC", 10)
	v.SetDefault("DIRECTORY_TIMEOUT_MS", 500)
	v.SetDefault("MAX_COMMIT_ATTEMPTS", 3)
	v.SetDefault("AUDIT_INTERVAL_SEC", 300)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
			SQLitePath:  v.GetString("SQLITE_PATH"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:         v.GetString("REDIS_ADDR"),
			CacheBackend: strings.ToLower(v.GetString("CACHE_BACKEND")),
			CacheTTL:     time.Duration(v.GetInt("CACHE_TTL_SEC")) * time.Second,
			LockBackend:  strings.ToLower(v.GetString("LOCK_BACKEND")),
			LockTTL:      time.Duration(v.GetInt("LOCK_TTL_SEC")) * time.Second,
		},
		Ledger: LedgerConfig{
			MaxCommitAttempts: v.GetInt("MAX_COMMIT_ATTEMPTS"),
			AuditInterval:     time.Duration(v.GetInt("AUDIT_INTERVAL_SEC")) * time.Second,
		},
		Directory: DirectoryConfig{
			Timeout: time.Duration(v.GetInt("DIRECTORY_TIMEOUT_MS")) * time.Millisecond,
		},
	}
	return cfg, cfg.Validate()
}

// Validate reports unknown backends and missing connection settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	switch c.Redis.CacheBackend {
	case CacheMemory, CacheNone, CacheRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.Redis.CacheBackend))
	}
	switch c.Redis.LockBackend {
	case LockLocal, LockRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.Redis.LockBackend))
	}
	if (c.Redis.CacheBackend == CacheRedis || c.Redis.LockBackend == LockRedis) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required by the redis backends"))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port))
	}
	if c.Ledger.MaxCommitAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_COMMIT_ATTEMPTS must be positive, got %d", c.Ledger.MaxCommitAttempts))
	}
	return errors.Join(errs...)
}
