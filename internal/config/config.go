package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// TRACESERVER_DATABASE_DSN.
const EnvPrefix = "TRACESERVER_"

type Config struct {
	Version  int            `yaml:"version"`
	Database DatabaseConfig `yaml:"database" env:", prefix=DATABASE_"`
	Server   ServerConfig   `yaml:"server" env:", prefix=SERVER_"`
	Retry    RetryConfig    `yaml:"retry" env:", prefix=RETRY_"`
	Workers  int            `yaml:"workers" env:"WORKERS"`
	Cache    CacheConfig    `yaml:"cache" env:", prefix=CACHE_"`
	Query    QueryConfig    `yaml:"query" env:", prefix=QUERY_"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

type ServerConfig struct {
	Transport   string `yaml:"transport" env:"TRANSPORT"`
	Addr        string `yaml:"addr" env:"ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

type CacheConfig struct {
	RefCacheSize int `yaml:"ref_cache_size" env:"REF_CACHE_SIZE"`
}

type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" env:"DEFAULT_LIMIT"`
}

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

func Default() *Config {
	return &Config{
		Version:  1,
		Database: DatabaseConfig{DSN: "sqlite://traceserver.db"},
		Server:   ServerConfig{Transport: TransportStdio, Addr: ":8080"},
		Retry: RetryConfig{
			MaxRetries:      5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Workers: 8,
		Cache:   CacheConfig{RefCacheSize: 1024},
		Query:   QueryConfig{DefaultLimit: 1000},
	}
}

// Load reads the yaml file at path over the defaults and then applies
// TRACESERVER_ environment overrides from lookuper. A missing file is not an
// error when optional is set. A nil lookuper reads the process environment.
func Load(ctx context.Context, path string, optional bool, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("loading config: %w", err)
			}
		case optional && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, lookuper),
		DefaultOverwrite: true,
	}); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return fmt.Errorf("database dsn is required")
	}
	if _, _, ok := strings.Cut(dsn, "://"); !ok {
		return fmt.Errorf("database dsn must have a scheme: %s", dsn)
	}

	switch cfg.Server.Transport {
	case TransportStdio:
	case TransportHTTP:
		if strings.TrimSpace(cfg.Server.Addr) == "" {
			return fmt.Errorf("server addr is required for the http transport")
		}
	default:
		return fmt.Errorf("unknown server transport: %s", cfg.Server.Transport)
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval <= 0 {
		return fmt.Errorf("retry intervals must be positive")
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return fmt.Errorf("retry max_interval %s is below initial_interval %s", cfg.Retry.MaxInterval, cfg.Retry.InitialInterval)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if cfg.Cache.RefCacheSize <= 0 {
		return fmt.Errorf("cache ref_cache_size must be positive")
	}
	if cfg.Query.DefaultLimit <= 0 {
		return fmt.Errorf("query default_limit must be positive")
	}
	return nil
}
