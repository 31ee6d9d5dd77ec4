// Package config loads server configuration from environment variables
// and the connection context from an environment file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fruitsalade/sfgrid/internal/rpc"
)

// Config holds resource server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Catalog: postgres when DatabaseURL is set, otherwise the YAML topology file
	DatabaseURL    string
	TopologyFile   string
	CatalogRefresh time.Duration

	// Connection context file (host identity, zone, zone key)
	EnvFile string

	// Directory reads
	DefaultBatchSize int
	MaxBatchSize     int

	// Peer calls and sessions
	RemoteTimeout  time.Duration
	ConnectTimeout time.Duration
	SessionIdleTTL time.Duration

	// TLS (optional, HTTPS when both are set)
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables with defaults. A
// variable that is set but does not parse is an error.
func Load() (*Config, error) {
	var env envParser
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":1247"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		TopologyFile:     envOr("TOPOLOGY_FILE", ""),
		CatalogRefresh:   env.durationVar("CATALOG_REFRESH", time.Minute),
		EnvFile:          envOr("SFGRID_ENV_FILE", ""),
		DefaultBatchSize: env.intVar("DEFAULT_BATCH_SIZE", 64),
		MaxBatchSize:     env.intVar("MAX_BATCH_SIZE", 1024),
		RemoteTimeout:    env.durationVar("REMOTE_TIMEOUT", 30*time.Second),
		ConnectTimeout:   env.durationVar("CONNECT_TIMEOUT", 5*time.Second),
		SessionIdleTTL:   env.durationVar("SESSION_IDLE_TTL", 15*time.Minute),
		TLSCertFile:      envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:       envOr("TLS_KEY_FILE", ""),
	}
	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" && cfg.TopologyFile == "" {
		return nil, fmt.Errorf("DATABASE_URL or TOPOLOGY_FILE is required")
	}
	if cfg.CatalogRefresh <= 0 {
		return nil, fmt.Errorf("CATALOG_REFRESH must be positive")
	}
	if cfg.DefaultBatchSize <= 0 {
		return nil, fmt.Errorf("DEFAULT_BATCH_SIZE must be positive")
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be at least DEFAULT_BATCH_SIZE")
	}
	if limit := min(rpc.MaxBatchEntries, rpc.MaxBodyEntries); cfg.MaxBatchSize > limit {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must not exceed %d", limit)
	}
	if cfg.RemoteTimeout <= 0 {
		return nil, fmt.Errorf("REMOTE_TIMEOUT must be positive")
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("CONNECT_TIMEOUT must be positive")
	}
	if cfg.SessionIdleTTL < 0 {
		return nil, fmt.Errorf("SESSION_IDLE_TTL must not be negative")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envParser reads typed variables and collects parse errors.
type envParser struct {
	errs []error
}

func (p *envParser) intVar(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return i
}

func (p *envParser) durationVar(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
