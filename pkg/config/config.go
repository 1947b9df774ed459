// Package config handles gateway configuration from a YAML file and
// environment variables.
//
// Configuration is resolved in two layers: an optional YAML file loaded
// first, then BIFROST_* environment variables on top. All values have
// defaults, so the gateway starts with no configuration at all (one
// in-memory database named "memory").
//
// Example:
//
//	cfg, err := config.Load("bifrost.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration.
//
// Sections:
//   - Server: HTTP listener settings
//   - Flight: Arrow Flight (gRPC) listener settings
//   - Databases: id -> DuckDB path map
//   - Pool: connection pool budgets
//   - Cache: result cache budgets
//   - Auth: bearer-token authentication
//   - Logging: log level and format
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Flight    FlightConfig      `yaml:"flight"`
	Databases map[string]string `yaml:"databases"`
	Default   string            `yaml:"defaultDatabase"`
	Pool      PoolConfig        `yaml:"pool"`
	Cache     CacheConfig       `yaml:"cache"`
	Auth      AuthConfig        `yaml:"auth"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Address to bind to.
	Address string `yaml:"address"`
	// Port for HTTP connections (default 3000).
	Port int `yaml:"port"`
	// ReadTimeout and WriteTimeout bound slow clients. The write
	// timeout must cover the longest expected query.
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// MaxRows caps result rows when a request sets no cap (0 = none).
	MaxRows int `yaml:"maxRows"`
	// Workers bounds concurrent query executions.
	Workers int `yaml:"workers"`
}

// FlightConfig holds Arrow Flight server settings.
type FlightConfig struct {
	// Enabled controls whether the Flight listener starts.
	Enabled bool `yaml:"enabled"`
	// Port for gRPC connections (default 3001).
	Port int `yaml:"port"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	// Size is the per-database connection count. In-memory databases
	// are always capped at one connection.
	Size int `yaml:"size"`
	// AcquireTimeout bounds waiting for a free connection.
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	// Enabled controls the result cache.
	Enabled bool `yaml:"enabled"`
	// MaxEntries bounds the number of cached results.
	MaxEntries int `yaml:"maxEntries"`
	// MaxBytes is the payload byte budget, human-readable ("256MB").
	MaxBytes string `yaml:"maxBytes"`
	// TTL expires entries; zero keeps them until evicted.
	TTL time.Duration `yaml:"ttl"`
}

// AuthConfig holds bearer-token settings.
type AuthConfig struct {
	// Enabled requires a bearer token on every HTTP request.
	Enabled bool `yaml:"enabled"`
	// Token is the expected token, or its bcrypt hash ("$2...").
	Token string `yaml:"token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format (json, console).
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			MaxRows:      0,
			Workers:      16,
		},
		Flight: FlightConfig{
			Enabled: false,
			Port:    3001,
		},
		Databases: map[string]string{"memory": ":memory:"},
		Default:   "memory",
		Pool: PoolConfig{
			Size:           4,
			AcquireTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 1000,
			MaxBytes:   "256MB",
			TTL:        0,
		},
		Auth: AuthConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that order. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays BIFROST_* environment variables.
func (c *Config) applyEnv() {
	c.Server.Address = getEnv("BIFROST_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("BIFROST_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("BIFROST_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("BIFROST_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.MaxRows = getEnvInt("BIFROST_MAX_ROWS", c.Server.MaxRows)
	c.Server.Workers = getEnvInt("BIFROST_WORKERS", c.Server.Workers)

	c.Flight.Enabled = getEnvBool("BIFROST_FLIGHT_ENABLED", c.Flight.Enabled)
	c.Flight.Port = getEnvInt("BIFROST_FLIGHT_PORT", c.Flight.Port)

	// BIFROST_DATABASES="main=./data/main.db,scratch=:memory:"
	if dbs := os.Getenv("BIFROST_DATABASES"); dbs != "" {
		parsed := ParseDatabases(dbs)
		if len(parsed) > 0 {
			c.Databases = parsed
		}
	}
	c.Default = getEnv("BIFROST_DEFAULT_DATABASE", c.Default)

	c.Pool.Size = getEnvInt("BIFROST_POOL_SIZE", c.Pool.Size)
	c.Pool.AcquireTimeout = getEnvDuration("BIFROST_POOL_ACQUIRE_TIMEOUT", c.Pool.AcquireTimeout)

	c.Cache.Enabled = getEnvBool("BIFROST_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.MaxEntries = getEnvInt("BIFROST_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.MaxBytes = getEnv("BIFROST_CACHE_MAX_BYTES", c.Cache.MaxBytes)
	c.Cache.TTL = getEnvDuration("BIFROST_CACHE_TTL", c.Cache.TTL)

	c.Auth.Enabled = getEnvBool("BIFROST_AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.Token = getEnv("BIFROST_AUTH_TOKEN", c.Auth.Token)

	c.Logging.Level = getEnv("BIFROST_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("BIFROST_LOG_FORMAT", c.Logging.Format)
}

// CacheMaxBytes returns the parsed byte budget.
func (c *Config) CacheMaxBytes() int64 {
	return parseMemorySize(c.Cache.MaxBytes)
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid http port %d", c.Server.Port)
	}
	if c.Flight.Enabled && (c.Flight.Port <= 0 || c.Flight.Port > 65535) {
		return fmt.Errorf("config: invalid flight port %d", c.Flight.Port)
	}
	if len(c.Databases) == 0 {
		return fmt.Errorf("config: no databases configured")
	}
	if c.Default != "" {
		if _, ok := c.Databases[c.Default]; !ok {
			return fmt.Errorf("config: default database %q is not configured", c.Default)
		}
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("config: pool size must be positive, got %d", c.Pool.Size)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Server.Workers)
	}
	if c.Cache.Enabled {
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("config: cache max entries must be positive, got %d", c.Cache.MaxEntries)
		}
		if c.CacheMaxBytes() <= 0 {
			return fmt.Errorf("config: cache max bytes %q is not a positive size", c.Cache.MaxBytes)
		}
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("config: auth enabled without a token")
	}
	return nil
}

// String returns a log-safe summary. The auth token is never included.
func (c *Config) String() string {
	ids := make([]string, 0, len(c.Databases))
	for id := range c.Databases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf(
		"Config{HTTP: %s:%d, Flight: %v, Databases: [%s], Pool: %d, Cache: %v/%s, Auth: %v}",
		c.Server.Address, c.Server.Port,
		c.Flight.Enabled,
		strings.Join(ids, " "),
		c.Pool.Size,
		c.Cache.Enabled, c.Cache.MaxBytes,
		c.Auth.Enabled,
	)
}

// ParseDatabases parses "id=path,id=path" pairs.
func ParseDatabases(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, path, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		id, path = strings.TrimSpace(id), strings.TrimSpace(path)
		if id != "" && path != "" {
			out[id] = path
		}
	}
	return out
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable byte size.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB".
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}
