// Package config loads the ledger's settings from environment variables.
// Defaults live in struct tags; Validate fails fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Import   ImportConfig
	Folder   FolderConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"120s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-import requests.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	// URL accepts DATABASE_URL or DB_URL.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies embedded migrations on startup.
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// RedisConfig holds the optional Redis connection. An empty URL disables it.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// ImportConfig holds batch import settings.
type ImportConfig struct {
	// MaxFileSize is the largest accepted upload in bytes (default: 20MB).
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"20971520"`

	MaxConcurrent int           `env:"IMPORT_MAX_CONCURRENT" default:"4"`
	MaxWaitTime   time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
	Timeout       time.Duration `env:"IMPORT_TIMEOUT" default:"5m"`

	// AllocationRetries caps claim attempts per code and per course id.
	AllocationRetries int `env:"IMPORT_ALLOCATION_RETRIES" default:"3"`

	// MaxHeaderSearchRows is how far down a CSV the header row may sit.
	MaxHeaderSearchRows int `env:"IMPORT_MAX_HEADER_SEARCH_ROWS" default:"20"`
}

// FolderConfig controls per-course folder provisioning.
type FolderConfig struct {
	Enabled bool   `env:"FOLDER_ENABLED" default:"false"`
	Root    string `env:"FOLDER_ROOT" default:"./data/courses"`
}

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	Enabled  bool          `env:"RATE_LIMIT_ENABLED" default:"true"`
	Requests int           `env:"RATE_LIMIT_REQUESTS" default:"100"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" default:"1m"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP / X-Forwarded-For headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys       []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
