package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from the environment, applies tag defaults and
// validates the result. Every missing or unparsable variable is reported,
// not just the first.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// load is Load over an arbitrary lookup, so tests need not touch the
// process environment.
func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	var errs []string
	loadStruct(reflect.ValueOf(cfg).Elem(), lookup, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config load:\n  - %s", strings.Join(errs, "\n  - "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// loadStruct walks nested structs and fills tagged fields.
func loadStruct(v reflect.Value, lookup func(string) (string, bool), errs *[]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			loadStruct(fv, lookup, errs)
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		value := firstSet(lookup, name, field.Tag.Get("envAlt"))
		if value == "" {
			if field.Tag.Get("required") == "true" {
				*errs = append(*errs, fmt.Sprintf("required environment variable %s is not set", name))
				continue
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fv, value); err != nil {
			*errs = append(*errs, fmt.Sprintf("invalid value for %s=%q: %v", name, value, err))
		}
	}
}

// firstSet returns the first non-blank value among names.
func firstSet(lookup func(string) (string, bool), names ...string) string {
	for _, n := range names {
		if n == "" {
			continue
		}
		if v, ok := lookup(n); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func setField(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))

	case field.Kind() == reflect.String:
		field.SetString(value)

	case field.Kind() == reflect.Int || field.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)

	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Redis
	if c.Redis.URL != "" && c.Redis.PoolSize <= 0 {
		errs = append(errs, "REDIS_POOL_SIZE must be positive when REDIS_URL is set")
	}

	// Import
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.MaxConcurrent <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.Timeout <= 0 {
		errs = append(errs, "IMPORT_TIMEOUT must be positive")
	}
	if c.Import.AllocationRetries <= 0 {
		errs = append(errs, "IMPORT_ALLOCATION_RETRIES must be positive")
	}
	if c.Import.MaxHeaderSearchRows <= 0 {
		errs = append(errs, "IMPORT_MAX_HEADER_SEARCH_ROWS must be positive")
	}

	// Folder
	if c.Folder.Enabled && strings.TrimSpace(c.Folder.Root) == "" {
		errs = append(errs, "FOLDER_ROOT is required when FOLDER_ENABLED is true")
	}

	// Rate limit
	if c.Rate.Enabled && c.Rate.Requests <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.Window <= 0 {
		errs = append(errs, "RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}

	// Security
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a loggable form of the config with connection URLs masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Addr: %q}, ", c.Server.Addr())
	fmt.Fprintf(&b, "Database: {URL: %s, MaxConns: %d, MinConns: %d, Migrate: %v}, ",
		mask(c.Database.URL), c.Database.MaxConns, c.Database.MinConns, c.Database.Migrate)
	fmt.Fprintf(&b, "Redis: {URL: %s}, ", mask(c.Redis.URL))
	fmt.Fprintf(&b, "Import: {MaxFileSize: %d, MaxConcurrent: %d, AllocationRetries: %d}, ",
		c.Import.MaxFileSize, c.Import.MaxConcurrent, c.Import.AllocationRetries)
	fmt.Fprintf(&b, "Folder: {Enabled: %v, Root: %q}, ", c.Folder.Enabled, c.Folder.Root)
	fmt.Fprintf(&b, "Rate: {Enabled: %v, Requests: %d, Window: %s}, ",
		c.Rate.Enabled, c.Rate.Requests, c.Rate.Window)
	fmt.Fprintf(&b, "Security: {RequireAPIKey: %v, APIKeys: %d}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(url string) string {
	if url == "" {
		return "[unset]"
	}
	return "[MASKED]"
}
