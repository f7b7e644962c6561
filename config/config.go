// Package config has the configuration for the app, read from the environment
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Catalog sources
const (
	CatalogSourceYAML = "yaml"
	CatalogSourceDB   = "db"
)

// Store drivers
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Port              string
	Address           string
	Env               string
	LogLevel          string
	LogDir            string
	LogRetentionWeeks int   // Number of weeks to keep log files
	MaxLogFileSize    int64 // Maximum log file size in bytes
	MaxRequestBody    int64 // Maximum request body size in bytes
	MaxHeaderSize     int64 // Maximum header size in bytes

	CatalogSource      string
	CatalogDir         string
	CatalogReloadTimes []string // HH:MM, local time

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	RedisAddr string // empty means in-process locking
	LockTTL   time.Duration
}

// Load loads and validates configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnvWithDefault("PORT", "8000"),
		Address:           getEnvWithDefault("ADDRESS", "127.0.0.1"),
		Env:               getEnvWithDefault("ENV", "dev"),
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
		LogDir:            getEnvWithDefault("LOG_DIR", "logs"),
		LogRetentionWeeks: getIntEnvWithDefault("LOG_RETENTION_WEEKS", 4),         // 4 weeks default
		MaxLogFileSize:    getInt64EnvWithDefault("MAX_LOG_FILE_SIZE", 104857600), // 100MB default
		MaxRequestBody:    getInt64EnvWithDefault("MAX_REQUEST_BODY", 1048576),    // 1MB default
		MaxHeaderSize:     getInt64EnvWithDefault("MAX_HEADER_SIZE", 1048576),     // 1MB default

		CatalogSource: strings.ToLower(getEnvWithDefault("CATALOG_SOURCE", CatalogSourceYAML)),
		CatalogDir:    getEnvWithDefault("CATALOG_DIR", "resources/catalog"),

		StoreDriver: strings.ToLower(getEnvWithDefault("STORE_DRIVER", StoreDriverSQLite)),
		SQLitePath:  getEnvWithDefault("SQLITE_PATH", "data/symptom-engine.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		LockTTL:   time.Duration(getIntEnvWithDefault("LOCK_TTL_SECONDS", 10)) * time.Second,
	}

	times, err := ParseReloadTimes(getEnvWithDefault("CATALOG_RELOAD_TIMES", "06:00;18:00"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: invalid CATALOG_RELOAD_TIMES: %w", err)
	}
	cfg.CatalogReloadTimes = times

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ReloadSchedule returns the reload times in the form gocron's At expects
func (c *Config) ReloadSchedule() string {
	return strings.Join(c.CatalogReloadTimes, ";")
}

// ParseReloadTimes splits a ';' or ',' separated list of HH:MM times
func ParseReloadTimes(value string) ([]string, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ';' || r == ',' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one reload time is required")
	}

	times := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		t, err := time.Parse("15:04", f)
		if err != nil {
			return nil, fmt.Errorf("reload time %q must be HH:MM", f)
		}
		normalized := t.Format("15:04")
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		times = append(times, normalized)
	}
	return times, nil
}

// validateConfig validates all configuration values
func validateConfig(cfg *Config) error {
	if err := validatePort(cfg.Port); err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}

	if err := validateAddress(cfg.Address); err != nil {
		return fmt.Errorf("invalid ADDRESS: %w", err)
	}

	if err := validateOneOf(strings.ToLower(cfg.Env), "ENV", "dev", "staging", "prod", "test"); err != nil {
		return fmt.Errorf("invalid ENV: %w", err)
	}

	if err := validateOneOf(strings.ToLower(cfg.LogLevel), "LOG_LEVEL", "debug", "info", "warn", "error"); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := validateSizeLimit(cfg.MaxRequestBody, "MAX_REQUEST_BODY"); err != nil {
		return fmt.Errorf("invalid MAX_REQUEST_BODY: %w", err)
	}

	if err := validateSizeLimit(cfg.MaxHeaderSize, "MAX_HEADER_SIZE"); err != nil {
		return fmt.Errorf("invalid MAX_HEADER_SIZE: %w", err)
	}

	if err := validateLogRetentionWeeks(cfg.LogRetentionWeeks); err != nil {
		return fmt.Errorf("invalid LOG_RETENTION_WEEKS: %w", err)
	}

	if err := validateMaxLogFileSize(cfg.MaxLogFileSize); err != nil {
		return fmt.Errorf("invalid MAX_LOG_FILE_SIZE: %w", err)
	}

	if err := validateOneOf(cfg.CatalogSource, "CATALOG_SOURCE", CatalogSourceYAML, CatalogSourceDB); err != nil {
		return fmt.Errorf("invalid CATALOG_SOURCE: %w", err)
	}

	if cfg.CatalogSource == CatalogSourceYAML && strings.TrimSpace(cfg.CatalogDir) == "" {
		return fmt.Errorf("invalid CATALOG_DIR: required when CATALOG_SOURCE is %s", CatalogSourceYAML)
	}

	if err := validateOneOf(cfg.StoreDriver, "STORE_DRIVER", StoreDriverSQLite, StoreDriverPostgres); err != nil {
		return fmt.Errorf("invalid STORE_DRIVER: %w", err)
	}

	switch cfg.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return fmt.Errorf("invalid SQLITE_PATH: required when STORE_DRIVER is %s", StoreDriverSQLite)
		}
	case StoreDriverPostgres:
		if err := validateDatabaseURL(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.RedisAddr); err != nil {
			return fmt.Errorf("invalid REDIS_ADDR: must be host:port: %w", err)
		}
	}

	if cfg.LockTTL < time.Second || cfg.LockTTL > 5*time.Minute {
		return fmt.Errorf("invalid LOCK_TTL_SECONDS: must be between 1 and 300, got: %v", cfg.LockTTL.Seconds())
	}

	return nil
}

// validatePort validates the PORT environment variable
func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid number: %w", err)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if portNum < 1024 {
		return fmt.Errorf("PORT %d is privileged (less than 1024), use ports 1024-65535", portNum)
	}

	return nil
}

// validateAddress validates the ADDRESS environment variable
func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("ADDRESS cannot be empty")
	}

	if address == "localhost" {
		return nil
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("ADDRESS must be a valid IP address or 'localhost', got: %s", address)
	}

	// Patient data stays on loopback or private ranges
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("ADDRESS %s is a public IP, bind to a private network range", address)
	}

	return nil
}

// validateOneOf checks value against the allowed set
func validateOneOf(value, name string, allowed ...string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of: %v, got: %s", name, allowed, value)
}

// validateDatabaseURL requires a postgres URL or keyword/value DSN
func validateDatabaseURL(url string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("required when STORE_DRIVER is %s", StoreDriverPostgres)
	}
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") || strings.Contains(url, "host=") {
		return nil
	}
	return fmt.Errorf("must be a postgres:// URL or a keyword/value connection string")
}

// validateSizeLimit validates size limit configuration values
func validateSizeLimit(size int64, configName string) error {
	if size <= 0 {
		return fmt.Errorf("%s must be positive, got: %d", configName, size)
	}

	if size > 100*1024*1024 { // 100MB
		return fmt.Errorf("%s is too large (max 100MB), got: %d bytes", configName, size)
	}

	return nil
}

// validateLogRetentionWeeks validates the LOG_RETENTION_WEEKS environment variable
func validateLogRetentionWeeks(weeks int) error {
	if weeks <= 0 {
		return fmt.Errorf("LOG_RETENTION_WEEKS must be positive, got: %d", weeks)
	}

	if weeks > 52 {
		return fmt.Errorf("LOG_RETENTION_WEEKS is too large (max 52 weeks), got: %d", weeks)
	}

	return nil
}

// validateMaxLogFileSize validates the MAX_LOG_FILE_SIZE environment variable
func validateMaxLogFileSize(size int64) error {
	// Minimum 1MB, maximum 1GB
	if size < 1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too small (min 1MB), got: %d bytes", size)
	}

	if size > 1024*1024*1024 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE is too large (max 1GB), got: %d bytes", size)
	}

	return nil
}

// getEnvWithDefault gets an environment variable with a default value
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnvWithDefault gets an environment variable as int with a default value
func getIntEnvWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64EnvWithDefault gets an environment variable as int64 with a default value
func getInt64EnvWithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvVars returns a list of all expected environment variables
func GetEnvVars() []string {
	return []string{
		"PORT",
		"ADDRESS",
		"ENV",
		"LOG_LEVEL",
		"LOG_DIR",
		"LOG_RETENTION_WEEKS",
		"MAX_LOG_FILE_SIZE",
		"MAX_REQUEST_BODY",
		"MAX_HEADER_SIZE",
		"CATALOG_SOURCE",
		"CATALOG_DIR",
		"CATALOG_RELOAD_TIMES",
		"STORE_DRIVER",
		"SQLITE_PATH",
		"DATABASE_URL",
		"REDIS_ADDR",
		"LOCK_TTL_SECONDS",
	}
}
