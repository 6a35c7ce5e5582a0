// Package config provides YAML configuration loading and validation for the
// nasmon server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the nasmon server.
type Config struct {
	// HTTPAddr is the listen address of the REST API. Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, sends logs to a size-rotated file instead of stdout.
	LogFile string `yaml:"log_file"`

	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Detector DetectorConfig `yaml:"detector"`
	Geo      GeoConfig      `yaml:"geo"`
	Audit    AuditConfig    `yaml:"audit"`
}

// AuthConfig selects how bearer tokens are verified. Exactly one of
// HMACSecret and RSAPublicKeyPath must be set.
type AuthConfig struct {
	HMACSecret       string `yaml:"hmac_secret"`
	RSAPublicKeyPath string `yaml:"rsa_public_key_path"`
	// Issuer and Audience, when set, are enforced on every token.
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "file", "sqlite" or "postgres". Defaults to "file".
	Driver string `yaml:"driver"`
	// DataDir holds the JSON collections (file driver) and the default
	// SQLite database. Defaults to "./data".
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DetectorConfig tunes the alarm detector and its scheduler.
type DetectorConfig struct {
	// Interval between scheduled passes. Defaults to 10s.
	Interval time.Duration `yaml:"interval"`
	// HistorySize is the number of samples kept per metric. Defaults to 100.
	HistorySize int `yaml:"history_size"`
	// DedupWindow is how many recent records are scanned for an open
	// duplicate. Defaults to 10.
	DedupWindow int `yaml:"dedup_window"`
	// DockerHost overrides DOCKER_HOST. Empty uses the environment.
	DockerHost string `yaml:"docker_host"`
	// DisableDocker skips container checks entirely.
	DisableDocker bool `yaml:"disable_docker"`
}

// GeoConfig controls access-IP geolocation.
type GeoConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	Token             string `yaml:"token"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CacheSize         int    `yaml:"cache_size"`
}

// AuditConfig controls the operator journal. An empty Path disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// Environment variables that override file values.
const (
	EnvHTTPAddr      = "NASMON_HTTP_ADDR"
	EnvLogLevel      = "NASMON_LOG_LEVEL"
	EnvStorageDriver = "NASMON_STORAGE_DRIVER"
	EnvPostgresDSN   = "NASMON_POSTGRES_DSN"
	EnvJWTSecret     = "NASMON_JWT_SECRET"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"file":     true,
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path skips the file, leaving
// configuration to the environment and defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays NASMON_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTPAddr, EnvHTTPAddr)
	set(&cfg.LogLevel, EnvLogLevel)
	set(&cfg.Storage.Driver, EnvStorageDriver)
	set(&cfg.Storage.PostgresDSN, EnvPostgresDSN)
	set(&cfg.Auth.HMACSecret, EnvJWTSecret)
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Detector.Interval == 0 {
		cfg.Detector.Interval = 10 * time.Second
	}
	if cfg.Detector.HistorySize == 0 {
		cfg.Detector.HistorySize = 100
	}
	if cfg.Detector.DedupWindow == 0 {
		cfg.Detector.DedupWindow = 10
	}
	if cfg.Geo.RequestsPerMinute == 0 {
		cfg.Geo.RequestsPerMinute = 30
	}
	if cfg.Geo.CacheSize == 0 {
		cfg.Geo.CacheSize = 1024
	}
}

// validate checks required fields and enumerations, reporting every problem.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	switch {
	case cfg.Auth.HMACSecret == "" && cfg.Auth.RSAPublicKeyPath == "":
		errs = append(errs, errors.New("auth: one of hmac_secret or rsa_public_key_path is required"))
	case cfg.Auth.HMACSecret != "" && cfg.Auth.RSAPublicKeyPath != "":
		errs = append(errs, errors.New("auth: hmac_secret and rsa_public_key_path are mutually exclusive"))
	}

	if !validDrivers[cfg.Storage.Driver] {
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of: file, sqlite, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
	}

	if cfg.Detector.Interval < time.Second {
		errs = append(errs, fmt.Errorf("detector.interval %s must be at least 1s", cfg.Detector.Interval))
	}
	if cfg.Detector.HistorySize < 3 {
		errs = append(errs, fmt.Errorf("detector.history_size %d must be at least 3", cfg.Detector.HistorySize))
	}
	if cfg.Detector.DedupWindow < 1 {
		errs = append(errs, fmt.Errorf("detector.dedup_window %d must be positive", cfg.Detector.DedupWindow))
	}

	if cfg.Geo.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("geo.requests_per_minute must not be negative"))
	}
	if cfg.Geo.CacheSize < 0 {
		errs = append(errs, errors.New("geo.cache_size must not be negative"))
	}

	return errors.Join(errs...)
}
