// Package config provides configuration management for lightnvr-go using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort           = 8080
	defaultServerTimeout        = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxOpenConns         = 25
	defaultMaxIdleConns         = 10
	defaultConnMaxIdleTime      = 30 * time.Minute
	defaultDetectionInterval    = 2 * time.Second
	defaultGo2RTCAPIPort        = 1984
	defaultRetentionDays        = 14
	defaultSyncIntervalSeconds  = 60
	defaultONVIFDiscoveryPeriod = 5 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Streams   []StreamConfig  `mapstructure:"streams"`
	Detection DetectionConfig `mapstructure:"detection"`
	Go2RTC    Go2RTCConfig    `mapstructure:"go2rtc"`
	Retention RetentionConfig `mapstructure:"retention"`
	ONVIF     ONVIFConfig     `mapstructure:"onvif"`
}

// ServerConfig holds the introspection HTTP server's bind configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the recording metadata store's connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds on-disk layout configuration for recordings, live
// HLS segments, and scratch space.
type StorageConfig struct {
	StorageRoot string `mapstructure:"storage_root"`
	HLSRoot     string `mapstructure:"hls_root"`
	TempDir     string `mapstructure:"temp_dir"`
}

// RecordingsPath returns the full path to the recordings directory.
func (c *StorageConfig) RecordingsPath() string {
	return fmt.Sprintf("%s/recordings", c.StorageRoot)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamConfig is one camera's ingest descriptor. Names must be unique within the process.
type StreamConfig struct {
	Name             string        `mapstructure:"name"`
	URL              string        `mapstructure:"url"`
	Transport        string        `mapstructure:"transport"` // tcp, udp
	DetectionEnabled bool          `mapstructure:"detection_enabled"`
	PrebufferSeconds int           `mapstructure:"prebuffer_seconds"`
	PrebufferStrat   string        `mapstructure:"prebuffer_strategy"` // memory_packet, mmap_hybrid, hls_segment, go2rtc_native
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
}

// DetectionConfig configures the out-of-process inference sidecar the
// detection dispatcher calls into.
type DetectionConfig struct {
	ModelDir    string        `mapstructure:"model_dir"` // single configured path, no fallback probing
	SidecarAddr string        `mapstructure:"sidecar_addr"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxWorkers  int           `mapstructure:"max_workers"`
}

// Go2RTCConfig points at the go2rtc process backing the go2rtc_native
// pre-buffer strategy.
type Go2RTCConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIPort int    `mapstructure:"api_port"`
}

// RetentionConfig holds process-wide storage manager defaults; a stream's
// effective policy falls back to these unless it's overridden at runtime
// through the storage manager's own API.
type RetentionConfig struct {
	DefaultRetentionDays int      `mapstructure:"default_retention_days"`
	DefaultQuotaBytes    ByteSize `mapstructure:"default_quota_bytes"`
	SyncIntervalSeconds  int      `mapstructure:"sync_interval_seconds"`
}

// ONVIFConfig controls the optional ONVIF discovery worker.
type ONVIFConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LIGHTNVR_ and use underscores
// for nesting. Example: LIGHTNVR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lightnvr")
		v.AddConfigPath("$HOME/.lightnvr")
	}

	// Environment variable settings
	v.SetEnvPrefix("LIGHTNVR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "lightnvr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.storage_root", "./data")
	v.SetDefault("storage.hls_root", "./data/hls")
	v.SetDefault("storage.temp_dir", "./data/temp")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Detection defaults
	v.SetDefault("detection.interval", defaultDetectionInterval)
	v.SetDefault("detection.max_workers", 4)

	// Go2RTC defaults
	v.SetDefault("go2rtc.base_url", "http://127.0.0.1:1984")
	v.SetDefault("go2rtc.api_port", defaultGo2RTCAPIPort)

	// Retention defaults
	v.SetDefault("retention.default_retention_days", defaultRetentionDays)
	v.SetDefault("retention.sync_interval_seconds", defaultSyncIntervalSeconds)

	// ONVIF defaults
	v.SetDefault("onvif.enabled", false)
	v.SetDefault("onvif.discovery_interval", defaultONVIFDiscoveryPeriod)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Storage validation
	if c.Storage.StorageRoot == "" {
		return fmt.Errorf("storage.storage_root is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Stream validation: names must be unique within the process.
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams: name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("streams: duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("streams[%s]: url is required", s.Name)
		}
	}

	// Retention validation
	if c.Retention.DefaultRetentionDays < 0 {
		return fmt.Errorf("retention.default_retention_days must not be negative")
	}
	if c.Retention.DefaultQuotaBytes < 0 {
		return fmt.Errorf("retention.default_quota_bytes must not be negative")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
