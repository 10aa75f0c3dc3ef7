package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoVD configuration.
//
// This structure captures all configurable aspects of the daemon:
//   - Logging configuration
//   - Server-wide settings
//   - Metrics exposure
//   - Bitmap persistence
//   - Disk definitions (the nodes opened at startup)
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOVD_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// BitmapStore controls dirty-bitmap persistence across restarts
	BitmapStore BitmapStoreConfig `mapstructure:"bitmap_store"`

	// Disks defines the images opened at startup
	Disks []DiskConfig `mapstructure:"disks" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// CommitOnShutdown commits every chained disk into its backing file
	// before closing, instead of leaving the data in the overlays
	CommitOnShutdown bool `mapstructure:"commit_on_shutdown"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metric collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address the /metrics endpoint binds to
	Listen string `mapstructure:"listen"`
}

// BitmapStoreConfig controls dirty-bitmap persistence.
type BitmapStoreConfig struct {
	// Enabled turns bitmap persistence on
	Enabled bool `mapstructure:"enabled"`

	// Path is the BadgerDB directory holding the bitmap snapshots
	Path string `mapstructure:"path"`
}

// DiskConfig defines a single disk to open at startup.
//
// Driver-specific settings go into Options, nested the way the open
// options map expects them (e.g. "file.filename", "backing", s3 "region").
type DiskConfig struct {
	// Name is the node name assigned to the top-level node
	Name string `mapstructure:"name" validate:"required"`

	// Device optionally claims a device name for the node
	Device string `mapstructure:"device"`

	// File is the image filename ("json:{...}" is accepted)
	File string `mapstructure:"file"`

	// Driver selects the format or protocol driver; empty probes
	Driver string `mapstructure:"driver"`

	// ReadOnly opens the disk read-only
	ReadOnly bool `mapstructure:"read_only"`

	// Snapshot opens the disk under a temporary overlay; all writes are
	// discarded when the overlay is closed
	Snapshot bool `mapstructure:"snapshot"`

	// Cache selects the cache mode
	Cache CacheConfig `mapstructure:"cache"`

	// Throttle places the disk in a shared I/O rate limit group
	Throttle ThrottleConfig `mapstructure:"throttle"`

	// Options carries additional open options verbatim
	Options map[string]any `mapstructure:"options"`
}

// ThrottleConfig assigns a disk to a throttle group. Disks sharing a
// group name draw from one token bucket, so the rate caps their
// combined I/O.
type ThrottleConfig struct {
	// Group names the throttle group; empty disables throttling
	Group string `mapstructure:"group"`

	// IOPS is the sustained request rate for the group
	IOPS uint `mapstructure:"iops"`
}

// CacheConfig mirrors the cache.* open options.
type CacheConfig struct {
	// Writeback enables write-back caching (default on)
	Writeback *bool `mapstructure:"writeback"`

	// Direct bypasses the host page cache
	Direct bool `mapstructure:"direct"`

	// NoFlush suppresses flushes to disk
	NoFlush bool `mapstructure:"no_flush"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOVD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTOVD_ prefix and underscores
	// Example: DITTOVD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOVD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittovd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittovd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
