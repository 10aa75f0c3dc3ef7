package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyBitmapStoreDefaults(&cfg.BitmapStore)
	applyDiskDefaults(cfg.Disks)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
}

// applyBitmapStoreDefaults sets bitmap store defaults.
func applyBitmapStoreDefaults(cfg *BitmapStoreConfig) {
	if cfg.Enabled && cfg.Path == "" {
		cfg.Path = "bitmaps"
	}
}

// applyDiskDefaults sets per-disk defaults.
func applyDiskDefaults(disks []DiskConfig) {
	for i := range disks {
		d := &disks[i]
		if d.Cache.Writeback == nil {
			wb := true
			d.Cache.Writeback = &wb
		}
		if d.Options == nil {
			d.Options = make(map[string]any)
		}
	}
}
