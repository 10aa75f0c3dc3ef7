package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittovd/pkg/block"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Disks)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
logging:
  level: debug
  format: json
server:
  shutdown_timeout: 5s
  commit_on_shutdown: true
bitmap_store:
  enabled: true
disks:
  - name: system
    device: vda
    file: /images/system.cow
    cache:
      direct: true
  - name: scratch
    file: /images/scratch.raw
    driver: raw
    snapshot: true
`))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level should be normalized")
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Server.CommitOnShutdown)
	assert.Equal(t, "bitmaps", cfg.BitmapStore.Path, "enabling the store defaults its path")

	require.Len(t, cfg.Disks, 2)
	system := cfg.Disks[0]
	assert.Equal(t, "vda", system.Device)
	assert.True(t, system.Cache.Direct)
	require.NotNil(t, system.Cache.Writeback)
	assert.True(t, *system.Cache.Writeback, "writeback defaults on")
	assert.True(t, cfg.Disks[1].Snapshot)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "logging: [not, a, map"))
	require.Error(t, err)
}

func TestValidateCustomRules(t *testing.T) {
	disk := func(name string) DiskConfig {
		return DiskConfig{Name: name, File: "/images/" + name + ".raw"}
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name: "duplicate disk names",
			mutate: func(cfg *Config) {
				cfg.Disks = append(cfg.Disks, disk("a"), disk("a"))
			},
			wantErr: "duplicate disk name",
		},
		{
			name: "reserved node prefix",
			mutate: func(cfg *Config) {
				cfg.Disks = append(cfg.Disks, disk("node-a"))
			},
			wantErr: "reserved",
		},
		{
			name: "device collides with disk name",
			mutate: func(cfg *Config) {
				d := disk("b")
				d.Device = "a"
				cfg.Disks = append(cfg.Disks, disk("a"), d)
			},
			wantErr: "collides",
		},
		{
			name: "no file and no options",
			mutate: func(cfg *Config) {
				cfg.Disks = append(cfg.Disks, DiskConfig{Name: "a"})
			},
			wantErr: "either file or options",
		},
		{
			name: "snapshot of a read-only disk",
			mutate: func(cfg *Config) {
				d := disk("a")
				d.Snapshot = true
				d.ReadOnly = true
				cfg.Disks = append(cfg.Disks, d)
			},
			wantErr: "writable overlay",
		},
		{
			name: "throttle group without a rate",
			mutate: func(cfg *Config) {
				d := disk("a")
				d.Throttle.Group = "slow"
				cfg.Disks = append(cfg.Disks, d)
			},
			wantErr: "needs an iops rate",
		},
		{
			name: "throttle rate without a group",
			mutate: func(cfg *Config) {
				d := disk("a")
				d.Throttle.IOPS = 100
				cfg.Disks = append(cfg.Disks, d)
			},
			wantErr: "without a group",
		},
		{
			name: "bitmap store without path",
			mutate: func(cfg *Config) {
				cfg.BitmapStore.Enabled = true
			},
			wantErr: "path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateStructTags(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Level = "LOUD"
	require.Error(t, Validate(cfg))

	cfg = &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Format = "xml"
	require.Error(t, Validate(cfg))
}

func TestBuildOpenOptions(t *testing.T) {
	wb := false
	d := &DiskConfig{
		Name:     "system",
		File:     "/images/system.cow",
		Driver:   "cow",
		ReadOnly: true,
		Cache:    CacheConfig{Writeback: &wb, Direct: true, NoFlush: true},
		Options:  map[string]any{"backing": "base"},
	}

	opts, flags, err := buildOpenOptions(d)
	require.NoError(t, err)

	assert.Equal(t, "system", opts[block.OptNodeName])
	assert.Equal(t, "cow", opts[block.OptDriver])
	assert.Equal(t, "base", opts["backing"])

	assert.Zero(t, flags&block.FlagReadWrite, "read_only must not set the write flag")
	assert.Zero(t, flags&block.FlagWriteCache)
	assert.NotZero(t, flags&block.FlagNoCache)
	assert.NotZero(t, flags&block.FlagNoFlush)
}

func TestBuildOpenOptionsSnapshot(t *testing.T) {
	d := &DiskConfig{Name: "scratch", File: "/images/scratch.raw", Snapshot: true}

	opts, flags, err := buildOpenOptions(d)
	require.NoError(t, err)

	assert.NotZero(t, flags&block.FlagSnapshot)
	assert.NotZero(t, flags&block.FlagReadWrite)
	_, named := opts[block.OptNodeName]
	assert.False(t, named, "the overlay, not the image, would carry the name")
}

func TestBuildOpenOptionsS3(t *testing.T) {
	d := &DiskConfig{
		Name:    "remote",
		Driver:  "s3",
		Options: map[string]any{"bucket": "images", "key": "disk.raw"},
	}
	_, _, err := buildOpenOptions(d)
	require.NoError(t, err)

	d.Options = map[string]any{"bucket": "images"}
	_, _, err = buildOpenOptions(d)
	require.Error(t, err, "missing key should be caught before opening")
}
