package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittovd/internal/logger"
	"github.com/marmos91/dittovd/pkg/bitmapstore"
	"github.com/marmos91/dittovd/pkg/block"
	"github.com/marmos91/dittovd/pkg/blockdev"
	"github.com/marmos91/dittovd/pkg/metrics"
)

// CreateGraph builds the node graph, wiring in metric collection when
// enabled.
func CreateGraph(cfg *Config) *block.Graph {
	g := block.NewGraph()
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		g.SetMetrics(metrics.NewBlockMetrics())
	}
	return g
}

// RegisterDrivers registers every built-in block driver.
func RegisterDrivers() error {
	return blockdev.RegisterAll()
}

// CreateBitmapStore opens the bitmap persistence store, or returns nil
// when persistence is disabled.
func CreateBitmapStore(cfg *BitmapStoreConfig) (*bitmapstore.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := bitmapstore.New(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitmap store: %w", err)
	}
	return store, nil
}

// OpenDisks opens every configured disk into the graph, claims the
// configured device names and restores persisted bitmaps. On failure the
// disks opened so far are closed again.
func OpenDisks(g *block.Graph, cfg *Config, store *bitmapstore.Store) ([]*block.Node, error) {
	var nodes []*block.Node

	fail := func(err error) ([]*block.Node, error) {
		for _, n := range nodes {
			if cerr := n.Close(); cerr != nil {
				logger.Warn("cleanup close of node %q failed: %v", n.Name(), cerr)
			}
		}
		return nil, err
	}

	for i := range cfg.Disks {
		d := &cfg.Disks[i]

		opts, flags, err := buildOpenOptions(d)
		if err != nil {
			return fail(fmt.Errorf("disk %q: %w", d.Name, err))
		}

		n, err := g.Open(d.File, "", opts, flags)
		if err != nil {
			return fail(fmt.Errorf("failed to open disk %q: %w", d.Name, err))
		}
		nodes = append(nodes, n)

		if d.Device != "" {
			if err := g.ClaimDevice(d.Device, n); err != nil {
				return fail(fmt.Errorf("disk %q: %w", d.Name, err))
			}
		}

		if d.Throttle.Group != "" {
			if err := n.SetThrottleGroup(d.Throttle.Group, d.Throttle.IOPS); err != nil {
				return fail(fmt.Errorf("disk %q: %w", d.Name, err))
			}
		}

		if store != nil {
			if err := store.RestoreNode(n); err != nil {
				return fail(fmt.Errorf("disk %q: %w", d.Name, err))
			}
		}

		logger.Info("opened disk %q (driver=%s, read-only=%v)",
			d.Name, n.DriverName(), n.ReadOnly())
	}

	return nodes, nil
}

// buildOpenOptions translates a DiskConfig into the open options and flags.
func buildOpenOptions(d *DiskConfig) (block.Options, block.OpenFlags, error) {
	opts := block.Options{}
	for k, v := range d.Options {
		opts[k] = v
	}

	// Snapshot mode opens the image under a temporary overlay; its name
	// must go to the overlay the caller sees, not to the image, so it is
	// left out here and the overlay is renamed by the open path through
	// the node-name option only in the non-snapshot case.
	if !d.Snapshot {
		opts.SetDefault(block.OptNodeName, d.Name)
	}
	if d.Driver != "" {
		opts.SetDefault(block.OptDriver, d.Driver)
	}

	if d.Driver == "s3" && d.File == "" {
		if err := validateS3Options(d.Options); err != nil {
			return nil, 0, err
		}
	}

	var flags block.OpenFlags
	if !d.ReadOnly {
		flags |= block.FlagReadWrite
	}
	if d.Snapshot {
		flags |= block.FlagSnapshot
	}
	if d.Cache.Writeback == nil || *d.Cache.Writeback {
		flags |= block.FlagWriteCache
	}
	if d.Cache.Direct {
		flags |= block.FlagNoCache
	}
	if d.Cache.NoFlush {
		flags |= block.FlagNoFlush
	}

	return opts, flags, nil
}

// validateS3Options checks the s3 driver options when no s3:// filename
// carries the bucket and key.
func validateS3Options(options map[string]any) error {
	type s3DiskOptions struct {
		Bucket   string `mapstructure:"bucket"`
		Key      string `mapstructure:"key"`
		Region   string `mapstructure:"region"`
		Endpoint string `mapstructure:"endpoint"`
	}

	var s3Cfg s3DiskOptions
	if err := mapstructure.Decode(options, &s3Cfg); err != nil {
		return fmt.Errorf("failed to decode s3 disk options: %w", err)
	}
	if s3Cfg.Bucket == "" || s3Cfg.Key == "" {
		return fmt.Errorf("s3 disk: bucket and key are required")
	}
	return nil
}
