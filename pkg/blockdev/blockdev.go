// Package blockdev ties the in-tree drivers together.
package blockdev

import (
	"github.com/marmos91/dittovd/pkg/block"
	"github.com/marmos91/dittovd/pkg/blockdev/cow"
	"github.com/marmos91/dittovd/pkg/blockdev/file"
	"github.com/marmos91/dittovd/pkg/blockdev/raw"
	"github.com/marmos91/dittovd/pkg/blockdev/s3"
)

// RegisterAll registers every built-in driver. Registration order is
// stable because it breaks format-probe ties.
func RegisterAll() error {
	for _, drv := range []block.Driver{
		file.New(),
		raw.New(),
		cow.New(),
		s3.New(),
	} {
		if err := block.RegisterDriver(drv); err != nil {
			return err
		}
	}
	return nil
}
