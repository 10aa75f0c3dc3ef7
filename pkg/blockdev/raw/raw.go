// Package raw implements the "raw" format driver: a 1:1 passthrough to
// the protocol layer underneath, for images without a format header.
package raw

import (
	"fmt"

	"github.com/marmos91/dittovd/pkg/block"
)

// Driver is the "raw" format driver.
type Driver struct{}

// New returns the raw driver.
func New() *Driver { return &Driver{} }

// Name implements block.Driver.
func (*Driver) Name() string { return "raw" }

// Protocol implements block.Driver.
func (*Driver) Protocol() bool { return false }

// Probe matches anything, with the lowest possible score, so raw is the
// fallback when no format recognizes the image.
func (*Driver) Probe(buf []byte, filename string) int { return 1 }

// Open implements block.Driver.
func (*Driver) Open(n *block.Node, opts block.Options, flags block.OpenFlags) (block.DriverInstance, error) {
	if n.FileChild() == nil {
		return nil, fmt.Errorf("raw driver requires a file child")
	}
	return &instance{node: n}, nil
}

// Create sizes the underlying file; a raw image has no metadata of its own.
func (*Driver) Create(filename string, opts block.Options) error {
	drv, err := block.FindDriver("file")
	if err != nil {
		return err
	}
	creator, ok := drv.(block.Creator)
	if !ok {
		return fmt.Errorf("file driver cannot create images")
	}
	return creator.Create(filename, opts)
}

type instance struct {
	node *block.Node
}

func (i *instance) file() *block.Node { return i.node.FileChild() }

// Close implements block.DriverInstance. The file child is owned and
// closed by the node, not by us.
func (i *instance) Close() error { return nil }

func (i *instance) Length() (int64, error) { return i.file().Length() }

func (i *instance) ReadSectors(sector int64, buf []byte) error {
	return i.file().ReadSectors(sector, buf)
}

func (i *instance) WriteSectors(sector int64, buf []byte) error {
	return i.file().WriteSectors(sector, buf)
}

func (i *instance) Truncate(length int64) error {
	return i.file().Truncate(length)
}

// ReopenPrepare implements block.Reopener. Raw keeps no state of its own;
// the file child is queued and reopened by the block layer.
func (i *instance) ReopenPrepare(state *block.ReopenState, queue *block.ReopenQueue) error {
	return nil
}

func (i *instance) ReopenCommit(state *block.ReopenState) {}

func (i *instance) ReopenAbort(state *block.ReopenState) {}
