// Package file implements the "file" protocol driver: a node backed by a
// plain file (or block device) on the local filesystem.
package file

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/marmos91/dittovd/pkg/block"
)

// Driver is the "file" protocol driver.
type Driver struct{}

// New returns the file driver.
func New() *Driver { return &Driver{} }

// Name implements block.Driver.
func (*Driver) Name() string { return "file" }

// Protocol implements block.Driver.
func (*Driver) Protocol() bool { return true }

// ParseFilename strips the optional "file:" prefix and stores the path.
func (*Driver) ParseFilename(filename string, opts block.Options) error {
	path := strings.TrimPrefix(filename, "file:")
	opts["filename"] = path
	return nil
}

// Open implements block.Driver.
func (*Driver) Open(n *block.Node, opts block.Options, flags block.OpenFlags) (block.DriverInstance, error) {
	filename, ok := opts.TakeString("filename")
	if !ok || filename == "" {
		return nil, fmt.Errorf("file driver requires a filename")
	}

	f, err := openFile(filename, flags)
	if err != nil {
		return nil, err
	}

	return &instance{f: f, filename: filename, flags: flags}, nil
}

// Create makes a new image file of the requested virtual size.
func (*Driver) Create(filename string, opts block.Options) error {
	size, ok, err := opts.TakeInt64("size")
	if err != nil {
		return err
	}
	if !ok || size < 0 {
		return fmt.Errorf("file driver requires a non-negative size to create %q", filename)
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Truncate(size)
}

func openFile(filename string, flags block.OpenFlags) (*os.File, error) {
	mode := os.O_RDONLY
	if flags&block.FlagReadWrite != 0 {
		mode = os.O_RDWR
	}
	return os.OpenFile(filename, mode, 0)
}

type instance struct {
	f        *os.File
	filename string
	flags    block.OpenFlags
}

// Close implements block.DriverInstance.
func (i *instance) Close() error { return i.f.Close() }

// Length reports the current file size.
func (i *instance) Length() (int64, error) {
	fi, err := i.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReadSectors reads whole sectors, zero-filling past end of file so short
// images probe and read cleanly.
func (i *instance) ReadSectors(sector int64, buf []byte) error {
	n, err := i.f.ReadAt(buf, sector*block.SectorSize)
	if err == io.EOF || (err == nil && n == len(buf)) {
		for j := n; j < len(buf); j++ {
			buf[j] = 0
		}
		return nil
	}
	return err
}

// WriteSectors writes whole sectors, extending the file as needed.
func (i *instance) WriteSectors(sector int64, buf []byte) error {
	_, err := i.f.WriteAt(buf, sector*block.SectorSize)
	return err
}

// Flush syncs the file to stable storage.
func (i *instance) Flush() error {
	if i.flags&block.FlagNoFlush != 0 {
		return nil
	}
	return i.f.Sync()
}

// Truncate resizes the file.
func (i *instance) Truncate(length int64) error {
	return i.f.Truncate(length)
}

// reopenData carries the staged file descriptor between prepare and
// commit/abort.
type reopenData struct {
	f *os.File
}

// ReopenPrepare opens a second descriptor with the new flags; the old one
// stays untouched until commit.
func (i *instance) ReopenPrepare(state *block.ReopenState, queue *block.ReopenQueue) error {
	f, err := openFile(i.filename, state.Flags)
	if err != nil {
		return err
	}
	state.DriverData = &reopenData{f: f}
	return nil
}

// ReopenCommit swaps in the staged descriptor.
func (i *instance) ReopenCommit(state *block.ReopenState) {
	data := state.DriverData.(*reopenData)
	i.f.Close()
	i.f = data.f
	i.flags = state.Flags
	state.DriverData = nil
}

// ReopenAbort discards the staged descriptor.
func (i *instance) ReopenAbort(state *block.ReopenState) {
	if data, ok := state.DriverData.(*reopenData); ok && data != nil {
		data.f.Close()
	}
	state.DriverData = nil
}
