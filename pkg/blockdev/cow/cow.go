// Package cow implements the "cow" format driver: a flat copy-on-write
// image with a per-sector allocation bitmap and an optional backing file
// reference in the header.
//
// Layout (all integers little-endian):
//
//	sector 0..3   header (magic, version, virtual size, backing reference,
//	              data offset)
//	sector 4..    allocation bitmap, one bit per virtual sector
//	data offset.. sector i of the virtual disk at data offset + i
//
// Unallocated sectors read from the backing file (or as zeroes); the first
// write to a sector allocates it here and flips its bitmap bit.
package cow

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/marmos91/dittovd/pkg/block"
)

const (
	magic         = "DITTOCOW"
	version       = 1
	headerSectors = 4
	headerBytes   = headerSectors * block.SectorSize

	maxBackingNameLen = 1024
	maxBackingFmtLen  = 64

	offVersion     = 8
	offSize        = 16
	offNameLen     = 24
	offFmtLen      = 28
	offDataSectors = 32
	offName        = 40
	offFmt         = offName + maxBackingNameLen
)

// Driver is the "cow" format driver.
type Driver struct{}

// New returns the cow driver.
func New() *Driver { return &Driver{} }

// Name implements block.Driver.
func (*Driver) Name() string { return "cow" }

// Protocol implements block.Driver.
func (*Driver) Protocol() bool { return false }

// Probe recognizes the magic with a confident score.
func (*Driver) Probe(buf []byte, filename string) int {
	if len(buf) >= len(magic) && bytes.Equal(buf[:len(magic)], []byte(magic)) {
		return 100
	}
	return 0
}

// Open implements block.Driver.
func (*Driver) Open(n *block.Node, opts block.Options, flags block.OpenFlags) (block.DriverInstance, error) {
	file := n.FileChild()
	if file == nil {
		return nil, fmt.Errorf("cow driver requires a file child")
	}

	hdr := make([]byte, headerBytes)
	if err := file.ReadSectors(0, hdr); err != nil {
		return nil, fmt.Errorf("could not read cow header: %w", err)
	}
	if !bytes.Equal(hdr[:len(magic)], []byte(magic)) {
		return nil, fmt.Errorf("image is not in cow format")
	}
	if v := binary.LittleEndian.Uint32(hdr[offVersion:]); v != version {
		return nil, fmt.Errorf("unsupported cow version %d", v)
	}

	size := int64(binary.LittleEndian.Uint64(hdr[offSize:]))
	nameLen := binary.LittleEndian.Uint32(hdr[offNameLen:])
	fmtLen := binary.LittleEndian.Uint32(hdr[offFmtLen:])
	dataSectors := int64(binary.LittleEndian.Uint64(hdr[offDataSectors:]))

	if size < 0 || nameLen > maxBackingNameLen || fmtLen > maxBackingFmtLen ||
		dataSectors < headerSectors {
		return nil, fmt.Errorf("cow header is corrupt")
	}

	sectors := (size + block.SectorSize - 1) / block.SectorSize
	bitmapSectors := dataSectors - headerSectors
	if sectors > bitmapSectors*block.SectorSize*8 {
		return nil, fmt.Errorf("cow header is corrupt: bitmap too small for image size")
	}

	i := &instance{
		node:        n,
		size:        size,
		sectors:     sectors,
		dataSectors: dataSectors,
		backingName: string(hdr[offName : offName+int(nameLen)]),
		backingFmt:  string(hdr[offFmt : offFmt+int(fmtLen)]),
	}

	i.bitmap = make([]byte, bitmapSectors*block.SectorSize)
	if bitmapSectors > 0 {
		if err := file.ReadSectors(headerSectors, i.bitmap); err != nil {
			return nil, fmt.Errorf("could not read cow allocation bitmap: %w", err)
		}
	}

	if i.backingName != "" {
		n.SetDiscoveredBackingFile(i.backingName, i.backingFmt)
	}

	return i, nil
}

// Create writes a fresh, fully unallocated image. Recognized options:
// "size" (bytes, required), "backing-file" and "backing-fmt".
func (*Driver) Create(filename string, opts block.Options) error {
	size, ok, err := opts.TakeInt64("size")
	if err != nil {
		return err
	}
	if !ok || size < 0 {
		return fmt.Errorf("cow driver requires a non-negative size to create %q", filename)
	}
	backingName, _ := opts.TakeString("backing-file")
	backingFmt, _ := opts.TakeString("backing-fmt")
	if len(backingName) > maxBackingNameLen || len(backingFmt) > maxBackingFmtLen {
		return fmt.Errorf("backing file reference too long")
	}

	sectors := (size + block.SectorSize - 1) / block.SectorSize
	bitmapSectors := (sectors + block.SectorSize*8 - 1) / (block.SectorSize * 8)

	hdr := buildHeader(size, headerSectors+bitmapSectors, backingName, backingFmt)

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(hdr); err != nil {
		return err
	}
	// Zero bitmap, all sectors unallocated.
	return f.Truncate(int64(headerBytes) + bitmapSectors*block.SectorSize)
}

func buildHeader(size, dataSectors int64, backingName, backingFmt string) []byte {
	hdr := make([]byte, headerBytes)
	copy(hdr, magic)
	binary.LittleEndian.PutUint32(hdr[offVersion:], version)
	binary.LittleEndian.PutUint64(hdr[offSize:], uint64(size))
	binary.LittleEndian.PutUint32(hdr[offNameLen:], uint32(len(backingName)))
	binary.LittleEndian.PutUint32(hdr[offFmtLen:], uint32(len(backingFmt)))
	binary.LittleEndian.PutUint64(hdr[offDataSectors:], uint64(dataSectors))
	copy(hdr[offName:], backingName)
	copy(hdr[offFmt:], backingFmt)
	return hdr
}

type instance struct {
	node        *block.Node
	size        int64 // virtual size in bytes
	sectors     int64 // virtual size in sectors
	dataSectors int64 // first data sector in the underlying file
	bitmap      []byte
	backingName string
	backingFmt  string
}

func (i *instance) file() *block.Node { return i.node.FileChild() }

// Close implements block.DriverInstance.
func (i *instance) Close() error { return nil }

// Length reports the virtual size.
func (i *instance) Length() (int64, error) { return i.size, nil }

func (i *instance) bit(sector int64) bool {
	return i.bitmap[sector/8]&(1<<uint(sector%8)) != 0
}

func (i *instance) setBits(sector, nb int64) {
	for s := sector; s < sector+nb; s++ {
		i.bitmap[s/8] |= 1 << uint(s%8)
	}
}

// allocatedRun returns the allocation state of sector and how many
// contiguous sectors (capped at nb) share it.
func (i *instance) allocatedRun(sector int64, nb int64) (bool, int64) {
	state := i.bit(sector)
	count := int64(1)
	for count < nb && sector+count < i.sectors && i.bit(sector+count) == state {
		count++
	}
	return state, count
}

// IsAllocated implements block.AllocProber.
func (i *instance) IsAllocated(sector int64, nb int) (bool, int, error) {
	if sector >= i.sectors || nb <= 0 {
		return false, 0, nil
	}
	max := i.sectors - sector
	if int64(nb) < max {
		max = int64(nb)
	}
	state, count := i.allocatedRun(sector, max)
	return state, int(count), nil
}

// ReadSectors serves allocated runs from this image and falls through to
// the backing file (or zeroes) for the rest.
func (i *instance) ReadSectors(sector int64, buf []byte) error {
	nb := int64(len(buf)) / block.SectorSize
	if sector+nb > i.sectors {
		return fmt.Errorf("read beyond end of cow image")
	}

	for nb > 0 {
		allocated, count := i.allocatedRun(sector, nb)
		chunk := buf[:count*block.SectorSize]

		var err error
		switch {
		case allocated:
			err = i.file().ReadSectors(i.dataSectors+sector, chunk)
		case i.node.Backing() != nil:
			err = i.readBacking(sector, chunk)
		default:
			for j := range chunk {
				chunk[j] = 0
			}
		}
		if err != nil {
			return err
		}

		sector += count
		nb -= count
		buf = buf[count*block.SectorSize:]
	}
	return nil
}

// readBacking reads from the backing node, zero-filling the tail when the
// backing image is shorter than this one.
func (i *instance) readBacking(sector int64, buf []byte) error {
	backing := i.node.Backing()
	nb := int64(len(buf)) / block.SectorSize
	avail := backing.NumSectors() - sector
	if avail < 0 {
		avail = 0
	}
	if avail > nb {
		avail = nb
	}
	if avail > 0 {
		if err := backing.ReadSectors(sector, buf[:avail*block.SectorSize]); err != nil {
			return err
		}
	}
	for j := avail * block.SectorSize; j < int64(len(buf)); j++ {
		buf[j] = 0
	}
	return nil
}

// WriteSectors writes the data, marks the sectors allocated and persists
// the touched part of the bitmap.
func (i *instance) WriteSectors(sector int64, buf []byte) error {
	nb := int64(len(buf)) / block.SectorSize
	if sector+nb > i.sectors {
		return fmt.Errorf("write beyond end of cow image")
	}

	if err := i.file().WriteSectors(i.dataSectors+sector, buf); err != nil {
		return err
	}

	i.setBits(sector, nb)
	return i.writeBitmapRange(sector, nb)
}

// writeBitmapRange flushes the bitmap sectors covering the given virtual
// sector range back to the file.
func (i *instance) writeBitmapRange(sector, nb int64) error {
	firstByte := sector / 8
	lastByte := (sector + nb - 1) / 8
	first := firstByte / block.SectorSize
	last := lastByte / block.SectorSize

	chunk := i.bitmap[first*block.SectorSize : (last+1)*block.SectorSize]
	return i.file().WriteSectors(headerSectors+first, chunk)
}

// MakeEmpty implements block.Emptier: all sectors revert to unallocated,
// so reads fall through to the backing chain again.
func (i *instance) MakeEmpty() error {
	for j := range i.bitmap {
		i.bitmap[j] = 0
	}
	if len(i.bitmap) == 0 {
		return nil
	}
	return i.file().WriteSectors(headerSectors, i.bitmap)
}

// ChangeBackingFile implements block.BackingFileChanger, rewriting the
// header in place.
func (i *instance) ChangeBackingFile(backingFile, backingFormat string) error {
	if len(backingFile) > maxBackingNameLen || len(backingFormat) > maxBackingFmtLen {
		return fmt.Errorf("backing file reference too long")
	}
	hdr := buildHeader(i.size, i.dataSectors, backingFile, backingFormat)
	if err := i.file().WriteSectors(0, hdr); err != nil {
		return err
	}
	i.backingName = backingFile
	i.backingFmt = backingFormat
	return nil
}

// Truncate resizes the virtual disk. Growth is limited by the bitmap
// capacity fixed at create time; shrinking discards allocation state
// beyond the new end.
func (i *instance) Truncate(length int64) error {
	if length < 0 {
		return fmt.Errorf("negative size")
	}
	newSectors := (length + block.SectorSize - 1) / block.SectorSize
	if newSectors > int64(len(i.bitmap))*8 {
		return fmt.Errorf("cannot grow cow image beyond its bitmap capacity")
	}

	if newSectors < i.sectors {
		for s := newSectors; s < i.sectors; s++ {
			i.bitmap[s/8] &^= 1 << uint(s%8)
		}
		if len(i.bitmap) > 0 {
			if err := i.file().WriteSectors(headerSectors, i.bitmap); err != nil {
				return err
			}
		}
	}

	hdr := buildHeader(length, i.dataSectors, i.backingName, i.backingFmt)
	if err := i.file().WriteSectors(0, hdr); err != nil {
		return err
	}
	i.size = length
	i.sectors = newSectors
	return nil
}

// ReopenPrepare implements block.Reopener. The in-memory bitmap stays
// valid across a flag change; the file child is reopened by the block
// layer.
func (i *instance) ReopenPrepare(state *block.ReopenState, queue *block.ReopenQueue) error {
	return nil
}

func (i *instance) ReopenCommit(state *block.ReopenState) {}

func (i *instance) ReopenAbort(state *block.ReopenState) {}
