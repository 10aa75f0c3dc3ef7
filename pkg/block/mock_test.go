package block

import (
	"bytes"
	"fmt"
)

// memDriver is an in-memory protocol driver for tests. Images are
// registered up front with put().
type memDriver struct {
	name   string
	images map[string]*memImage

	// failReopen makes every instance refuse ReopenPrepare.
	failReopen bool
}

type memImage struct {
	data []byte
}

func newMemDriver(name string) *memDriver {
	return &memDriver{name: name, images: make(map[string]*memImage)}
}

func (d *memDriver) put(filename string, data []byte) {
	d.images[filename] = &memImage{data: append([]byte(nil), data...)}
}

func (d *memDriver) Name() string   { return d.name }
func (d *memDriver) Protocol() bool { return true }

func (d *memDriver) Open(n *Node, opts Options, flags OpenFlags) (DriverInstance, error) {
	filename, ok := opts.TakeString("filename")
	if !ok {
		return nil, fmt.Errorf("mem driver requires a filename")
	}
	img, ok := d.images[filename]
	if !ok {
		return nil, fmt.Errorf("no such mem image %q", filename)
	}
	return &memInst{drv: d, img: img}, nil
}

func (d *memDriver) Create(filename string, opts Options) error {
	size, _, err := opts.TakeInt64("size")
	if err != nil {
		return err
	}
	d.put(filename, make([]byte, size))
	return nil
}

type memInst struct {
	drv    *memDriver
	img    *memImage
	closed bool
}

func (i *memInst) Close() error {
	i.closed = true
	return nil
}

func (i *memInst) Length() (int64, error) { return int64(len(i.img.data)), nil }

func (i *memInst) ReadSectors(sector int64, buf []byte) error {
	off := sector * SectorSize
	for j := range buf {
		buf[j] = 0
	}
	if off < int64(len(i.img.data)) {
		copy(buf, i.img.data[off:])
	}
	return nil
}

func (i *memInst) WriteSectors(sector int64, buf []byte) error {
	off := sector * SectorSize
	if need := off + int64(len(buf)); need > int64(len(i.img.data)) {
		grown := make([]byte, need)
		copy(grown, i.img.data)
		i.img.data = grown
	}
	copy(i.img.data[off:], buf)
	return nil
}

func (i *memInst) Flush() error { return nil }

func (i *memInst) Truncate(length int64) error {
	if length <= int64(len(i.img.data)) {
		i.img.data = i.img.data[:length]
		return nil
	}
	grown := make([]byte, length)
	copy(grown, i.img.data)
	i.img.data = grown
	return nil
}

func (i *memInst) ReopenPrepare(state *ReopenState, queue *ReopenQueue) error {
	if i.drv.failReopen {
		return fmt.Errorf("mem driver refuses to reopen")
	}
	return nil
}
func (i *memInst) ReopenCommit(state *ReopenState)                            {}
func (i *memInst) ReopenAbort(state *ReopenState)                             {}

// fmtDriver is a configurable in-memory format driver: probe score and
// magic are fixtures, allocation state lives in memory, backing discovery
// is optional.
type fmtDriver struct {
	name  string
	score int
	magic []byte

	// backingName/backingFmt are reported to the node at open, as if read
	// from an image header.
	backingName string
	backingFmt  string

	// consumeOpt names one driver-specific option Open consumes.
	consumeOpt string

	// failReopen makes ReopenPrepare fail, for transaction tests.
	failReopen bool

	// files, when set, lets Create place new images into a protocol
	// driver's store.
	files *memDriver
}

func (d *fmtDriver) Create(filename string, opts Options) error {
	if d.files == nil {
		return fmt.Errorf("driver %q cannot create images", d.name)
	}
	size, _, err := opts.TakeInt64("size")
	if err != nil {
		return err
	}
	d.files.put(filename, make([]byte, size))
	return nil
}

func (d *fmtDriver) Name() string   { return d.name }
func (d *fmtDriver) Protocol() bool { return false }

func (d *fmtDriver) Probe(buf []byte, filename string) int {
	if len(d.magic) == 0 {
		return d.score
	}
	if bytes.HasPrefix(buf, d.magic) {
		return d.score
	}
	return 0
}

func (d *fmtDriver) Open(n *Node, opts Options, flags OpenFlags) (DriverInstance, error) {
	if n.FileChild() == nil {
		return nil, fmt.Errorf("format driver %q requires a file child", d.name)
	}
	if d.consumeOpt != "" {
		opts.TakeString(d.consumeOpt)
	}
	if d.backingName != "" {
		n.SetDiscoveredBackingFile(d.backingName, d.backingFmt)
	}
	return &fmtInst{drv: d, node: n, allocated: make(map[int64]bool)}, nil
}

type fmtInst struct {
	drv       *fmtDriver
	node      *Node
	allocated map[int64]bool
	emptied   bool

	newBackingFile string
	newBackingFmt  string
}

func (i *fmtInst) Close() error { return nil }

func (i *fmtInst) Length() (int64, error) { return i.node.FileChild().Length() }

func (i *fmtInst) ReadSectors(sector int64, buf []byte) error {
	nb := int64(len(buf)) / SectorSize
	for s := int64(0); s < nb; s++ {
		chunk := buf[s*SectorSize : (s+1)*SectorSize]
		switch {
		case i.allocated[sector+s]:
			if err := i.node.FileChild().ReadSectors(sector+s, chunk); err != nil {
				return err
			}
		case i.node.Backing() != nil:
			if err := i.node.Backing().ReadSectors(sector+s, chunk); err != nil {
				return err
			}
		default:
			for j := range chunk {
				chunk[j] = 0
			}
		}
	}
	return nil
}

func (i *fmtInst) WriteSectors(sector int64, buf []byte) error {
	if err := i.node.FileChild().WriteSectors(sector, buf); err != nil {
		return err
	}
	for s := int64(0); s < int64(len(buf))/SectorSize; s++ {
		i.allocated[sector+s] = true
	}
	return nil
}

func (i *fmtInst) IsAllocated(sector int64, nb int) (bool, int, error) {
	if nb <= 0 {
		return false, 0, nil
	}
	state := i.allocated[sector]
	count := 1
	for count < nb && i.allocated[sector+int64(count)] == state {
		count++
	}
	return state, count, nil
}

func (i *fmtInst) MakeEmpty() error {
	i.allocated = make(map[int64]bool)
	i.emptied = true
	return nil
}

func (i *fmtInst) ChangeBackingFile(backingFile, backingFormat string) error {
	i.newBackingFile = backingFile
	i.newBackingFmt = backingFormat
	return nil
}

func (i *fmtInst) Truncate(length int64) error {
	return i.node.FileChild().Truncate(length)
}

func (i *fmtInst) ReopenPrepare(state *ReopenState, queue *ReopenQueue) error {
	if i.drv.failReopen {
		return fmt.Errorf("driver %q refuses to reopen", i.drv.name)
	}
	return nil
}

func (i *fmtInst) ReopenCommit(state *ReopenState) {}
func (i *fmtInst) ReopenAbort(state *ReopenState)  {}

// testEnv registers a standard fixture set: an in-memory stand-in for the
// "file" protocol driver plus two probing format drivers, and returns a
// fresh graph.
func testEnv() (*Graph, *memDriver) {
	resetDriversForTest()
	mem := newMemDriver("file")
	RegisterDriver(mem)
	RegisterDriver(&fmtDriver{name: "fmta", score: 50, magic: []byte("FMTA")})
	RegisterDriver(&fmtDriver{name: "fmtb", score: 90, magic: []byte("FMTB")})
	return NewGraph(), mem
}

// sectorsOf builds a buffer of nb sectors filled with the byte fill.
func sectorsOf(nb int, fill byte) []byte {
	buf := make([]byte, nb*SectorSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}
