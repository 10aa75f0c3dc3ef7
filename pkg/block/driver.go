package block

import (
	"fmt"
	"sync"
)

// SectorSize is the unit all node-level I/O is expressed in.
const SectorSize = 512

// ProbeBufSize is how much of an image header format probing reads.
const ProbeBufSize = 2048

// Driver is the capability table of one image format or protocol.
//
// Only Name, Protocol and Open are mandatory. Everything else is an
// optional capability, expressed as a separate interface the block layer
// asserts for at the call site; a driver that doesn't implement a
// capability simply doesn't satisfy that interface. This presence check is
// part of the contract: callers get ErrNotSupported, not a panic.
type Driver interface {
	// Name is the stable string the driver is selected by.
	Name() string

	// Protocol reports whether this driver opens filenames directly
	// (protocol endpoint) rather than sitting on a "file" child.
	Protocol() bool

	// Open opens an image for the given node and returns the driver
	// instance holding its state. The driver must delete every option it
	// consumed from opts; leftovers are rejected by the open protocol.
	Open(n *Node, opts Options, flags OpenFlags) (DriverInstance, error)
}

// Prober is implemented by format drivers that can recognize their images
// from a header. Score 0 never wins; the highest score does.
type Prober interface {
	Probe(buf []byte, filename string) int
}

// Creator is implemented by drivers that can create new images.
type Creator interface {
	Create(filename string, opts Options) error
}

// FilenameParser lets a protocol driver translate its filename syntax
// ("s3://bucket/key") into options.
type FilenameParser interface {
	ParseFilename(filename string, opts Options) error
}

// DriverInstance is one open image. The block layer owns the instance for
// the lifetime of the node's driver attachment and calls Close exactly once.
type DriverInstance interface {
	Close() error
}

// Lengther reports the image length in bytes.
type Lengther interface {
	Length() (int64, error)
}

// SectorIO is the read/write capability.
type SectorIO interface {
	ReadSectors(sector int64, buf []byte) error
	WriteSectors(sector int64, buf []byte) error
}

// Flusher persists completed writes to stable storage.
type Flusher interface {
	Flush() error
}

// Truncater resizes the image to a byte length.
type Truncater interface {
	Truncate(length int64) error
}

// AllocProber reports whether sectors are allocated in this layer (as
// opposed to deferring to the backing chain). It returns the number of
// contiguous sectors from sector that share the returned state, capped
// at nb.
type AllocProber interface {
	IsAllocated(sector int64, nb int) (allocated bool, count int, err error)
}

// Emptier drops all allocated data from this layer, so reads fall through
// to the backing chain. Used after a successful commit.
type Emptier interface {
	MakeEmpty() error
}

// BackingFileChanger rewrites the backing-file metadata stored in the
// image header.
type BackingFileChanger interface {
	ChangeBackingFile(backingFile, backingFormat string) error
}

// Reopener is the driver side of the reopen transaction. Prepare stages
// the change in state.DriverData without touching live state; Commit makes
// it final; Abort discards it. Drivers without this capability cannot be
// reopened.
type Reopener interface {
	ReopenPrepare(state *ReopenState, queue *ReopenQueue) error
	ReopenCommit(state *ReopenState)
	ReopenAbort(state *ReopenState)
}

// Encryptable is implemented by instances backing encrypted images.
type Encryptable interface {
	Encrypted() bool
	SetKey(key string) error
}

// ============================================================================
// Driver registry
// ============================================================================

// driverRegistry is the process-wide set of registered drivers. Probe ties
// are broken by registration order, so the slice keeps insertion order.
type driverRegistry struct {
	mu      sync.RWMutex
	ordered []Driver
	byName  map[string]Driver
}

var drivers = &driverRegistry{byName: make(map[string]Driver)}

// RegisterDriver adds a driver to the process-wide registry. Registering
// two drivers with the same name is a programming error.
func RegisterDriver(drv Driver) error {
	if drv == nil || drv.Name() == "" {
		return invalidErr("cannot register driver without a name")
	}

	drivers.mu.Lock()
	defer drivers.mu.Unlock()

	if _, exists := drivers.byName[drv.Name()]; exists {
		return &BlockError{Code: ErrAlreadyExists,
			Message: fmt.Sprintf("driver %q already registered", drv.Name())}
	}
	drivers.byName[drv.Name()] = drv
	drivers.ordered = append(drivers.ordered, drv)
	return nil
}

// FindDriver looks a driver up by its stable name.
func FindDriver(name string) (Driver, error) {
	drivers.mu.RLock()
	defer drivers.mu.RUnlock()

	drv, ok := drivers.byName[name]
	if !ok {
		return nil, configErr("", fmt.Sprintf("unknown driver %q", name))
	}
	return drv, nil
}

// findProtocolDriver selects the protocol driver for a filename. Filenames
// without a protocol prefix (including Windows drive-letter paths) go to
// the "file" driver.
func findProtocolDriver(filename string) (Driver, error) {
	proto := protocolPrefix(filename)
	if proto == "" {
		proto = "file"
	}

	drivers.mu.RLock()
	defer drivers.mu.RUnlock()

	drv, ok := drivers.byName[proto]
	if !ok || !drv.Protocol() {
		return nil, configErr("", fmt.Sprintf("unknown protocol %q", proto))
	}
	return drv, nil
}

// probeAll scores the header buffer against every registered prober and
// returns the best match. A score of 0 never wins; the first registered
// driver wins ties.
func probeAll(buf []byte, filename string) Driver {
	drivers.mu.RLock()
	defer drivers.mu.RUnlock()

	var best Driver
	max := 0
	for _, d := range drivers.ordered {
		p, ok := d.(Prober)
		if !ok {
			continue
		}
		if score := p.Probe(buf, filename); score > max {
			max = score
			best = d
		}
	}
	return best
}

// ListDrivers returns the registered driver names in registration order.
func ListDrivers() []string {
	drivers.mu.RLock()
	defer drivers.mu.RUnlock()

	names := make([]string, 0, len(drivers.ordered))
	for _, d := range drivers.ordered {
		names = append(names, d.Name())
	}
	return names
}

// resetDriversForTest clears the registry between tests.
func resetDriversForTest() {
	drivers.mu.Lock()
	defer drivers.mu.Unlock()
	drivers.ordered = nil
	drivers.byName = make(map[string]Driver)
}
