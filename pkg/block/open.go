package block

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/dittovd/internal/logger"
)

// Open turns a (filename | options | reference) request into a live node.
//
// If reference is non-empty it must resolve to an existing named node and
// neither filename nor options may be given; the existing node is returned
// with a new reference. Otherwise a new node is created: a "json:{...}"
// filename is folded into options, the node name is assigned (generated
// when absent), effective options are computed, the "file" child is opened
// recursively unless a protocol driver was selected, the format is probed
// when no driver was named, the driver opens the image, and the "backing"
// child is resolved unless disabled. Any caller option left unconsumed
// after all of that fails the open.
//
// With FlagSnapshot, a temporary copy-on-write overlay is created, opened
// and grafted on top via Append; the overlay is returned.
//
// The returned node carries one reference owned by the caller.
func (g *Graph) Open(filename, reference string, options Options, flags OpenFlags) (*Node, error) {
	return g.openInherit(filename, reference, options, flags, nil, nil)
}

// OpenChild opens (or references) the child named by the dotted prefix
// edgeName in options, attaches it to parent under the given role, and
// returns the child link. With allowNone, a request that names no child at
// all yields (nil, nil).
func (g *Graph) OpenChild(filename string, options Options, edgeName string,
	parent *Node, role *ChildRole, allowNone bool) (*Child, error) {

	childOpts := options.extractPrefix(edgeName)
	reference, _ := options.takeString(edgeName)

	if reference == "" && filename == "" && len(childOpts) == 0 {
		if allowNone {
			return nil, nil
		}
		return nil, configErr(parent.DeviceOrNodeName(),
			fmt.Sprintf("a reference or options for child %q are required", edgeName))
	}

	child, err := g.openInherit(filename, reference, childOpts, 0, parent, role)
	if err != nil {
		return nil, err
	}

	// The open gave us one reference; the edge owns it from here on.
	return parent.attachChild(child, edgeName, role), nil
}

func (g *Graph) openInherit(filename, reference string, options Options,
	flags OpenFlags, parent *Node, role *ChildRole) (*Node, error) {

	if reference != "" {
		if filename != "" || len(options) > 0 {
			return nil, configErr("", "cannot reference an existing node with additional options or a new filename")
		}
		n, err := g.Lookup(reference)
		if err != nil {
			return nil, err
		}
		n.Ref()
		return n, nil
	}

	if options == nil {
		options = Options{}
	}

	// json: syntax counts as explicit options, as if passed in the map.
	filename, err := parseJSONFilename(options, filename)
	if err != nil {
		return nil, err
	}

	n := g.newNode()
	n.explicitOptions = options.Clone()

	if role != nil {
		n.inheritsFrom = parent
		flags = role.InheritOptions(options, parent.openFlags, parent.options)
	}

	drv, filename, flags, err := fillOptions(options, filename, flags, parent == nil)
	if err != nil {
		return nil, err
	}

	nodeName, _ := options.takeString(OptNodeName)
	if err := g.assignNodeName(n, nodeName); err != nil {
		return nil, err
	}

	n.openFlags = flags
	n.options = options
	working := options.Clone()

	// An empty backing name disables the backing file altogether.
	if backing, ok := working.getString(OptBacking); ok && backing == "" {
		flags |= FlagNoBacking
		delete(working, OptBacking)
	}

	var file *Child
	var snapshotFlags OpenFlags

	if !flags.has(FlagProtocol) {
		if flags.has(FlagReadWrite) {
			flags |= FlagAllowReadWrite
		}
		if flags.has(FlagSnapshot) {
			// This node will end up as the backing file of a temporary
			// overlay, so it is opened the way a backing child would be.
			snapshotFlags = tempSnapshotFlags(flags)
			flags = ChildBacking.InheritOptions(working, flags, working)
		}

		n.openFlags = flags

		file, err = g.OpenChild(filename, working, "file", n, ChildFile, true)
		if err != nil {
			return nil, g.openFail(n, err)
		}
		n.file = file
	}

	// Image format probing.
	n.probed = drv == nil
	if drv == nil && file != nil {
		drv, err = findImageFormat(file.node, filename)
		if err != nil {
			return nil, g.openFail(n, err)
		}
		// The probed driver is recorded in the effective options; it is
		// never inherited, so adding it this late is safe.
		n.options[OptDriver] = drv.Name()
	} else if drv == nil {
		return nil, g.openFail(n, configErr("", "must specify either driver or file"))
	}

	if drv.Protocol() && file != nil {
		return nil, g.openFail(n, configErr(n.name,
			fmt.Sprintf("cannot use protocol driver %q with a file child", drv.Name())))
	}

	// The block layer owns the generic options: fold them back into the
	// flags and drop the resolved driver, so only driver-specific keys
	// reach the driver and the leftover check.
	flags, err = updateFlagsFromOptions(flags, working)
	if err != nil {
		return nil, g.openFail(n, err)
	}
	n.openFlags = flags
	working.takeString(OptDriver)

	if err := g.openCommon(n, drv, working, flags, filename); err != nil {
		return nil, g.openFail(n, err)
	}

	// If there is a backing file, use it.
	if !flags.has(FlagNoBacking) {
		if err := g.openBackingFile(n, working); err != nil {
			return nil, g.closeAndFail(n, err)
		}
	}

	// Reject anything no layer consumed.
	if len(working) > 0 {
		var key string
		for k := range working {
			key = k
			break
		}
		kind := "format"
		if drv.Protocol() {
			kind = "protocol"
		}
		return nil, g.closeAndFail(n, configErr(n.DeviceOrNodeName(),
			fmt.Sprintf("block %s %q does not support the option %q", kind, drv.Name(), key)))
	}

	g.metrics.NodeOpened(drv.Name())
	logger.Debug("opened node %q (driver=%s, file=%q)", n.name, drv.Name(), n.filename)

	// For snapshot=on, create a temporary overlay. The caller gets the
	// overlay; this node becomes its backing file.
	if snapshotFlags != 0 {
		snap, err := g.appendTempSnapshot(n, snapshotFlags)
		if err != nil {
			return nil, g.closeAndFail(n, err)
		}
		return snap, nil
	}

	return n, nil
}

// openFail unwinds a node that never finished opening.
func (g *Graph) openFail(n *Node, err error) error {
	if n.file != nil {
		_ = n.unrefChild(n.file)
		n.file = nil
	}
	n.options = nil
	n.explicitOptions = nil
	if n.name != "" {
		g.remove(n)
	}
	return err
}

// closeAndFail unwinds a node that was opened and must be closed again.
func (g *Graph) closeAndFail(n *Node, err error) error {
	if cerr := n.Close(); cerr != nil {
		logger.Warn("cleanup close of node %q failed: %v", n.name, cerr)
	}
	g.remove(n)
	return err
}

// fillOptions resolves the driver, translates legacy flags into options
// and settles the filename question for protocol drivers. Returns the
// resolved driver (nil when probing is required), the remaining filename
// and the adjusted flags.
func fillOptions(options Options, filename string, flags OpenFlags, topLevel bool) (Driver, string, OpenFlags, error) {
	var drv Driver
	protocol := flags.has(FlagProtocol)
	parseFilename := false

	if drvname, ok := options.getString(OptDriver); ok {
		found, err := FindDriver(drvname)
		if err != nil {
			return nil, "", 0, err
		}
		drv = found
		// An explicitly specified driver overrides the protocol flag.
		protocol = drv.Protocol()
	}

	if protocol {
		flags |= FlagProtocol
	} else {
		flags &^= FlagProtocol
	}

	// An explicit read-only option is consumed right here: it may not
	// contradict a caller-supplied legacy flag, and it never enters the
	// effective options. Read-only travels in flags from here on.
	if topLevel {
		ro, ok, err := options.takeBool(OptReadOnly)
		if err != nil {
			return nil, "", 0, err
		}
		if ok {
			if ro && flags.has(FlagReadWrite) {
				return nil, "", 0, configErr("",
					"option read-only=on conflicts with the read-write open flag")
			}
			if ro {
				flags &^= FlagReadWrite
			} else {
				flags |= FlagReadWrite
			}
		}
	}

	// Translate cache flags into options.
	updateOptionsFromFlags(options, flags)

	// Fetch the filename from the options map if necessary.
	if protocol && filename != "" {
		if _, ok := options.getString(OptFilename); ok {
			return nil, "", 0, configErr("",
				"cannot specify both the filename option and a filename argument")
		}
		options[OptFilename] = filename
		parseFilename = true
	}

	// A filename option wins over the positional argument; without one
	// the positional filename stays in force (for the file child of a
	// format node, say).
	if v, ok := options.getString(OptFilename); ok {
		filename = v
	}

	if drv == nil && protocol {
		if filename == "" {
			return nil, "", 0, configErr("", "must specify either driver or file")
		}
		found, err := findProtocolDriver(filename)
		if err != nil {
			return nil, "", 0, err
		}
		drv = found
		options[OptDriver] = drv.Name()
	}

	// Driver-specific filename parsing.
	if drv != nil && parseFilename {
		if parser, ok := drv.(FilenameParser); ok {
			if err := parser.ParseFilename(filename, options); err != nil {
				return nil, "", 0, err
			}
		}
	}

	return drv, filename, flags, nil
}

// findImageFormat reads the image header through the file child and picks
// the highest-scoring format driver. Empty files fall back to raw.
func findImageFormat(file *Node, filename string) (Driver, error) {
	length, err := file.Length()
	if err != nil {
		return nil, fmt.Errorf("could not get image size for probing: %w", err)
	}
	if length == 0 {
		return FindDriver("raw")
	}

	buf := make([]byte, ProbeBufSize)
	if err := file.ReadSectors(0, buf); err != nil {
		return nil, fmt.Errorf("could not read image for determining its format: %w", err)
	}

	drv := probeAll(buf, filename)
	if drv == nil {
		return nil, configErr("", "could not determine image format: no compatible driver found")
	}
	return drv, nil
}

// openCommon invokes the driver and initializes the node's live state.
func (g *Graph) openCommon(n *Node, drv Driver, working Options, flags OpenFlags, filename string) error {
	openFlags := openFlagsForDriver(flags)
	n.readOnly = !openFlags.has(FlagReadWrite)
	n.writeCacheEnable = openFlags.has(FlagWriteCache)
	n.copyOnRead = flags.has(FlagCopyOnRead)
	n.filename = filename

	inst, err := drv.Open(n, working, openFlags)
	if err != nil {
		return err
	}
	n.drv = drv
	n.inst = inst

	if enc, ok := inst.(Encryptable); ok && enc.Encrypted() {
		n.encrypted = true
		n.validKey = false
	}

	if err := n.refreshTotalSectors(n.totalSectors); err != nil {
		return fmt.Errorf("could not refresh total sector count: %w", err)
	}
	return nil
}

// SetDiscoveredBackingFile records the backing file reference a format
// driver found in its image header. Called by drivers during Open.
func (n *Node) SetDiscoveredBackingFile(filename, format string) {
	n.backingFilename = filename
	n.backingFormat = format
}

// openBackingFile resolves the "backing" child: either a node reference
// (bare "backing" option), explicit backing.* sub-options, or the backing
// filename discovered by the format driver.
func (g *Graph) openBackingFile(n *Node, working Options) error {
	backingOpts := working.extractPrefix(OptBacking)
	reference, _ := working.takeString(OptBacking)

	backingFilename := n.backingFilename
	if reference == "" && backingFilename == "" && len(backingOpts) == 0 {
		return nil
	}

	// Relative backing filenames are relative to the image holding them.
	if backingFilename != "" && !filepath.IsAbs(backingFilename) &&
		protocolPrefix(backingFilename) == "" && n.filename != "" {
		backingFilename = filepath.Join(filepath.Dir(n.filename), backingFilename)
	}

	if _, ok := backingOpts.getString(OptDriver); !ok && n.backingFormat != "" {
		backingOpts[OptDriver] = n.backingFormat
	}

	backing, err := g.openInherit(backingFilename, reference, backingOpts, 0, n, ChildBacking)
	if err != nil {
		return fmt.Errorf("could not open backing file: %w", err)
	}

	n.SetBackingNode(backing)
	// SetBackingNode took its own reference; drop the one from the open.
	return backing.Unref()
}

// appendTempSnapshot creates a temporary overlay for snapshot=on, opens it
// and grafts it on top of n. Returns the overlay, which takes over the
// caller's reference to n.
func (g *Graph) appendTempSnapshot(n *Node, snapshotFlags OpenFlags) (*Node, error) {
	totalSize, err := n.Length()
	if err != nil {
		return nil, fmt.Errorf("could not get image size: %w", err)
	}

	drv, err := FindDriver("cow")
	if err != nil {
		return nil, err
	}
	creator, ok := drv.(Creator)
	if !ok {
		return nil, configErr("", "driver \"cow\" does not support image creation")
	}

	tmpFilename := filepath.Join(os.TempDir(), "dittovd-snapshot-"+generateNodeName()+".cow")
	if err := creator.Create(tmpFilename, Options{
		"size": totalSize,
	}); err != nil {
		return nil, fmt.Errorf("could not create temporary overlay %q: %w", tmpFilename, err)
	}

	snapshotOptions := Options{
		"file.driver":   "file",
		"file.filename": tmpFilename,
		OptDriver:       "cow",
		OptBacking:      "", // backing is grafted in via Append below
	}

	snap, err := g.Open("", "", snapshotOptions, snapshotFlags)
	if err != nil {
		os.Remove(tmpFilename)
		return nil, fmt.Errorf("could not open temporary overlay: %w", err)
	}

	if err := Append(snap, n); err != nil {
		_ = g.closeAndFail(snap, err)
		return nil, err
	}

	// The overlay replaces n as the caller-visible node: our reference on
	// the overlay transfers to the caller, and the caller's reference on n
	// is now owned by the overlay's backing edge.
	if err := n.Unref(); err != nil {
		return nil, err
	}
	return snap, nil
}

// ============================================================================
// Close
// ============================================================================

// Close drains in-flight I/O, flushes, shuts the driver down and releases
// the children, while preserving the node's identity (name and registry
// membership) for a future reopen. An attached job is cancelled
// synchronously first.
func (n *Node) Close() error {
	n.cancelJobSync()

	n.DrainedBegin()
	defer n.DrainedEnd()

	if err := n.Flush(); err != nil {
		logger.Warn("flush during close of node %q failed: %v", n.name, err)
	}

	if n.drv == nil {
		return nil
	}

	driverName := n.drv.Name()
	if err := n.inst.Close(); err != nil {
		logger.Warn("driver close of node %q failed: %v", n.name, err)
	}
	n.drv = nil
	n.inst = nil
	n.detachThrottle()

	n.SetBackingNode(nil)

	if n.file != nil {
		_ = n.unrefChild(n.file)
		n.file = nil
	}
	for len(n.children) > 0 {
		_ = n.unrefChild(n.children[0])
	}

	if n.openFlags.has(FlagTemporary) && n.filename != "" {
		os.Remove(n.filename)
	}

	n.copyOnRead = false
	n.totalSectors = 0
	n.encrypted = false
	n.validKey = false
	n.backingFilename = ""
	n.backingFormat = ""
	n.options = nil
	n.explicitOptions = nil

	n.g.metrics.NodeClosed(driverName)
	logger.Debug("closed node %q", n.name)
	return nil
}
