package block

import (
	"fmt"
	"sync"

	"github.com/marmos91/dittovd/internal/ratelimiter"
)

// ChildRole describes how a named child link derives its options and flags
// from the parent. The role is fixed when the link is created and drives
// both the open path and reopen-queue expansion.
type ChildRole struct {
	// Name identifies the role in logs and errors.
	Name string

	// InheritOptions computes the child's initial flags and option
	// defaults from the parent's effective flags and options. The child's
	// own options (already present in childOpts) always win.
	InheritOptions func(childOpts Options, parentFlags OpenFlags, parentOpts Options) OpenFlags
}

// ChildFile is the role of a protocol child carrying the raw bytes of a
// format layer ("file").
var ChildFile = &ChildRole{
	Name: "file",
	InheritOptions: func(childOpts Options, parentFlags OpenFlags, parentOpts Options) OpenFlags {
		flags := parentFlags

		// Protocol handling on, format probing off for the file child.
		flags |= FlagProtocol

		// Inherit direct and no-flush unless the cache mode is explicit.
		childOpts.copyDefault(parentOpts, OptCacheDirect)
		childOpts.copyDefault(parentOpts, OptCacheNoFlush)

		// Format drivers send flushes and respect unmap policy themselves,
		// so lower layers default to write-back with unmap enabled.
		childOpts.setDefault(OptCacheWB, true)
		flags |= FlagUnmap

		// Flags that only apply to the top layer.
		flags &^= FlagSnapshot | FlagNoBacking | FlagCopyOnRead

		return flags
	},
}

// ChildFormat is like ChildFile but permits format (not only protocol)
// drivers for the child.
var ChildFormat = &ChildRole{
	Name: "format",
	InheritOptions: func(childOpts Options, parentFlags OpenFlags, parentOpts Options) OpenFlags {
		flags := ChildFile.InheritOptions(childOpts, parentFlags, parentOpts)
		return flags &^ FlagProtocol
	},
}

// ChildBacking is the role of the copy-on-write upstream layer ("backing").
// Backing children are always opened read-only.
var ChildBacking = &ChildRole{
	Name: "backing",
	InheritOptions: func(childOpts Options, parentFlags OpenFlags, parentOpts Options) OpenFlags {
		flags := parentFlags

		// The cache mode is inherited unmodified for backing files.
		childOpts.copyDefault(parentOpts, OptCacheWB)
		childOpts.copyDefault(parentOpts, OptCacheDirect)
		childOpts.copyDefault(parentOpts, OptCacheNoFlush)

		flags &^= FlagReadWrite | FlagCopyOnRead

		// snapshot=on is handled on the top layer.
		flags &^= FlagSnapshot | FlagTemporary

		return flags
	},
}

// Child is a named, owning edge from a parent node to a child node. Child
// links are the only strong-ownership edges in the graph; the child's
// parent list holds the same *Child values as weak, traversal-only
// back-references.
type Child struct {
	node   *Node
	parent *Node
	name   string
	role   *ChildRole
}

// Node returns the child node the link points to.
func (c *Child) Node() *Node { return c.node }

// Name returns the edge name ("file", "backing", ...).
func (c *Child) Name() string { return c.name }

// Node is one vertex of the storage graph: an open (or closed) disk image
// or protocol endpoint.
type Node struct {
	g *Graph

	// Identity. The node name is immutable once assigned; the device name
	// is owned by the external device model attached on top.
	name       string
	deviceName string

	refcnt int

	// Driver attachment. drv == nil means the node is closed: it has no
	// children, no size, and is unreachable for I/O.
	drv  Driver
	inst DriverInstance

	filename     string
	totalSectors int64
	openFlags    OpenFlags
	readOnly     bool
	probed       bool

	// Feature fields that stay with the active layer across Append and
	// ReplaceInChain.
	copyOnRead       bool
	writeCacheEnable bool
	throttleGroup    string
	limiter          *ratelimiter.RateLimiter

	encrypted bool
	validKey  bool

	// explicitOptions is what the caller supplied for this node;
	// options is the effective post-inheritance configuration.
	explicitOptions Options
	options         Options

	// Ordered named child links, with shortcuts for the two well-known
	// edges. parents holds weak back-references.
	children []*Child
	file     *Child
	backing  *Child
	parents  []*Child

	backingFilename string
	backingFormat   string

	// inheritsFrom marks the parent this node was implicitly opened for.
	// At most one parent; reopen only recurses into children that inherit
	// from the node being reopened.
	inheritsFrom *Node

	backingBlocker *Reason

	bitmaps  []*DirtyBitmap
	blockers map[OpKind][]*Reason

	ctx      *ExecContext
	notifier []*ContextNotifier
	job      *Job

	// Guest I/O accounting for draining.
	ioMu     sync.Mutex
	ioCond   *sync.Cond
	inFlight int
	quiesce  int
}

func (g *Graph) newNode() *Node {
	n := &Node{
		g:        g,
		refcnt:   1,
		blockers: make(map[OpKind][]*Reason),
	}
	n.ioCond = sync.NewCond(&n.ioMu)
	return n
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// DeviceName returns the externally-owned device name, or "".
func (n *Node) DeviceName() string { return n.deviceName }

// DeviceOrNodeName identifies the node in error messages, preferring the
// device name the way the original layer reports errors.
func (n *Node) DeviceOrNodeName() string {
	if n.deviceName != "" {
		return n.deviceName
	}
	return n.name
}

// DriverName returns the attached driver's name, or "" when closed.
func (n *Node) DriverName() string {
	if n.drv == nil {
		return ""
	}
	return n.drv.Name()
}

// IsOpen reports whether a driver is attached.
func (n *Node) IsOpen() bool { return n.drv != nil }

// ReadOnly reports whether the node rejects writes.
func (n *Node) ReadOnly() bool { return n.readOnly }

// Filename returns the filename the node was opened from, or "".
func (n *Node) Filename() string { return n.filename }

// RefCount returns the current reference count.
func (n *Node) RefCount() int { return n.refcnt }

// Backing returns the backing child node, or nil.
func (n *Node) Backing() *Node {
	if n.backing == nil {
		return nil
	}
	return n.backing.node
}

// FileChild returns the "file" child node, or nil.
func (n *Node) FileChild() *Node {
	if n.file == nil {
		return nil
	}
	return n.file.node
}

// Children returns the ordered child links. The slice is a copy.
func (n *Node) Children() []*Child {
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}

// Parents returns the parent back-links. The slice is a copy.
func (n *Node) Parents() []*Child {
	out := make([]*Child, len(n.parents))
	copy(out, n.parents)
	return out
}

// ============================================================================
// Reference counting
// ============================================================================

// Ref grabs an additional reference.
func (n *Node) Ref() {
	n.refcnt++
}

// Unref releases a reference. When the count reaches zero the node is
// destroyed: destruction requires an empty blocker set and an empty bitmap
// list and is refused (with the node kept alive) otherwise.
func (n *Node) Unref() error {
	if n == nil {
		return nil
	}
	if n.refcnt <= 0 {
		return invalidErr(fmt.Sprintf("node %q: unref below zero", n.name))
	}
	n.refcnt--
	if n.refcnt == 0 {
		if err := n.delete(); err != nil {
			// Refused destruction keeps the node alive and referenced.
			n.refcnt = 1
			return err
		}
	}
	return nil
}

func (n *Node) delete() error {
	if n.job != nil {
		return busyErr(n.DeviceOrNodeName(), "node has an active job")
	}
	if !n.blockerSetEmpty() {
		return busyErr(n.DeviceOrNodeName(), "operation blockers remain on node")
	}
	if len(n.bitmaps) != 0 {
		return busyErr(n.DeviceOrNodeName(), "dirty bitmaps remain on node")
	}

	if err := n.Close(); err != nil {
		return err
	}
	n.g.remove(n)
	return nil
}

// ============================================================================
// Child link management
// ============================================================================

// attachChild creates the owning edge parent->child and the weak
// back-reference child->parent. The caller's reference is what the edge
// owns from now on.
func (n *Node) attachChild(child *Node, name string, role *ChildRole) *Child {
	c := &Child{node: child, parent: n, name: name, role: role}
	n.children = append(n.children, c)
	child.parents = append(child.parents, c)
	return c
}

func (n *Node) detachChild(c *Child) {
	n.children = removeChild(n.children, c)
	c.node.parents = removeChild(c.node.parents, c)
	c.node = nil
}

// unrefChild detaches the edge and releases the reference it owned.
func (n *Node) unrefChild(c *Child) error {
	if c == nil {
		return nil
	}
	child := c.node
	if child.inheritsFrom == n {
		child.inheritsFrom = nil
	}
	n.detachChild(c)
	return child.Unref()
}

func removeChild(s []*Child, c *Child) []*Child {
	for i, e := range s {
		if e == c {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// namedChild returns the child link with the given edge name, or nil.
func (n *Node) namedChild(name string) *Child {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// ============================================================================
// Backing link
// ============================================================================

// SetBackingNode wires backing as the node's backing child, taking a new
// reference; passing nil detaches the current backing child. While
// attached, the backing node is blocked for every operation except
// commit-target, with a reason naming this node.
func (n *Node) SetBackingNode(backing *Node) {
	if backing != nil {
		backing.Ref()
	}

	if n.backing != nil {
		old := n.backing.node
		old.UnblockAll(n.backingBlocker)
		// The child owns a reference; dropping the edge may destroy the
		// old backing chain, which is legitimate here.
		_ = n.unrefChild(n.backing)
		n.backing = nil
	}

	if backing == nil {
		n.backingBlocker = nil
		n.backingFilename = ""
		n.backingFormat = ""
		return
	}

	if n.backingBlocker == nil {
		n.backingBlocker = NewReason(fmt.Sprintf(
			"node is used as backing hd of '%s'", n.DeviceOrNodeName()))
	}
	n.backing = n.attachChild(backing, "backing", ChildBacking)
	n.openFlags &^= FlagNoBacking
	n.backingFilename = backing.filename
	n.backingFormat = backing.DriverName()

	backing.BlockAll(n.backingBlocker)
	// Committing into the backing file must stay possible.
	backing.Unblock(OpCommitTarget, n.backingBlocker)
}

// ============================================================================
// Guest I/O and draining
// ============================================================================

// beginRequest accounts one guest request, blocking while the node is
// drained.
func (n *Node) beginRequest() {
	n.ioMu.Lock()
	for n.quiesce > 0 {
		n.ioCond.Wait()
	}
	n.inFlight++
	n.ioMu.Unlock()
}

func (n *Node) endRequest() {
	n.ioMu.Lock()
	n.inFlight--
	n.ioCond.Broadcast()
	n.ioMu.Unlock()
}

// DrainedBegin blocks new guest requests on this node and waits for
// in-flight ones to finish. Must be paired with DrainedEnd.
func (n *Node) DrainedBegin() {
	n.ioMu.Lock()
	n.quiesce++
	for n.inFlight > 0 {
		n.ioCond.Wait()
	}
	n.ioMu.Unlock()
}

// DrainedEnd lifts a DrainedBegin.
func (n *Node) DrainedEnd() {
	n.ioMu.Lock()
	n.quiesce--
	n.ioCond.Broadcast()
	n.ioMu.Unlock()
}

// Drain waits for in-flight guest I/O on this node to finish.
func (n *Node) Drain() {
	n.DrainedBegin()
	n.DrainedEnd()
}

// drainTree drains the node and every node reachable through child links.
func (n *Node) drainTree() func() {
	var drained []*Node
	var walk func(x *Node)
	walk = func(x *Node) {
		x.DrainedBegin()
		drained = append(drained, x)
		for _, c := range x.children {
			walk(c.node)
		}
	}
	walk(n)
	return func() {
		for i := len(drained) - 1; i >= 0; i-- {
			drained[i].DrainedEnd()
		}
	}
}

// ============================================================================
// I/O dispatch
// ============================================================================

func (n *Node) ioReady(write bool) error {
	if n.drv == nil {
		return &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}
	if n.encrypted && !n.validKey {
		return &BlockError{Code: ErrEncrypted,
			Message: "image is encrypted and no valid key has been set",
			Node:    n.DeviceOrNodeName()}
	}
	if write && n.readOnly {
		return &BlockError{Code: ErrReadOnly, Message: "node is read-only", Node: n.DeviceOrNodeName()}
	}
	return nil
}

// ReadSectors reads len(buf)/SectorSize sectors starting at sector.
// Format drivers handle backing-chain fall-through themselves.
func (n *Node) ReadSectors(sector int64, buf []byte) error {
	if err := n.ioReady(false); err != nil {
		return err
	}
	io, ok := n.inst.(SectorIO)
	if !ok {
		return n.notSupported("read")
	}
	n.throttleWait()
	n.beginRequest()
	defer n.endRequest()
	return io.ReadSectors(sector, buf)
}

// WriteSectors writes len(buf)/SectorSize sectors starting at sector and
// marks the written range in every enabled dirty bitmap.
func (n *Node) WriteSectors(sector int64, buf []byte) error {
	if err := n.ioReady(true); err != nil {
		return err
	}
	io, ok := n.inst.(SectorIO)
	if !ok {
		return n.notSupported("write")
	}
	n.throttleWait()
	n.beginRequest()
	err := io.WriteSectors(sector, buf)
	n.endRequest()
	if err != nil {
		return err
	}
	n.setDirty(sector, int64(len(buf)/SectorSize))
	return nil
}

// Flush persists completed writes, cascading into the file child when the
// driver itself has nothing to flush.
func (n *Node) Flush() error {
	if n.drv == nil {
		return nil
	}
	if f, ok := n.inst.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	if n.file != nil {
		return n.file.node.Flush()
	}
	return nil
}

// Length returns the node size in bytes.
func (n *Node) Length() (int64, error) {
	if n.drv == nil {
		return 0, &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}
	if l, ok := n.inst.(Lengther); ok {
		return l.Length()
	}
	return n.totalSectors * SectorSize, nil
}

// NumSectors returns the cached node size in sectors.
func (n *Node) NumSectors() int64 { return n.totalSectors }

// refreshTotalSectors re-reads the driver length into the cached sector
// count, trusting the hint when the driver cannot report a length.
func (n *Node) refreshTotalSectors(hint int64) error {
	if l, ok := n.inst.(Lengther); ok {
		length, err := l.Length()
		if err != nil {
			return err
		}
		hint = (length + SectorSize - 1) / SectorSize
	}
	n.totalSectors = hint
	return nil
}

// Truncate resizes the image to length bytes. Resizing is refused while
// any dirty bitmap is frozen, and while a resize blocker is installed.
func (n *Node) Truncate(length int64) error {
	if n.drv == nil {
		return &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}
	if err := n.IsBlocked(OpResize); err != nil {
		return err
	}
	return n.truncateCommon(length)
}

// truncateCommon resizes the node without consulting the resize blocker.
// Internal chain operations (growing a backing file during commit) resize
// nodes that carry the backing blocker.
func (n *Node) truncateCommon(length int64) error {
	t, ok := n.inst.(Truncater)
	if !ok {
		return n.notSupported("truncate")
	}
	if n.readOnly {
		return &BlockError{Code: ErrReadOnly, Message: "node is read-only", Node: n.DeviceOrNodeName()}
	}
	if n.frozenBitmapCount() > 0 {
		return chainErr(fmt.Sprintf(
			"cannot resize node '%s': frozen dirty bitmaps present", n.DeviceOrNodeName()))
	}
	if err := t.Truncate(length); err != nil {
		return err
	}
	if err := n.refreshTotalSectors((length + SectorSize - 1) / SectorSize); err != nil {
		return err
	}
	n.truncateBitmaps()
	return nil
}

// IsAllocated probes whether sectors are allocated in this layer.
func (n *Node) IsAllocated(sector int64, nb int) (bool, int, error) {
	if n.drv == nil {
		return false, 0, &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}
	if p, ok := n.inst.(AllocProber); ok {
		return p.IsAllocated(sector, nb)
	}
	// Without driver support every sector counts as allocated here.
	if sector >= n.totalSectors {
		return false, 0, nil
	}
	if int64(nb) > n.totalSectors-sector {
		nb = int(n.totalSectors - sector)
	}
	return true, nb, nil
}

// SetKey provides the encryption key for an encrypted image.
func (n *Node) SetKey(key string) error {
	enc, ok := n.inst.(Encryptable)
	if !ok || !n.encrypted {
		return n.notSupported("encryption key")
	}
	if err := enc.SetKey(key); err != nil {
		return err
	}
	n.validKey = true
	return nil
}

// Encrypted reports whether the image needs a key before I/O.
func (n *Node) Encrypted() bool { return n.encrypted }

func (n *Node) notSupported(op string) error {
	return &BlockError{Code: ErrNotSupported,
		Message: fmt.Sprintf("driver %q does not support %s", n.DriverName(), op),
		Node:    n.DeviceOrNodeName()}
}

// ============================================================================
// Feature fields
// ============================================================================

// moveFeatureFields copies the fields that must stay with the active layer.
func moveFeatureFields(dst, src *Node) {
	dst.copyOnRead = src.copyOnRead
	dst.writeCacheEnable = src.writeCacheEnable
	dst.bitmaps = src.bitmaps
	for _, b := range dst.bitmaps {
		b.node = dst
	}
}

// swapFeatureFields exchanges the active-layer fields between the old and
// the new top during Append/ReplaceInChain, including throttle state.
func swapFeatureFields(top, newTop *Node) {
	var tmp Node
	moveFeatureFields(&tmp, top)
	moveFeatureFields(top, newTop)
	moveFeatureFields(newTop, &tmp)

	top.throttleGroup, newTop.throttleGroup = newTop.throttleGroup, top.throttleGroup
	top.limiter, newTop.limiter = newTop.limiter, top.limiter
}
