package block

import (
	"fmt"

	"github.com/marmos91/dittovd/internal/logger"
)

// commitBufSectors is the chunk size Commit copies in.
const commitBufSectors = 2048

// FindBase returns the last node of n's backing chain (n itself when it
// has no backing file).
func FindBase(n *Node) *Node {
	for n != nil && n.Backing() != nil {
		n = n.Backing()
	}
	return n
}

// ChainContains reports whether node appears in top's backing chain,
// including top itself.
func ChainContains(top, node *Node) bool {
	for n := top; n != nil; n = n.Backing() {
		if n == node {
			return true
		}
	}
	return false
}

// FindOverlay returns the node in active's chain whose backing file is
// target, or nil when target is active itself or not in the chain.
func FindOverlay(active, target *Node) *Node {
	for n := active; n != nil; n = n.Backing() {
		if n.Backing() == target {
			return n
		}
	}
	return nil
}

// BackingChainDepth returns the number of nodes in n's backing chain,
// counting n.
func BackingChainDepth(n *Node) int {
	depth := 0
	for ; n != nil; n = n.Backing() {
		depth++
	}
	return depth
}

// ============================================================================
// Commit
// ============================================================================

// Commit copies all sectors allocated in n into its backing file and then
// empties n, so the chain reads identically but the data lives one level
// down. The backing file is temporarily reopened writable when necessary
// and grown if it is shorter than n.
func Commit(n *Node) error {
	err := commit(n)
	n.g.metrics.ChainOp("commit", err == nil)
	return err
}

func commit(n *Node) error {
	if n.drv == nil {
		return &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}
	backing := n.Backing()
	if backing == nil {
		return n.notSupported("commit without backing file")
	}

	if err := n.IsBlocked(OpCommitSource); err != nil {
		return err
	}
	if err := backing.IsBlocked(OpCommitTarget); err != nil {
		return err
	}

	restoreRO := false
	if backing.readOnly {
		if err := n.g.Reopen(backing, backing.openFlags|FlagReadWrite); err != nil {
			return err
		}
		restoreRO = true
	}
	restore := func() {
		if restoreRO {
			if err := n.g.Reopen(backing, backing.openFlags&^FlagReadWrite); err != nil {
				logger.Warn("could not restore read-only mode of backing node %q: %v",
					backing.name, err)
			}
		}
	}

	length, err := n.Length()
	if err != nil {
		restore()
		return err
	}
	backingLength, err := backing.Length()
	if err != nil {
		restore()
		return err
	}
	if backingLength < length {
		if err := backing.truncateCommon(length); err != nil {
			restore()
			return err
		}
	}

	total := n.NumSectors()
	buf := make([]byte, commitBufSectors*SectorSize)

	for sector := int64(0); sector < total; {
		chunk := commitBufSectors
		if remaining := total - sector; remaining < int64(chunk) {
			chunk = int(remaining)
		}
		allocated, count, err := n.IsAllocated(sector, chunk)
		if err != nil {
			restore()
			return err
		}
		if count == 0 {
			count = chunk
		}
		if allocated {
			data := buf[:count*SectorSize]
			if err := n.ReadSectors(sector, data); err != nil {
				restore()
				return err
			}
			if err := backing.WriteSectors(sector, data); err != nil {
				restore()
				return err
			}
		}
		sector += int64(count)
	}

	if e, ok := n.inst.(Emptier); ok {
		if err := e.MakeEmpty(); err != nil {
			restore()
			return err
		}
	}

	if err := n.Flush(); err != nil {
		restore()
		return err
	}
	if err := backing.Flush(); err != nil {
		restore()
		return err
	}

	restore()
	logger.Info("committed node %q into backing node %q", n.name, backing.name)
	return nil
}

// ============================================================================
// Graph surgery
// ============================================================================

// changeParentLinks retargets every parent edge of from onto to. Backing
// edges go through SetBackingNode so the commit-target blocker follows;
// other edges are moved in place with their reference.
func changeParentLinks(from, to *Node) {
	for _, c := range from.Parents() {
		if c.parent.backing == c {
			c.parent.SetBackingNode(to)
			continue
		}
		to.Ref()
		from.parents = removeChild(from.parents, c)
		c.node = to
		to.parents = append(to.parents, c)
		_ = from.Unref()
	}
}

// Append grafts newTop on top of oldTop: every user of oldTop (device,
// overlays) is rewired to newTop, the active-layer feature fields (dirty
// bitmaps, copy-on-read, write cache, throttling) move to newTop, and
// oldTop becomes newTop's backing file. newTop must not have a backing
// file yet.
func Append(newTop, oldTop *Node) error {
	if newTop.Backing() != nil {
		return chainErr(fmt.Sprintf(
			"node '%s' already has a backing file", newTop.DeviceOrNodeName()))
	}
	if newTop == oldTop {
		return invalidErr("cannot append a node on top of itself")
	}

	// Keep oldTop alive while its edges move away.
	oldTop.Ref()

	swapFeatureFields(oldTop, newTop)
	changeParentLinks(oldTop, newTop)
	oldTop.g.moveDevice(oldTop, newTop)
	newTop.SetBackingNode(oldTop)

	err := oldTop.Unref()
	newTop.g.metrics.ChainOp("append", err == nil)
	return err
}

// ReplaceInChain substitutes new for old everywhere in the graph: parent
// edges, device attachment and active-layer feature fields move over, and
// new adopts old's backing file when it has none of its own. Refused when
// new's chain already contains old, which would create a cycle.
func ReplaceInChain(old, new *Node) error {
	if ChainContains(new, old) {
		return chainErr(fmt.Sprintf(
			"node '%s' is in the backing chain of the replacement", old.DeviceOrNodeName()))
	}

	old.Ref()

	swapFeatureFields(old, new)
	if new.Backing() == nil && old.Backing() != nil {
		new.SetBackingNode(old.Backing())
	}
	changeParentLinks(old, new)
	old.g.moveDevice(old, new)

	err := old.Unref()
	old.g.metrics.ChainOp("replace", err == nil)
	return err
}

// DropIntermediate removes the nodes strictly between top and base from
// active's backing chain, so the overlay above top backs directly onto
// base. The overlay's image header is rewritten to point at base. When top
// and base are already adjacent this is a successful no-op.
//
// The data of the dropped nodes is not copied anywhere; the caller has
// already committed or streamed it (base must contain everything the
// dropped layers held).
func DropIntermediate(active, top, base *Node) error {
	err := dropIntermediate(active, top, base)
	active.g.metrics.ChainOp("drop-intermediate", err == nil)
	return err
}

func dropIntermediate(active, top, base *Node) error {
	if active == nil || top == nil || base == nil {
		return invalidErr("drop-intermediate requires active, top and base nodes")
	}
	if top == base {
		return chainErr("top and base are the same node")
	}
	if !ChainContains(active, top) {
		return chainErr(fmt.Sprintf(
			"node '%s' is not in the chain of '%s'", top.DeviceOrNodeName(), active.DeviceOrNodeName()))
	}

	// Already adjacent: nothing between top and base. This covers the
	// degenerate request naming the active layer itself as top.
	if top.Backing() == base {
		return nil
	}

	if top == active {
		return chainErr("cannot drop the active layer")
	}
	if !ChainContains(top.Backing(), base) {
		return chainErr(fmt.Sprintf(
			"base node '%s' is not below '%s'", base.DeviceOrNodeName(), top.DeviceOrNodeName()))
	}

	overlay := FindOverlay(active, top)
	if overlay == nil {
		return chainErr(fmt.Sprintf(
			"could not find the overlay of node '%s'", top.DeviceOrNodeName()))
	}

	// Persist the new backing reference in the overlay's image header
	// before touching the graph, so a crash leaves a consistent chain.
	if err := overlay.ChangeBackingFile(base.filename, base.DriverName()); err != nil {
		return err
	}

	// Dropping the edge unrefs top; the intermediate nodes disappear as
	// their reference counts reach zero.
	overlay.SetBackingNode(base)
	logger.Info("dropped intermediate nodes between %q and %q", top.name, base.name)
	return nil
}

// ChangeBackingFile rewrites the backing-file reference stored in the
// node's image header and mirrors it in the node state.
func (n *Node) ChangeBackingFile(backingFile, backingFormat string) error {
	if n.drv == nil {
		return &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}
	c, ok := n.inst.(BackingFileChanger)
	if !ok {
		return n.notSupported("changing the backing file")
	}
	if n.readOnly {
		return &BlockError{Code: ErrReadOnly, Message: "node is read-only", Node: n.DeviceOrNodeName()}
	}
	if err := c.ChangeBackingFile(backingFile, backingFormat); err != nil {
		return err
	}
	n.backingFilename = backingFile
	n.backingFormat = backingFormat
	return nil
}
