package block

import (
	"fmt"
	"math/bits"

	"github.com/marmos91/dittovd/pkg/hbitmap"
)

// DirtyBitmap tracks which regions of a node have been written, at a
// power-of-two granularity, for incremental backup.
//
// A bitmap is in one of three states:
//
//   - active: records writes.
//   - disabled: paused; the bits are read-only but the bitmap persists.
//   - frozen: has a successor. A frozen bitmap cannot be renamed, cleared
//     or deleted until it is reconciled by Abdicate or Reclaim.
//
// Installing a successor is the sole freeze trigger: the successor
// records writes during a backup while the frozen parent preserves the
// state the backup is based on.
type DirtyBitmap struct {
	node        *Node
	bitmap      *hbitmap.Bitmap
	successor   *DirtyBitmap
	name        string // "" = anonymous
	size        int64  // sectors, tracks node size
	granularity uint32 // bytes
	disabled    bool
}

// BitmapStatus is the externally visible bitmap state.
type BitmapStatus string

const (
	BitmapActive   BitmapStatus = "active"
	BitmapDisabled BitmapStatus = "disabled"
	BitmapFrozen   BitmapStatus = "frozen"
)

// Name returns the bitmap name, or "" for anonymous bitmaps.
func (b *DirtyBitmap) Name() string { return b.name }

// Granularity returns the tracking granularity in bytes.
func (b *DirtyBitmap) Granularity() uint32 { return b.granularity }

// Size returns the tracked range in sectors.
func (b *DirtyBitmap) Size() int64 { return b.size }

// Count returns the number of dirty granules.
func (b *DirtyBitmap) Count() int64 { return b.bitmap.Count() }

// Frozen reports whether the bitmap has a successor installed.
func (b *DirtyBitmap) Frozen() bool { return b.successor != nil }

// Enabled reports whether the bitmap currently records writes.
func (b *DirtyBitmap) Enabled() bool { return !b.disabled && b.successor == nil }

// Status returns the externally visible state.
func (b *DirtyBitmap) Status() BitmapStatus {
	switch {
	case b.Frozen():
		return BitmapFrozen
	case !b.Enabled():
		return BitmapDisabled
	default:
		return BitmapActive
	}
}

// Get reports whether the granule containing sector is dirty.
func (b *DirtyBitmap) Get(sector int64) bool { return b.bitmap.Get(sector) }

// Disable pauses recording. Refused while frozen.
func (b *DirtyBitmap) Disable() error {
	if b.Frozen() {
		return busyErr(b.node.DeviceOrNodeName(), "cannot modify a frozen bitmap")
	}
	b.disabled = true
	return nil
}

// Enable resumes recording. Refused while frozen.
func (b *DirtyBitmap) Enable() error {
	if b.Frozen() {
		return busyErr(b.node.DeviceOrNodeName(), "cannot modify a frozen bitmap")
	}
	b.disabled = false
	return nil
}

// ClearDirty resets all bits. Refused while frozen.
func (b *DirtyBitmap) ClearDirty() error {
	if b.Frozen() {
		return busyErr(b.node.DeviceOrNodeName(), "cannot clear a frozen bitmap")
	}
	b.bitmap.Clear()
	return nil
}

// words exposes the packed bitmap for persistence.
func (b *DirtyBitmap) words() []uint64 { return b.bitmap.Words() }

// BitmapData is the persistence snapshot of a named dirty bitmap.
type BitmapData struct {
	Name        string   `json:"name"`
	Granularity uint32   `json:"granularity"`
	Size        int64    `json:"size"`
	Words       []uint64 `json:"words"`
}

// Export snapshots the bitmap for persistence. Frozen bitmaps are in the
// middle of a backup and are refused; anonymous bitmaps have no stable
// identity to restore under and are refused as well.
func (b *DirtyBitmap) Export() (BitmapData, error) {
	if b.Frozen() {
		return BitmapData{}, busyErr(b.node.DeviceOrNodeName(), "cannot persist a frozen bitmap")
	}
	if b.name == "" {
		return BitmapData{}, invalidErr("cannot persist an anonymous bitmap")
	}
	return BitmapData{
		Name:        b.name,
		Granularity: b.granularity,
		Size:        b.size,
		Words:       b.words(),
	}, nil
}

// ============================================================================
// Node-level bitmap operations
// ============================================================================

// CreateDirtyBitmap creates a bitmap on the node. granularity must be a
// power of two in bytes; a non-empty name must be unused on this node.
func (n *Node) CreateDirtyBitmap(granularity uint32, name string) (*DirtyBitmap, error) {
	if granularity == 0 || bits.OnesCount32(granularity) != 1 {
		return nil, invalidErr(fmt.Sprintf("granularity %d is not a power of two", granularity))
	}
	if granularity < SectorSize {
		return nil, invalidErr(fmt.Sprintf("granularity %d is smaller than the sector size", granularity))
	}
	if name != "" && n.FindDirtyBitmap(name) != nil {
		return nil, &BlockError{Code: ErrAlreadyExists,
			Message: fmt.Sprintf("bitmap already exists: %s", name),
			Node:    n.DeviceOrNodeName()}
	}

	sectorGranularity := granularity / SectorSize
	b := &DirtyBitmap{
		node:        n,
		bitmap:      hbitmap.New(n.totalSectors, uint(bits.TrailingZeros32(sectorGranularity))),
		name:        name,
		size:        n.totalSectors,
		granularity: granularity,
	}
	n.bitmaps = append(n.bitmaps, b)
	return b, nil
}

// RestoreDirtyBitmap recreates a persisted bitmap on the node. The stored
// bits carry over where the geometry still matches; a node that grew or
// shrank since the snapshot gets the bits truncated or zero-extended.
func (n *Node) RestoreDirtyBitmap(d BitmapData) (*DirtyBitmap, error) {
	b, err := n.CreateDirtyBitmap(d.Granularity, d.Name)
	if err != nil {
		return nil, err
	}
	b.bitmap.SetWords(d.Words)
	return b, nil
}

// FindDirtyBitmap returns the named bitmap, or nil.
func (n *Node) FindDirtyBitmap(name string) *DirtyBitmap {
	for _, b := range n.bitmaps {
		if b.name == name && name != "" {
			return b
		}
	}
	return nil
}

// DirtyBitmaps returns the node's bitmaps. The slice is a copy.
func (n *Node) DirtyBitmaps() []*DirtyBitmap {
	out := make([]*DirtyBitmap, len(n.bitmaps))
	copy(out, n.bitmaps)
	return out
}

// CreateBitmapSuccessor freezes bitmap by installing an anonymous
// successor with matching geometry and enabled state. Fails if the bitmap
// is already frozen.
func (n *Node) CreateBitmapSuccessor(bitmap *DirtyBitmap) error {
	if bitmap.Frozen() {
		return busyErr(n.DeviceOrNodeName(),
			"cannot create a successor for a bitmap that is currently frozen")
	}

	child, err := n.CreateDirtyBitmap(bitmap.granularity, "")
	if err != nil {
		return err
	}

	// Successor records (or doesn't) based on the parent's current state.
	child.disabled = bitmap.disabled

	bitmap.successor = child
	return nil
}

// AbdicateBitmap resolves a frozen bitmap in favor of its successor: the
// successor inherits the parent's name and the parent is deleted. Returns
// the successor.
func (n *Node) AbdicateBitmap(bitmap *DirtyBitmap) (*DirtyBitmap, error) {
	successor := bitmap.successor
	if successor == nil {
		return nil, invalidErr("cannot relinquish control if there's no successor present")
	}

	successor.name = bitmap.name
	bitmap.name = ""
	bitmap.successor = nil
	if err := n.ReleaseDirtyBitmap(bitmap); err != nil {
		return nil, err
	}
	return successor, nil
}

// ReclaimBitmap merges the successor back into a frozen bitmap and
// destroys the successor, unfreezing (but not re-enabling) the parent.
// Returns the parent.
func (n *Node) ReclaimBitmap(parent *DirtyBitmap) (*DirtyBitmap, error) {
	successor := parent.successor
	if successor == nil {
		return nil, invalidErr("cannot reclaim a successor when none is present")
	}

	if !parent.bitmap.Merge(successor.bitmap) {
		return nil, fmt.Errorf("merging of parent and successor bitmap failed")
	}
	parent.successor = nil
	if err := n.ReleaseDirtyBitmap(successor); err != nil {
		return nil, err
	}
	return parent, nil
}

// ReleaseDirtyBitmap removes a bitmap from the node. Refused while frozen.
func (n *Node) ReleaseDirtyBitmap(bitmap *DirtyBitmap) error {
	if bitmap.Frozen() {
		return busyErr(n.DeviceOrNodeName(), "cannot delete a frozen bitmap")
	}
	for i, b := range n.bitmaps {
		if b == bitmap {
			n.bitmaps = append(n.bitmaps[:i], n.bitmaps[i+1:]...)
			return nil
		}
	}
	return notFoundErr("bitmap not attached to node")
}

// setDirty marks a written range in every enabled bitmap.
func (n *Node) setDirty(sector, nb int64) {
	for _, b := range n.bitmaps {
		if b.Enabled() {
			b.bitmap.Set(sector, nb)
		}
		// A frozen parent stays untouched; its successor is in the list
		// and records the write by itself when enabled.
	}
}

// frozenBitmapCount returns how many bitmaps currently have successors.
func (n *Node) frozenBitmapCount() int {
	count := 0
	for _, b := range n.bitmaps {
		if b.Frozen() {
			count++
		}
	}
	return count
}

// truncateBitmaps resizes every bitmap to the node's current sector count
// after a size change. The caller has already verified no bitmap is frozen.
func (n *Node) truncateBitmaps() {
	for _, b := range n.bitmaps {
		b.bitmap.Truncate(n.totalSectors)
		b.size = n.totalSectors
	}
}
