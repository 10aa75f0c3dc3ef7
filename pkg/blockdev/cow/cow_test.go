package cow_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/marmos91/dittovd/pkg/block"
	"github.com/marmos91/dittovd/pkg/blockdev"
	"github.com/marmos91/dittovd/pkg/blockdev/cow"
)

var registerOnce sync.Once

func newGraph(t *testing.T) *block.Graph {
	t.Helper()
	registerOnce.Do(func() {
		if err := blockdev.RegisterAll(); err != nil {
			t.Fatalf("driver registration failed: %v", err)
		}
	})
	return block.NewGraph()
}

func createCow(t *testing.T, dir, name string, size int64, backing, backingFmt string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	opts := block.Options{"size": size}
	if backing != "" {
		opts["backing-file"] = backing
		opts["backing-fmt"] = backingFmt
	}
	if err := cow.New().Create(path, opts); err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	return path
}

func openNode(t *testing.T, g *block.Graph, path string, flags block.OpenFlags) *block.Node {
	t.Helper()
	n, err := g.Open(path, "", nil, flags)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	return n
}

// TestProbeAndOpen verifies an image created by the driver is recognized
// by format probing, without naming the driver at open time.
func TestProbeAndOpen(t *testing.T) {
	g := newGraph(t)
	path := createCow(t, t.TempDir(), "disk.cow", 64*block.SectorSize, "", "")

	n := openNode(t, g, path, block.FlagReadWrite)
	defer n.Unref()

	if n.DriverName() != "cow" {
		t.Errorf("probed driver = %q, want cow", n.DriverName())
	}
	if length, _ := n.Length(); length != 64*block.SectorSize {
		t.Errorf("virtual size = %d, want %d", length, 64*block.SectorSize)
	}
}

// TestCopyOnWriteSemantics verifies unallocated sectors read from the
// backing image until the first write allocates them locally.
func TestCopyOnWriteSemantics(t *testing.T) {
	g := newGraph(t)
	dir := t.TempDir()

	base := createCow(t, dir, "base.cow", 16*block.SectorSize, "", "")
	bn := openNode(t, g, base, block.FlagReadWrite)
	if err := bn.WriteSectors(0, bytes.Repeat([]byte{0x11}, 4*block.SectorSize)); err != nil {
		t.Fatalf("backing write failed: %v", err)
	}
	if err := bn.Close(); err != nil {
		t.Fatalf("backing close failed: %v", err)
	}
	bn.Unref()

	top := createCow(t, dir, "top.cow", 16*block.SectorSize, base, "cow")
	n := openNode(t, g, top, block.FlagReadWrite)
	defer n.Unref()

	if n.Backing() == nil {
		t.Fatal("backing file from the header should be opened")
	}

	// Unwritten sectors show the backing data.
	buf := make([]byte, block.SectorSize)
	if err := n.ReadSectors(1, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if buf[0] != 0x11 {
		t.Errorf("unallocated sector = %#x, want backing data 0x11", buf[0])
	}

	// Writing a sector allocates it in the top layer only.
	if err := n.WriteSectors(1, bytes.Repeat([]byte{0x22}, block.SectorSize)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := n.ReadSectors(1, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if buf[0] != 0x22 {
		t.Errorf("allocated sector = %#x, want 0x22", buf[0])
	}
	if err := n.Backing().ReadSectors(1, buf); err != nil {
		t.Fatalf("backing read failed: %v", err)
	}
	if buf[0] != 0x11 {
		t.Error("write must not reach the backing image")
	}

	// Neighbors keep falling through.
	if allocated, _, _ := n.IsAllocated(2, 1); allocated {
		t.Error("untouched sector should stay unallocated")
	}
}

// TestAllocationSurvivesReopen verifies the bitmap is persisted, not just
// held in memory.
func TestAllocationSurvivesReopen(t *testing.T) {
	g := newGraph(t)
	path := createCow(t, t.TempDir(), "disk.cow", 16*block.SectorSize, "", "")

	n := openNode(t, g, path, block.FlagReadWrite)
	if err := n.WriteSectors(5, bytes.Repeat([]byte{0xAB}, block.SectorSize)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	n.Unref()

	n = openNode(t, g, path, 0)
	defer n.Unref()

	if allocated, _, _ := n.IsAllocated(5, 1); !allocated {
		t.Error("allocation must survive a close/open cycle")
	}
	buf := make([]byte, block.SectorSize)
	if err := n.ReadSectors(5, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if buf[0] != 0xAB {
		t.Errorf("sector 5 = %#x, want 0xAB", buf[0])
	}
}

// TestCommitIntoBacking verifies the full commit flow against real images:
// data moves down, the top empties, and the view through the chain is
// unchanged.
func TestCommitIntoBacking(t *testing.T) {
	g := newGraph(t)
	dir := t.TempDir()

	base := createCow(t, dir, "base.cow", 16*block.SectorSize, "", "")
	top := createCow(t, dir, "top.cow", 16*block.SectorSize, base, "cow")

	n := openNode(t, g, top, block.FlagReadWrite)
	defer n.Unref()

	if err := n.WriteSectors(2, bytes.Repeat([]byte{0xCD}, 3*block.SectorSize)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	before := make([]byte, 16*block.SectorSize)
	if err := n.ReadSectors(0, before); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if err := block.Commit(n); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	after := make([]byte, 16*block.SectorSize)
	if err := n.ReadSectors(0, after); err != nil {
		t.Fatalf("read after commit failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("chain content changed across commit")
	}

	if allocated, _, _ := n.IsAllocated(2, 1); allocated {
		t.Error("committed top layer should be empty")
	}
	if allocated, _, _ := n.Backing().IsAllocated(2, 1); !allocated {
		t.Error("committed data should be allocated in the backing image")
	}
	if n.Backing().ReadOnly() != true {
		t.Error("backing image should be read-only again after commit")
	}
}

// TestChangeBackingFilePersists verifies the rewritten header reference is
// what a later open resolves.
func TestChangeBackingFilePersists(t *testing.T) {
	g := newGraph(t)
	dir := t.TempDir()

	oldBase := createCow(t, dir, "old.cow", 16*block.SectorSize, "", "")
	newBase := createCow(t, dir, "new.cow", 16*block.SectorSize, "", "")
	top := createCow(t, dir, "top.cow", 16*block.SectorSize, oldBase, "cow")

	n := openNode(t, g, top, block.FlagReadWrite)
	if err := n.ChangeBackingFile(newBase, "cow"); err != nil {
		t.Fatalf("ChangeBackingFile() failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	n.Unref()

	n = openNode(t, g, top, 0)
	defer n.Unref()
	if got := n.Backing().Filename(); got != newBase {
		t.Errorf("backing after reopen = %q, want %q", got, newBase)
	}
}

// TestTruncateBoundedByBitmap verifies growth is capped by the bitmap
// capacity fixed at create time.
func TestTruncateBoundedByBitmap(t *testing.T) {
	g := newGraph(t)
	// 16 sectors fit in a one-sector bitmap with room to spare: capacity
	// is 4096 sectors.
	path := createCow(t, t.TempDir(), "disk.cow", 16*block.SectorSize, "", "")

	n := openNode(t, g, path, block.FlagReadWrite)
	defer n.Unref()

	if err := n.Truncate(1024 * block.SectorSize); err != nil {
		t.Fatalf("grow within bitmap capacity failed: %v", err)
	}
	if length, _ := n.Length(); length != 1024*block.SectorSize {
		t.Errorf("length = %d, want %d", length, 1024*block.SectorSize)
	}

	if err := n.Truncate(8192 * block.SectorSize); err == nil {
		t.Error("growing past the bitmap capacity should fail")
	}

	// Shrinking drops allocation state past the end.
	if err := n.WriteSectors(100, bytes.Repeat([]byte{1}, block.SectorSize)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := n.Truncate(64 * block.SectorSize); err != nil {
		t.Fatalf("shrink failed: %v", err)
	}
	if err := n.Truncate(1024 * block.SectorSize); err != nil {
		t.Fatalf("regrow failed: %v", err)
	}
	if allocated, _, _ := n.IsAllocated(100, 1); allocated {
		t.Error("regrown range must come back unallocated")
	}
}

// TestRejectsForeignImage verifies opening a non-cow image with the cow
// driver fails cleanly.
func TestRejectsForeignImage(t *testing.T) {
	g := newGraph(t)
	dir := t.TempDir()

	// A raw file with no cow header.
	path := filepath.Join(dir, "plain.img")
	if err := os.WriteFile(path, make([]byte, 4*block.SectorSize), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if _, err := g.Open("", "", block.Options{
		"driver":        "cow",
		"file.filename": path,
	}, 0); err == nil {
		t.Error("opening a non-cow image with driver=cow should fail")
	}
}
