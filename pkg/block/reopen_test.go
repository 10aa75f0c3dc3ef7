package block

import (
	"strings"
	"testing"
)

func openFormatNode(t *testing.T, g *Graph, mem *memDriver, name string, flags OpenFlags) *Node {
	t.Helper()
	img := make([]byte, 4*SectorSize)
	copy(img, "FMTA")
	mem.put(name, img)

	n, err := g.Open("", "", Options{
		OptDriver:       "fmta",
		"file.filename": name,
	}, flags)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", name, err)
	}
	return n
}

// TestReopenTogglesReadOnly verifies a node opened writable can be
// bounced to read-only and back.
func TestReopenTogglesReadOnly(t *testing.T) {
	g, mem := testEnv()
	n := openFormatNode(t, g, mem, "img", FlagReadWrite)

	if err := g.Reopen(n, n.openFlags&^FlagReadWrite); err != nil {
		t.Fatalf("reopen to read-only failed: %v", err)
	}
	if !n.ReadOnly() {
		t.Fatal("node should be read-only after reopen")
	}
	if err := n.WriteSectors(0, sectorsOf(1, 1)); CodeOf(err) != ErrReadOnly {
		t.Errorf("write on read-only node = %v, want ErrReadOnly", err)
	}

	if err := g.Reopen(n, n.openFlags|FlagReadWrite); err != nil {
		t.Fatalf("reopen back to writable failed: %v", err)
	}
	if n.ReadOnly() {
		t.Fatal("node should be writable again")
	}
}

// TestReopenStrictReadOnlyRefused verifies a node opened strictly
// read-only cannot be made writable.
func TestReopenStrictReadOnlyRefused(t *testing.T) {
	g, mem := testEnv()
	mem.put("disk0", make([]byte, SectorSize))

	// Protocol-level open without the read-write flag never records the
	// allow-read-write capability.
	n, err := g.Open("disk0", "", Options{OptDriver: "file"}, 0)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	err = g.Reopen(n, n.openFlags|FlagReadWrite)
	if err == nil {
		t.Fatal("reopening a strictly read-only node writable should fail")
	}
	if CodeOf(err) != ErrReadOnly {
		t.Errorf("error code = %v, want ErrReadOnly", CodeOf(err))
	}
	if !n.ReadOnly() {
		t.Error("failed reopen must leave the node read-only")
	}
}

// TestReopenWritableBackingWritesThrough verifies that reopening a
// read-only backing node writable makes the whole subtree writable, so
// writes reach the image through the file child.
func TestReopenWritableBackingWritesThrough(t *testing.T) {
	g, mem := testEnv()
	top := openChain(t, g, mem, "top", "base")
	base := top.Backing()

	if !base.ReadOnly() {
		t.Fatal("backing node should start read-only")
	}
	if err := g.Reopen(base, base.openFlags|FlagReadWrite); err != nil {
		t.Fatalf("reopen writable failed: %v", err)
	}
	if base.ReadOnly() {
		t.Fatal("backing node should be writable after reopen")
	}
	if err := base.WriteSectors(0, sectorsOf(1, 0x5A)); err != nil {
		t.Fatalf("write to reopened backing node failed: %v", err)
	}

	if err := g.Reopen(base, base.openFlags&^FlagReadWrite); err != nil {
		t.Fatalf("reopen back to read-only failed: %v", err)
	}
	if !base.ReadOnly() {
		t.Error("backing node should be read-only again")
	}
}

// TestReopenTransactionAbortsAllOnFailure verifies that one failing
// prepare leaves every queued node in its previous configuration.
func TestReopenTransactionAbortsAllOnFailure(t *testing.T) {
	g, mem := testEnv()
	n := openFormatNode(t, g, mem, "img", FlagReadWrite)

	// The file child prepares after the parent and refuses, so the
	// parent's prepared state must be rolled back.
	mem.failReopen = true
	defer func() { mem.failReopen = false }()

	err := g.Reopen(n, n.openFlags&^FlagReadWrite)
	if err == nil {
		t.Fatal("reopen should fail when a queued child refuses")
	}
	if n.ReadOnly() {
		t.Error("aborted reopen must not change the parent")
	}
	if n.FileChild().ReadOnly() {
		t.Error("aborted reopen must not change the file child")
	}
}

// TestReopenQueuesInheritingChildren verifies queue expansion covers the
// children opened for the node but not independently referenced ones.
func TestReopenQueuesInheritingChildren(t *testing.T) {
	g, mem := testEnv()
	n := openFormatNode(t, g, mem, "img", FlagReadWrite)

	q := g.ReopenQueue(nil, n, nil, n.openFlags)
	if len(q.entries) != 2 {
		t.Fatalf("queue has %d entries, want 2 (node + file child)", len(q.entries))
	}
	if q.Find(n.FileChild()) == nil {
		t.Error("file child missing from the queue")
	}
}

// TestReopenRejectsUnknownOptionChange verifies an option no layer
// consumes fails the transaction instead of being ignored.
func TestReopenRejectsUnknownOptionChange(t *testing.T) {
	g, mem := testEnv()
	n := openFormatNode(t, g, mem, "img", FlagReadWrite)

	q := g.ReopenQueue(nil, n, Options{"bogus": "x"}, n.openFlags)
	err := g.ReopenMultiple(q)
	if err == nil {
		t.Fatal("reopen with an unconsumed option change should fail")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error should name the option, got: %v", err)
	}
}

// TestReopenRejectsIdentityChanges verifies node name and driver cannot
// change across a reopen.
func TestReopenRejectsIdentityChanges(t *testing.T) {
	g, mem := testEnv()
	n := openFormatNode(t, g, mem, "img", FlagReadWrite)

	tests := []struct {
		name string
		opts Options
	}{
		{"node name", Options{OptNodeName: "something-else"}},
		{"driver", Options{OptDriver: "fmtb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := g.ReopenQueue(nil, n, tt.opts.Clone(), n.openFlags)
			if err := g.ReopenMultiple(q); err == nil {
				t.Errorf("changing the %s should fail", tt.name)
			}
		})
	}
}

// TestReopenCacheChangeRefusedWhileDeviceAttached verifies the write
// cache mode is pinned while a device owns the node.
func TestReopenCacheChangeRefusedWhileDeviceAttached(t *testing.T) {
	g, mem := testEnv()
	n := openFormatNode(t, g, mem, "img", FlagReadWrite|FlagWriteCache)

	if err := g.ClaimDevice("vda", n); err != nil {
		t.Fatalf("ClaimDevice() failed: %v", err)
	}

	q := g.ReopenQueue(nil, n, Options{OptCacheWB: false}, n.openFlags)
	err := g.ReopenMultiple(q)
	if CodeOf(err) != ErrBusy {
		t.Fatalf("cache change with device attached = %v, want ErrBusy", err)
	}

	g.ReleaseDevice(n)
	q = g.ReopenQueue(nil, n, Options{OptCacheWB: false}, n.openFlags)
	if err := g.ReopenMultiple(q); err != nil {
		t.Fatalf("cache change after device release failed: %v", err)
	}
	if n.writeCacheEnable {
		t.Error("write cache should be disabled after reopen")
	}
}
