package bitmapstore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/marmos91/dittovd/pkg/block"
	"github.com/marmos91/dittovd/pkg/blockdev"
)

var registerOnce sync.Once

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "bitmaps"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openNode(t *testing.T, g *block.Graph, nodeName string) *block.Node {
	t.Helper()
	registerOnce.Do(func() {
		if err := blockdev.RegisterAll(); err != nil {
			t.Fatalf("driver registration failed: %v", err)
		}
	})

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 64*block.SectorSize), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	n, err := g.Open("", "", block.Options{
		"driver":        "raw",
		"file.filename": path,
		"node-name":     nodeName,
	}, block.FlagReadWrite)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return n
}

func TestSaveLoadDelete(t *testing.T) {
	s := newStore(t)

	data := block.BitmapData{Name: "backup0", Granularity: 4096, Size: 64, Words: []uint64{0x5}}
	if err := s.Save("disk0", data); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := s.Load("disk0", "backup0")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Name != data.Name || got.Granularity != data.Granularity ||
		got.Size != data.Size || len(got.Words) != 1 || got.Words[0] != 0x5 {
		t.Errorf("loaded snapshot %+v differs from saved %+v", got, data)
	}

	if err := s.Delete("disk0", "backup0"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := s.Load("disk0", "backup0"); err == nil {
		t.Error("loading a deleted snapshot should fail")
	}
	// Deleting again is fine.
	if err := s.Delete("disk0", "backup0"); err != nil {
		t.Errorf("repeated Delete() failed: %v", err)
	}
}

func TestListIsScopedToNode(t *testing.T) {
	s := newStore(t)

	for _, save := range []struct{ node, bitmap string }{
		{"disk0", "daily"},
		{"disk0", "weekly"},
		{"disk1", "daily"},
	} {
		if err := s.Save(save.node, block.BitmapData{Name: save.bitmap, Granularity: 4096, Size: 64}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	got, err := s.List("disk0")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List(disk0) returned %d snapshots, want 2", len(got))
	}
	for _, data := range got {
		if data.Name != "daily" && data.Name != "weekly" {
			t.Errorf("unexpected snapshot %q for disk0", data.Name)
		}
	}

	if got, _ := s.List("disk2"); len(got) != 0 {
		t.Errorf("List of unknown node returned %d snapshots, want 0", len(got))
	}
}

func TestSaveNodeRestoreNodeRoundTrip(t *testing.T) {
	s := newStore(t)
	g := block.NewGraph()
	n := openNode(t, g, "disk0")

	b, err := n.CreateDirtyBitmap(4096, "backup0")
	if err != nil {
		t.Fatalf("CreateDirtyBitmap() failed: %v", err)
	}
	if err := n.WriteSectors(8, bytes.Repeat([]byte{1}, block.SectorSize)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := s.SaveNode(n); err != nil {
		t.Fatalf("SaveNode() failed: %v", err)
	}

	// A fresh node under the same name picks the snapshot back up.
	if err := n.ReleaseDirtyBitmap(b); err != nil {
		t.Fatalf("ReleaseDirtyBitmap() failed: %v", err)
	}
	if err := s.RestoreNode(n); err != nil {
		t.Fatalf("RestoreNode() failed: %v", err)
	}

	restored := n.FindDirtyBitmap("backup0")
	if restored == nil {
		t.Fatal("restored bitmap not found on the node")
	}
	if !restored.Get(8) {
		t.Error("restored bitmap lost its dirty bits")
	}
	if restored.Get(16) {
		t.Error("restored bitmap has bits that were never set")
	}
}

func TestSaveNodeSkipsAnonymousAndFrozen(t *testing.T) {
	s := newStore(t)
	g := block.NewGraph()
	n := openNode(t, g, "disk0")

	if _, err := n.CreateDirtyBitmap(4096, ""); err != nil {
		t.Fatalf("CreateDirtyBitmap() failed: %v", err)
	}
	frozen, err := n.CreateDirtyBitmap(4096, "mid-backup")
	if err != nil {
		t.Fatalf("CreateDirtyBitmap() failed: %v", err)
	}
	if err := n.CreateBitmapSuccessor(frozen); err != nil {
		t.Fatalf("CreateBitmapSuccessor() failed: %v", err)
	}
	if _, err := n.CreateDirtyBitmap(4096, "keeper"); err != nil {
		t.Fatalf("CreateDirtyBitmap() failed: %v", err)
	}

	if err := s.SaveNode(n); err != nil {
		t.Fatalf("SaveNode() failed: %v", err)
	}

	stored, err := s.List("disk0")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Name != "keeper" {
		t.Errorf("stored snapshots = %v, want only %q", stored, "keeper")
	}
}

func TestRestoreNodeSkipsExistingNames(t *testing.T) {
	s := newStore(t)
	g := block.NewGraph()
	n := openNode(t, g, "disk0")

	if err := s.Save("disk0", block.BitmapData{Name: "backup0", Granularity: 4096, Size: 64, Words: []uint64{1}}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	live, err := n.CreateDirtyBitmap(4096, "backup0")
	if err != nil {
		t.Fatalf("CreateDirtyBitmap() failed: %v", err)
	}
	if err := s.RestoreNode(n); err != nil {
		t.Fatalf("RestoreNode() failed: %v", err)
	}
	if n.FindDirtyBitmap("backup0") != live {
		t.Error("an existing live bitmap must win over the stored snapshot")
	}
	if live.Get(0) {
		t.Error("live bitmap must not absorb stored bits")
	}
}
