package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittovd/pkg/block"
)

func createImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := New().Create(path, block.Options{"size": size}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return path
}

func openImage(t *testing.T, path string, flags block.OpenFlags) *instance {
	t.Helper()
	inst, err := New().Open(nil, block.Options{"filename": path}, flags)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	t.Cleanup(func() { inst.Close() })
	return inst.(*instance)
}

func TestCreateAndLength(t *testing.T) {
	path := createImage(t, 8*block.SectorSize)
	i := openImage(t, path, block.FlagReadWrite)

	length, err := i.Length()
	if err != nil {
		t.Fatalf("Length() failed: %v", err)
	}
	if length != 8*block.SectorSize {
		t.Errorf("length = %d, want %d", length, 8*block.SectorSize)
	}
}

func TestCreateRequiresSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := New().Create(path, block.Options{}); err == nil {
		t.Error("Create() without a size should fail")
	}
	if err := New().Create(path, block.Options{"size": "banana"}); err == nil {
		t.Error("Create() with a malformed size should fail")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := createImage(t, 8*block.SectorSize)
	i := openImage(t, path, block.FlagReadWrite)

	want := bytes.Repeat([]byte{0xA5}, 2*block.SectorSize)
	if err := i.WriteSectors(3, want); err != nil {
		t.Fatalf("WriteSectors() failed: %v", err)
	}
	if err := i.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	got := make([]byte, 2*block.SectorSize)
	if err := i.ReadSectors(3, got); err != nil {
		t.Fatalf("ReadSectors() failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data differs from written data")
	}
}

func TestReadZeroFillsPastEOF(t *testing.T) {
	path := createImage(t, block.SectorSize/2)
	i := openImage(t, path, 0)

	buf := bytes.Repeat([]byte{0xFF}, 2*block.SectorSize)
	if err := i.ReadSectors(0, buf); err != nil {
		t.Fatalf("ReadSectors() past EOF failed: %v", err)
	}
	for j := block.SectorSize / 2; j < len(buf); j++ {
		if buf[j] != 0 {
			t.Fatalf("byte %d past EOF = %#x, want 0", j, buf[j])
		}
	}
}

func TestOpenReadOnly(t *testing.T) {
	path := createImage(t, block.SectorSize)
	i := openImage(t, path, 0)

	if err := i.WriteSectors(0, make([]byte, block.SectorSize)); err == nil {
		t.Error("write through a read-only descriptor should fail")
	}
}

func TestTruncate(t *testing.T) {
	path := createImage(t, 8*block.SectorSize)
	i := openImage(t, path, block.FlagReadWrite)

	if err := i.Truncate(2 * block.SectorSize); err != nil {
		t.Fatalf("Truncate() failed: %v", err)
	}
	if length, _ := i.Length(); length != 2*block.SectorSize {
		t.Errorf("length after shrink = %d, want %d", length, 2*block.SectorSize)
	}
}

func TestParseFilename(t *testing.T) {
	opts := block.Options{}
	if err := New().ParseFilename("file:/images/disk.raw", opts); err != nil {
		t.Fatalf("ParseFilename() failed: %v", err)
	}
	if got, _ := opts.GetString("filename"); got != "/images/disk.raw" {
		t.Errorf("filename = %q, want the prefix stripped", got)
	}
}

func TestReopenSwapsDescriptor(t *testing.T) {
	path := createImage(t, block.SectorSize)
	i := openImage(t, path, block.FlagReadWrite)

	// Stage a read-only descriptor, commit, and verify writes now fail
	// while reads keep working.
	state := &block.ReopenState{Flags: 0}
	if err := i.ReopenPrepare(state, nil); err != nil {
		t.Fatalf("ReopenPrepare() failed: %v", err)
	}
	i.ReopenCommit(state)

	if err := i.WriteSectors(0, make([]byte, block.SectorSize)); err == nil {
		t.Error("write after read-only reopen should fail")
	}
	if err := i.ReadSectors(0, make([]byte, block.SectorSize)); err != nil {
		t.Errorf("read after reopen failed: %v", err)
	}
}

func TestReopenAbortKeepsOldDescriptor(t *testing.T) {
	path := createImage(t, block.SectorSize)
	i := openImage(t, path, block.FlagReadWrite)

	state := &block.ReopenState{Flags: 0}
	if err := i.ReopenPrepare(state, nil); err != nil {
		t.Fatalf("ReopenPrepare() failed: %v", err)
	}
	i.ReopenAbort(state)

	if err := i.WriteSectors(0, make([]byte, block.SectorSize)); err != nil {
		t.Errorf("write after aborted reopen failed: %v", err)
	}
}

func TestReopenPrepareFailsOnMissingFile(t *testing.T) {
	path := createImage(t, block.SectorSize)
	i := openImage(t, path, block.FlagReadWrite)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := i.ReopenPrepare(&block.ReopenState{Flags: 0}, nil); err == nil {
		t.Error("reopen of a removed file should fail at prepare")
	}
}
