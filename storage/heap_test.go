package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luxfs/storaged/build"
	"github.com/luxfs/storaged/crypto"
	"github.com/luxfs/storaged/modules"
)

func TestHeapAllocateAndFree(t *testing.T) {
	dir := build.TempDir("storage", t.Name())
	h := New()
	if err := h.AddChunk(filepath.Join(dir, "chunk0"), 1024); err != nil {
		t.Fatal(err)
	}

	var uri modules.FileURI
	uri[0] = 1
	af, err := h.AllocateFile(uri, 512)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(af.FullPath); err != nil {
		t.Fatalf("backing file was not created: %v", err)
	}
	if got := h.MaxAllocateSize(); got != 512 {
		t.Fatalf("expected 512 bytes of remaining capacity, got %v", got)
	}

	got, err := h.GetFile(uri)
	if err != nil || got != af {
		t.Fatal("GetFile did not return the allocated handle")
	}

	keys := crypto.DecryptionKeys{RSAPublicKey: []byte("pub")}
	if err := h.SetDecryptionKeys(uri, keys); err != nil {
		t.Fatal(err)
	}
	got, _ = h.GetFile(uri)
	if got.Keys == nil || string(got.Keys.RSAPublicKey) != "pub" {
		t.Fatal("decryption keys were not attached")
	}

	if err := h.FreeFile(af); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(af.FullPath); !os.IsNotExist(err) {
		t.Fatal("backing file was not deleted on free")
	}
	if got := h.MaxAllocateSize(); got != 1024 {
		t.Fatalf("expected full capacity back after free, got %v", got)
	}
	if _, err := h.GetFile(uri); err != modules.ErrUnknownURI {
		t.Fatalf("expected ErrUnknownURI after free, got %v", err)
	}
}

func TestHeapNoSpace(t *testing.T) {
	dir := build.TempDir("storage", t.Name())
	h := New()
	if err := h.AddChunk(filepath.Join(dir, "chunk0"), 100); err != nil {
		t.Fatal(err)
	}
	var uri modules.FileURI
	uri[0] = 1
	if _, err := h.AllocateFile(uri, 200); err != modules.ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

// TestHeapSentinelConcurrentAllocations checks that the zero-URI sentinel
// permits multiple simultaneous, independently freeable allocations.
func TestHeapSentinelConcurrentAllocations(t *testing.T) {
	dir := build.TempDir("storage", t.Name())
	h := New()
	if err := h.AddChunk(filepath.Join(dir, "chunk0"), 1024); err != nil {
		t.Fatal(err)
	}

	af1, err := h.AllocateFile(modules.ZeroURI, 100)
	if err != nil {
		t.Fatal(err)
	}
	af2, err := h.AllocateFile(modules.ZeroURI, 100)
	if err != nil {
		t.Fatal(err)
	}
	if af1.FullPath == af2.FullPath {
		t.Fatal("sentinel allocations collided on the same file")
	}
	if err := h.FreeFile(af1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(af2.FullPath); err != nil {
		t.Fatal("freeing one sentinel allocation removed the other's file")
	}
	if err := h.FreeFile(af2); err != nil {
		t.Fatal(err)
	}
}

// TestHeapSentinelLastChunkFirst checks that sentinel allocations are placed
// in the most recently added chunk first, matching the reference
// implementation's back()-of-temp-heap placement.
func TestHeapSentinelLastChunkFirst(t *testing.T) {
	dir := build.TempDir("storage", t.Name())
	h := New()
	if err := h.AddChunk(filepath.Join(dir, "chunk0"), 1024); err != nil {
		t.Fatal(err)
	}
	if err := h.AddChunk(filepath.Join(dir, "chunk1"), 1024); err != nil {
		t.Fatal(err)
	}
	af, err := h.AllocateFile(modules.ZeroURI, 100)
	if err != nil {
		t.Fatal(err)
	}
	wantDir := filepath.Join(dir, "chunk1")
	if filepath.Dir(af.FullPath) != wantDir {
		t.Fatalf("expected sentinel allocation in the last chunk %q, got %q", wantDir, af.FullPath)
	}
}

func TestChunkExtentCoalescing(t *testing.T) {
	c := &Chunk{Capacity: 300, free: []extent{{offset: 0, length: 300}}}
	off1 := c.reserve(100)
	off2 := c.reserve(100)
	if c.freeBytes() != 100 {
		t.Fatalf("expected 100 bytes free, got %v", c.freeBytes())
	}
	c.release(off1, 100)
	c.release(off2, 100)
	if len(c.free) != 1 || c.free[0].length != 300 {
		t.Fatalf("expected extents to coalesce back into one 300-byte extent, got %+v", c.free)
	}
}

func TestHeapMoveChunk(t *testing.T) {
	dir := build.TempDir("storage", t.Name())
	h := New()
	oldPath := filepath.Join(dir, "chunk0")
	if err := h.AddChunk(oldPath, 1024); err != nil {
		t.Fatal(err)
	}
	var uri modules.FileURI
	uri[0] = 7
	af, err := h.AllocateFile(uri, 10)
	if err != nil {
		t.Fatal(err)
	}

	newPath := filepath.Join(dir, "chunk0-moved")
	if err := h.MoveChunk(0, newPath); err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(af.FullPath) != newPath {
		t.Fatalf("handle was not updated to the new chunk path, got %v", af.FullPath)
	}
	if _, err := os.Stat(af.FullPath); err != nil {
		t.Fatalf("file did not survive the move: %v", err)
	}
}
