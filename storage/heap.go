// Package storage implements the StorageHeap of spec.md section 4.1: a
// disk-backed byte allocator spanning a sequence of chunks (directories with
// a declared capacity), handing out AllocatedFile handles and tracking the
// decryption keys attached to them. Two independent Heaps exist in practice
// -- one for permanent replicas, one for temporary Merkle-scratch and
// in-flight-receive files -- both built from this same type.
package storage

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/NebulousLabs/demotemutex"
	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"

	"github.com/luxfs/storaged/crypto"
	"github.com/luxfs/storaged/modules"
)

// extent is a contiguous run of unused bytes within a Chunk's declared
// capacity. Chunks track capacity logically, not as a single packed blob --
// every allocation still gets its own regular file on disk -- but the free
// list governs which chunk an allocation is placed in and is coalesced on
// free exactly as a real sub-allocator's would be.
type extent struct {
	offset uint64
	length uint64
}

// Chunk is one directory in a StorageHeap, with a capacity and a free list
// tracking how much of that capacity is currently unused.
type Chunk struct {
	Path     string
	Capacity uint64

	free []extent // unordered, never adjacent-unmerged
}

// freeBytes returns the total unused capacity in c.
func (c *Chunk) freeBytes() uint64 {
	var n uint64
	for _, e := range c.free {
		n += e.length
	}
	return n
}

// largestExtent returns the length of c's single largest free extent.
func (c *Chunk) largestExtent() uint64 {
	var max uint64
	for _, e := range c.free {
		if e.length > max {
			max = e.length
		}
	}
	return max
}

// reserve removes the first free extent of at least size bytes, returning
// its offset and pushing any leftover back onto the free list. It is the
// caller's responsibility to have confirmed such an extent exists.
func (c *Chunk) reserve(size uint64) uint64 {
	for i, e := range c.free {
		if e.length < size {
			continue
		}
		c.free = append(c.free[:i], c.free[i+1:]...)
		if e.length > size {
			c.free = append(c.free, extent{offset: e.offset + size, length: e.length - size})
		}
		return e.offset
	}
	panic("storage: reserve called without a large-enough extent")
}

// release returns a previously reserved extent to c's free list, coalescing
// it with any adjacent extents.
func (c *Chunk) release(offset, length uint64) {
	merged := extent{offset: offset, length: length}
	var kept []extent
	for _, e := range c.free {
		switch {
		case e.offset+e.length == merged.offset:
			merged.offset = e.offset
			merged.length += e.length
		case merged.offset+merged.length == e.offset:
			merged.length += e.length
		default:
			kept = append(kept, e)
		}
	}
	c.free = append(kept, merged)
}

// AllocatedFile is a handle to a file inside a StorageHeap's chunk. It is
// the unit FreeFile and SetDecryptionKeys operate on; callers hold on to the
// handle AllocateFile returns rather than re-deriving it, since multiple
// concurrent allocations can share the sentinel URI and are only
// distinguishable by handle.
type AllocatedFile struct {
	URI      modules.FileURI
	FullPath string
	Size     uint64
	Keys     *crypto.DecryptionKeys

	chunk  *Chunk
	offset uint64
}

// Heap is a sequence of chunks. AllocateFile and FreeFile are mutually
// exclusive across the whole heap; GetFile and MaxAllocateSize may run
// concurrently with an in-progress allocation once it has reserved its
// space and begun the (slower) on-disk file creation.
type Heap struct {
	mu     demotemutex.DemoteMutex
	chunks []*Chunk
	files  map[modules.FileURI][]*AllocatedFile
}

// New returns an empty Heap with no chunks.
func New() *Heap {
	return &Heap{
		files: make(map[modules.FileURI][]*AllocatedFile),
	}
}

// AddChunk registers a new chunk of the given capacity at path, creating
// the directory if it does not already exist.
func (h *Heap) AddChunk(path string, capacity uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(path, 0700); err != nil {
		return errors.Extend(err, modules.ErrIoFailure)
	}
	h.chunks = append(h.chunks, &Chunk{
		Path:     path,
		Capacity: capacity,
		free:     []extent{{offset: 0, length: capacity}},
	})
	return nil
}

// MaxAllocateSize returns the largest single allocation currently possible
// across every chunk in the heap.
func (h *Heap) MaxAllocateSize() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var max uint64
	for _, c := range h.chunks {
		if l := c.largestExtent(); l > max {
			max = l
		}
	}
	return max
}

// candidateChunks returns the heap's chunk indices in the order AllocateFile
// should try them: last-added first for the sentinel Merkle-scratch URI
// (matching the reference implementation's GetChunks().back() placement),
// first-added first otherwise.
func (h *Heap) candidateChunks(uri modules.FileURI) []int {
	order := make([]int, len(h.chunks))
	if uri == modules.ZeroURI {
		for i := range order {
			order[i] = len(h.chunks) - 1 - i
		}
	} else {
		for i := range order {
			order[i] = i
		}
	}
	return order
}

// AllocateFile reserves size bytes for uri in whichever chunk can fit it and
// creates the backing file on disk, returning a handle to it. The sentinel
// modules.ZeroURI may be allocated under concurrently any number of times;
// any other URI is expected to be allocated at most once per heap.
func (h *Heap) AllocateFile(uri modules.FileURI, size uint64) (*AllocatedFile, error) {
	h.mu.Lock()
	var chunk *Chunk
	var offset uint64
	for _, i := range h.candidateChunks(uri) {
		if h.chunks[i].largestExtent() >= size {
			chunk = h.chunks[i]
			offset = chunk.reserve(size)
			break
		}
	}
	if chunk == nil {
		h.mu.Unlock()
		return nil, modules.ErrNoSpace
	}

	filename := hex.EncodeToString(uri[:])
	if uri == modules.ZeroURI {
		filename += "_" + hex.EncodeToString(fastrand.Bytes(8))
	}
	fullPath := filepath.Join(chunk.Path, filename)

	// The reservation is already committed to the chunk's free list; demote
	// to a read lock while the slower on-disk file creation happens so
	// GetFile/MaxAllocateSize callers aren't blocked by it. Rolling back a
	// failed creation mutates the chunk's free list and recording the new
	// handle mutates h.files; neither is safe while demoted (a concurrent
	// reader could be scanning them), so both re-acquire the write lock first.
	h.mu.Demote()
	err := createAllocatedFile(fullPath, size)
	h.mu.DemotedUnlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		chunk.release(offset, size)
		return nil, err
	}

	af := &AllocatedFile{
		URI:      uri,
		FullPath: fullPath,
		Size:     size,
		chunk:    chunk,
		offset:   offset,
	}
	h.files[uri] = append(h.files[uri], af)
	return af, nil
}

// createAllocatedFile creates (or truncates) the regular file backing an
// allocation, sized to size bytes.
func createAllocatedFile(fullPath string, size uint64) error {
	f, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Extend(err, modules.ErrIoFailure)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(fullPath)
		return errors.Extend(err, modules.ErrIoFailure)
	}
	if err := f.Close(); err != nil {
		os.Remove(fullPath)
		return errors.Extend(err, modules.ErrIoFailure)
	}
	return nil
}

// FreeFile releases af's reservation and deletes its backing file. af must
// have been returned by a prior call to AllocateFile on this heap.
func (h *Heap) FreeFile(af *AllocatedFile) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.files[af.URI]
	idx := -1
	for i, f := range list {
		if f == af {
			idx = i
			break
		}
	}
	if idx < 0 {
		return modules.ErrUnknownURI
	}
	h.files[af.URI] = append(list[:idx], list[idx+1:]...)
	if len(h.files[af.URI]) == 0 {
		delete(h.files, af.URI)
	}

	af.chunk.release(af.offset, af.Size)
	if err := os.Remove(af.FullPath); err != nil && !os.IsNotExist(err) {
		return errors.Extend(err, modules.ErrIoFailure)
	}
	return nil
}

// GetFile returns the (unique, non-sentinel) allocation for uri.
func (h *Heap) GetFile(uri modules.FileURI) (*AllocatedFile, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.files[uri]
	if len(list) == 0 {
		return nil, modules.ErrUnknownURI
	}
	return list[0], nil
}

// SetDecryptionKeys attaches keys to the (unique, non-sentinel) allocation
// for uri.
func (h *Heap) SetDecryptionKeys(uri modules.FileURI, keys crypto.DecryptionKeys) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.files[uri]
	if len(list) == 0 {
		return modules.ErrUnknownURI
	}
	list[0].Keys = &keys
	return nil
}

// Chunks returns the heap's chunks in allocation order.
func (h *Heap) Chunks() []*Chunk {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Chunk, len(h.chunks))
	copy(out, h.chunks)
	return out
}

// MoveChunk relocates the chunk at index to newPath. The move is atomic
// from the caller's point of view: either it fully lands at newPath, or the
// chunk is left exactly as it was at its old path.
func (h *Heap) MoveChunk(index int, newPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.chunks) {
		return modules.ErrUnknownURI
	}
	chunk := h.chunks[index]
	if err := os.MkdirAll(filepath.Dir(newPath), 0700); err != nil {
		return errors.Extend(err, modules.ErrIoFailure)
	}
	if err := os.Rename(chunk.Path, newPath); err != nil {
		return errors.Extend(err, modules.ErrIoFailure)
	}
	chunk.Path = newPath
	for _, list := range h.files {
		for _, af := range list {
			if af.chunk == chunk {
				af.FullPath = filepath.Join(newPath, filepath.Base(af.FullPath))
			}
		}
	}
	return nil
}
