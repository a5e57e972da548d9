// Package fsx provides the mmap-backed, crash-aware file primitives shared by
// the segment allocator (L1) and the node metadata table (L2): opening and
// growing a backing file, mapping it, flushing ranges of it, and pinning the
// hot working set in RAM.
//
// The mmap/msync/mlock plumbing follows the same raw golang.org/x/sys/unix
// calls the retrieval pack's file abstractions wrap (compare
// internal/fs/real.go and pkg/slotcache's use of syscall.Mmap); fsx composes
// them directly rather than going through a generic FS interface, because
// every caller here needs the mapped bytes themselves, not an io.Reader.
package fsx

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mapping is a file backed by an append-only list of independently-mmap'd,
// fixed-size blocks. Growth maps additional blocks at the file's new tail
// without ever unmapping or remapping an existing one, so any []byte a
// caller has already obtained from [Mapping.Slice] — or cached across a call
// to Grow, as L3's concurrent lock-free readers routinely do — stays valid
// for the lifetime of the Mapping.
//
// This mirrors arbtrie's id_allocator.hpp block_allocator: growth is
// "map one more 128MiB block", never "munmap everything, remap bigger".
// Every caller picks blockSize so that no record it addresses straddles a
// block boundary (segment.Allocator uses its segment size; idtable.Table
// uses its metadata growth increment), which is what makes per-block mmaps
// safe to hand out as plain byte slices instead of routing every access
// through an offset-translating reader.
type Mapping struct {
	file      *os.File
	path      string
	blockSize int64

	growMu sync.Mutex
	blocks atomic.Pointer[[][]byte]
}

// OpenMapping opens (creating if needed) the file at path, ensures it is at
// least minSize bytes (rounded up to a multiple of blockSize), and maps it
// read-write one blockSize-sized block at a time.
func OpenMapping(path string, blockSize, minSize int64) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fsx: open %s: %w", path, err)
	}

	m := &Mapping{file: f, path: path, blockSize: blockSize}
	m.blocks.Store(&[][]byte{})

	if info, err := f.Stat(); err == nil && info.Size() > minSize {
		minSize = info.Size()
	}
	if err := m.Grow(minSize); err != nil {
		_ = f.Close()
		return nil, err
	}

	return m, nil
}

// Grow extends the backing file and maps as many additional blocks as
// needed so the mapping covers at least size bytes. Already-mapped blocks
// are left untouched at their existing addresses.
func (m *Mapping) Grow(size int64) error {
	m.growMu.Lock()
	defer m.growMu.Unlock()

	if m.Size() >= size {
		return nil
	}

	wantBlocks := (size + m.blockSize - 1) / m.blockSize
	newFileSize := wantBlocks * m.blockSize

	info, err := m.file.Stat()
	if err != nil {
		return fmt.Errorf("fsx: stat %s: %w", m.path, err)
	}
	if info.Size() < newFileSize {
		if err := m.file.Truncate(newFileSize); err != nil {
			return fmt.Errorf("fsx: truncate %s to %d: %w", m.path, newFileSize, err)
		}
	}

	cur := *m.blocks.Load()
	next := make([][]byte, len(cur), wantBlocks)
	copy(next, cur)

	for idx := int64(len(cur)); idx < wantBlocks; idx++ {
		b, err := unix.Mmap(int(m.file.Fd()), idx*m.blockSize, int(m.blockSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("fsx: mmap %s block %d: %w", m.path, idx, err)
		}
		next = append(next, b)
	}

	m.blocks.Store(&next)
	return nil
}

// Slice returns the byte range [off, off+length) as a subslice of the single
// block containing it. Callers must only request ranges that fit within one
// block — guaranteed by construction for every caller in this codebase,
// since blockSize is chosen to match the unit records are allocated in.
func (m *Mapping) Slice(off, length int64) []byte {
	blocks := *m.blocks.Load()
	idx := off / m.blockSize
	local := off % m.blockSize
	return blocks[idx][local : local+length]
}

// Bounds reports whether [off, off+length) lies within the mapped region
// and within a single block, for callers that must validate an offset read
// back from untrusted on-disk metadata before dereferencing it.
func (m *Mapping) Bounds(off, length int64) bool {
	if off < 0 || length < 0 || off+length > m.Size() {
		return false
	}
	idx := off / m.blockSize
	endIdx := (off + length - 1) / m.blockSize
	return idx == endIdx
}

// Sync msyncs the byte range [off, off+length) to disk. kind selects
// MS_SYNC (blocking) vs MS_ASYNC (scheduled, returns immediately). The range
// must lie within a single block, as with Slice.
func (m *Mapping) Sync(off, length int64, async bool) error {
	if length == 0 {
		return nil
	}
	flag := unix.MS_SYNC
	if async {
		flag = unix.MS_ASYNC
	}
	// msync requires a page-aligned start address, so the range is widened
	// down to the page containing off.
	page := int64(os.Getpagesize())
	start := off &^ (page - 1)
	if err := unix.Msync(m.Slice(start, off-start+length), flag); err != nil {
		return fmt.Errorf("fsx: msync %s: %w", m.path, err)
	}
	return nil
}

// Lock mlocks the byte range [off, off+length) so metadata lookups never
// page-fault on the read path. Failure is non-fatal: callers should log and
// continue, matching the reference allocator's mlock-with-warning behavior.
func (m *Mapping) Lock(off, length int64) error {
	if !m.Bounds(off, length) {
		return fmt.Errorf("fsx: mlock range out of bounds")
	}
	return unix.Mlock(m.Slice(off, length))
}

// Advise hints the kernel about the expected access pattern, e.g.
// unix.MADV_RANDOM for the metadata table once mlock has failed.
func (m *Mapping) Advise(off, length int64, advice int) error {
	if !m.Bounds(off, length) {
		return fmt.Errorf("fsx: madvise range out of bounds")
	}
	return unix.Madvise(m.Slice(off, length), advice)
}

// Close unmaps every block and closes the backing file.
func (m *Mapping) Close() error {
	for _, b := range *m.blocks.Load() {
		if err := unix.Munmap(b); err != nil {
			return fmt.Errorf("fsx: munmap %s: %w", m.path, err)
		}
	}
	return m.file.Close()
}

// File exposes the backing *os.File for Fd()-based operations (flock) and
// for re-stat.
func (m *Mapping) File() *os.File { return m.file }

// Size returns the current mapped length across every block.
func (m *Mapping) Size() int64 { return int64(len(*m.blocks.Load())) * m.blockSize }
