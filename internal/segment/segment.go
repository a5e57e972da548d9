// Package segment implements L1: a fixed-size, append-only arena allocator
// over a single growable data file. Each segment is a contiguous,
// power-of-two-sized slab with its own small header tracking allocation and
// free-byte counters; L3 allocates node storage through it and relocates
// live nodes out of sparsely-populated sealed segments via compaction.
//
// Grounded on arbtrie/include/arbtrie/config.hpp for sizing constants and on
// the retrieval pack's slot-cache commit protocol (pkg/slotcache/writer.go)
// for the dirty-range/msync discipline used by [Allocator.Sync].
package segment

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/triedentdb/triedent/internal/fsx"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// Per-segment header layout, living in the first segmentHeaderSize bytes of
// every segment slab.
const (
	segmentHeaderSize = 64

	hdrAllocPos    = 0  // uint64: next free byte offset within the segment's data area
	hdrFreedBytes  = 8  // uint64: sum of capacities released from this segment
	hdrLastSync    = 16 // uint64: allocPos value as of the last durable msync
	hdrEpoch       = 24 // uint64: monotonically increasing use counter, bumped on recycle
	hdrSealed      = 32 // uint64: 0 = active, 1 = sealed
)

// State classifies a segment's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateSealed
	StateRecycled
)

// SyncKind selects msync blocking behavior.
type SyncKind int

const (
	SyncNone SyncKind = iota
	SyncAsync
	SyncSync
)

// Allocator owns the data file and hands out byte ranges to L3.
type Allocator struct {
	m           *fsx.Mapping
	segmentSize uint32

	rotateMu sync.Mutex
	active   atomic.Uint32 // current active segment id

	syncLocks sync.Map // map[uint32]*sync.RWMutex, lazily populated per segment
}

// Open opens or creates the data file at path with the given segment size,
// which must already have been validated as a power of two less than 4GiB
// (see config.Config.Validate).
func Open(path string, segmentSize uint32) (*Allocator, error) {
	m, err := fsx.OpenMapping(path, int64(segmentSize), int64(segmentSize))
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	a := &Allocator{m: m, segmentSize: segmentSize}

	if a.segmentCount() == 0 {
		if err := a.appendSegment(); err != nil {
			_ = m.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *Allocator) Close() error { return a.m.Close() }

func (a *Allocator) segmentCount() uint32 {
	return uint32(a.m.Size()) / a.segmentSize
}

func (a *Allocator) segmentOffset(id uint32) int64 {
	return int64(id) * int64(a.segmentSize)
}

func (a *Allocator) header(id uint32) []byte {
	off := a.segmentOffset(id)
	return a.m.Slice(off, segmentHeaderSize)
}

func (a *Allocator) dataArea(id uint32) (start, size int64) {
	off := a.segmentOffset(id)
	return off + segmentHeaderSize, int64(a.segmentSize) - segmentHeaderSize
}

func (a *Allocator) syncLock(id uint32) *sync.RWMutex {
	v, _ := a.syncLocks.LoadOrStore(id, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

// appendSegment grows the data file by one more segment slab and
// initializes its header. Caller must hold rotateMu or be at Open() with no
// concurrent access yet.
func (a *Allocator) appendSegment() error {
	id := a.segmentCount()
	newSize := int64(id+1) * int64(a.segmentSize)

	if err := a.m.Grow(newSize); err != nil {
		return fmt.Errorf("segment: grow to add segment %d: %w", id, tderrors.ErrFull)
	}

	hdr := a.header(id)
	binary.LittleEndian.PutUint64(hdr[hdrAllocPos:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrFreedBytes:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrLastSync:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrSealed:], 0)

	return nil
}

func align8(n uint32) uint32 { return (n + 7) &^ 7 }

// Allocate reserves size bytes (rounded up to an 8-byte boundary) from the
// active segment, sealing it and opening a new one if it doesn't fit.
func (a *Allocator) Allocate(size uint32) (segID uint32, offset uint32, err error) {
	size = align8(size)
	dataSize := a.segmentSize - segmentHeaderSize
	if size > dataSize {
		return 0, 0, fmt.Errorf("segment: allocation of %d exceeds segment capacity %d: %w", size, dataSize, tderrors.ErrInvalidInput)
	}

	for {
		id := a.active.Load()
		hdr := a.header(id)

		cur := binary.LittleEndian.Uint64(hdr[hdrAllocPos:])
		next := cur + uint64(size)

		if next <= uint64(dataSize) {
			binary.LittleEndian.PutUint64(hdr[hdrAllocPos:], next)
			return id, uint32(cur), nil
		}

		if err := a.rotate(id); err != nil {
			return 0, 0, err
		}
	}
}

// rotate seals segment id (if it is still active) and makes a fresh segment
// active. Safe to call concurrently; only the goroutine that wins the race
// performs the rotation.
func (a *Allocator) rotate(id uint32) error {
	a.rotateMu.Lock()
	defer a.rotateMu.Unlock()

	if a.active.Load() != id {
		// Someone else already rotated past id.
		return nil
	}

	binary.LittleEndian.PutUint64(a.header(id)[hdrSealed:], 1)

	newID := a.segmentCount()
	if err := a.appendSegment(); err != nil {
		return err
	}

	a.active.Store(newID)
	return nil
}

// Free adds capacity to segment segID's freed-byte counter. Never blocks.
func (a *Allocator) Free(segID uint32, capacity uint32) {
	// Single-writer invariant: freedBytes is only ever mutated by the one
	// active write/compaction path at a time, so a plain load-then-store is
	// sufficient here.
	hdr := a.header(segID)
	cur := binary.LittleEndian.Uint64(hdr[hdrFreedBytes:])
	binary.LittleEndian.PutUint64(hdr[hdrFreedBytes:], cur+uint64(capacity))
}

// DataOffset returns the absolute file offset for (segID, offset) pairs
// returned by Allocate, for use by L3 when computing a node pointer.
func (a *Allocator) DataOffset(segID uint32, offset uint32) int64 {
	start, _ := a.dataArea(segID)
	return start + int64(offset)
}

// Slice returns the byte range [abs, abs+length) for L3 to read/write a node
// payload directly, validating that the range lies within the mapped file
// and within a single segment (every node allocation is capped to fit
// inside one segment, so a well-formed range never needs to span two).
func (a *Allocator) Slice(abs, length int64) ([]byte, error) {
	if !a.m.Bounds(abs, length) {
		return nil, fmt.Errorf("segment: range [%d,%d) out of bounds: %w", abs, abs+length, tderrors.ErrCorrupt)
	}
	return a.m.Slice(abs, length), nil
}

// Locate splits an absolute file offset produced via DataOffset back into
// the segment ID and segment-local data offset it came from, since segments
// are fixed-size slabs.
func (a *Allocator) Locate(abs int64) (segID uint32, offset uint32) {
	segID = uint32(abs / int64(a.segmentSize))
	offset = uint32(abs%int64(a.segmentSize)) - segmentHeaderSize
	return segID, offset
}

// BeginModify acquires segID's sync lock in "modify" mode (shared among
// concurrent in-place modifications, exclusive against an in-flight msync).
func (a *Allocator) BeginModify(segID uint32) func() {
	lk := a.syncLock(segID)
	lk.RLock()
	return lk.RUnlock
}

// LastSyncPos returns the allocPos recorded as of the last durable msync for
// segID; writers must not in-place-modify bytes at or before this offset
// without first cloning, since that region is considered durable/stable.
func (a *Allocator) LastSyncPos(segID uint32) uint64 {
	return binary.LittleEndian.Uint64(a.header(segID)[hdrLastSync:])
}

// FreedBytes returns segID's freed-byte counter.
func (a *Allocator) FreedBytes(segID uint32) uint64 {
	return binary.LittleEndian.Uint64(a.header(segID)[hdrFreedBytes:])
}

// AllocPos returns segID's current allocation cursor.
func (a *Allocator) AllocPos(segID uint32) uint64 {
	return binary.LittleEndian.Uint64(a.header(segID)[hdrAllocPos:])
}

// IsSealed reports whether segID has stopped receiving new allocations.
func (a *Allocator) IsSealed(segID uint32) bool {
	return binary.LittleEndian.Uint64(a.header(segID)[hdrSealed:]) != 0
}

// Sync msyncs every segment whose allocation cursor has advanced past its
// last-synced offset. Each segment's sync lock is taken exclusively so no
// in-place modify races the flush.
//
// recompute, if non-nil, is invoked on each segment's newly-durable byte
// range — the node-aligned span [lastSyncPos, allocPos) — before the msync,
// under the same exclusive sync lock. L1 has no notion of node headers; this
// is the hook the checksum-on-msync policy uses (see nodestore.Store.Sync)
// to stamp a real checksum into every node crossing into durable storage,
// since deferred policies leave it zero until then (nodestore.checksumFor).
func (a *Allocator) Sync(kind SyncKind, recompute func(buf []byte) error) error {
	if kind == SyncNone {
		return nil
	}

	n := a.segmentCount()
	for id := uint32(0); id < n; id++ {
		if err := a.syncSegment(id, kind == SyncAsync, recompute); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) syncSegment(id uint32, async bool, recompute func(buf []byte) error) error {
	lk := a.syncLock(id)
	lk.Lock()
	defer lk.Unlock()

	hdr := a.header(id)
	allocPos := binary.LittleEndian.Uint64(hdr[hdrAllocPos:])
	lastSync := binary.LittleEndian.Uint64(hdr[hdrLastSync:])
	if allocPos <= lastSync {
		return nil
	}

	start, _ := a.dataArea(id)
	length := int64(allocPos - lastSync)

	if recompute != nil {
		dirty := a.m.Slice(start+int64(lastSync), length)
		if err := recompute(dirty); err != nil {
			return fmt.Errorf("segment %d: checksum recompute: %w", id, err)
		}
	}

	if err := a.m.Sync(start+int64(lastSync), length, async); err != nil {
		return fmt.Errorf("segment %d: %w: %v", id, tderrors.ErrWriteback, err)
	}

	binary.LittleEndian.PutUint64(hdr[hdrLastSync:], allocPos)
	return nil
}

// Candidate describes a sealed segment eligible for compaction.
type Candidate struct {
	ID        uint32
	Emptiness float64 // freedBytes / (segmentSize - headerSize)
}

// CompactCandidates returns sealed segments whose emptiness exceeds
// threshold (a fraction in [0,1]), most-empty first.
func (a *Allocator) CompactCandidates(threshold float64) []Candidate {
	n := a.segmentCount()
	dataSize := float64(a.segmentSize - segmentHeaderSize)

	var out []Candidate
	for id := uint32(0); id < n; id++ {
		if id == a.active.Load() || !a.IsSealed(id) {
			continue
		}
		emptiness := float64(a.FreedBytes(id)) / dataSize
		if emptiness >= threshold {
			out = append(out, Candidate{ID: id, Emptiness: emptiness})
		}
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Emptiness > out[j-1].Emptiness; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// MarkRecycled resets a fully-evacuated sealed segment's bookkeeping and
// bumps its epoch. The allocator never makes a recycled segment active
// again: rotation only appends new segments.
func (a *Allocator) MarkRecycled(id uint32) {
	hdr := a.header(id)
	epoch := binary.LittleEndian.Uint64(hdr[hdrEpoch:])
	binary.LittleEndian.PutUint64(hdr[hdrAllocPos:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrFreedBytes:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrLastSync:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrSealed:], 0)
	binary.LittleEndian.PutUint64(hdr[hdrEpoch:], epoch+1)
}

// Madvise hints the kernel about the access pattern expected for a segment,
// e.g. unix.MADV_SEQUENTIAL while compaction streams through it.
func (a *Allocator) Madvise(segID uint32, advice int) error {
	off := a.segmentOffset(segID)
	return a.m.Advise(off, int64(a.segmentSize), advice)
}
