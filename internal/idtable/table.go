package idtable

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/triedentdb/triedent/internal/fsx"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// Header layout, mirroring ids_header in id_allocator.hpp: a fixed-size
// block at the front of the file, the cell array immediately after.
const (
	headerSize = 4096

	offMagic     = 0
	offBlockSize = 8
	offNextAlloc = 16
	offEndID     = 24
	offFirstFree = 32

	magicWord = 0x54524944454e5431 // "TRIDENT1"

	// blockSize is the growth increment of the cell array, matching
	// id_allocator.hpp's id_block_size.
	blockSize = 128 * 1024 * 1024
	cellSize  = 8
)

// shardCount sizes the per-ID mutex table used only for the rare case of
// contention on modify_begin/modify_end, mirroring id_allocator.hpp's
// `_locks[4*8192]` shard array hashed with a 64-bit hash of the ID.
const shardCount = 4 * 8192

// Table is the node metadata table: a memory-mapped array of [Cell]s behind
// a lock-free bump allocator and CAS-based freelist, plus a growth mutex for
// the rare case of extending the mapping.
type Table struct {
	m   *fsx.Mapping
	log *zap.SugaredLogger

	growMu sync.Mutex

	modifyShards [shardCount]sync.Mutex
}

// Open opens or creates the node metadata table at path. maxIDs is not used:
// the table maps one blockSize block at open, maps further blocks as IDs are
// allocated past it, and places no upper limit on the number of cells.
func Open(path string, maxIDs uint64, log *zap.SugaredLogger) (*Table, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	initial := int64(blockSize)
	m, err := fsx.OpenMapping(path, blockSize, initial)
	if err != nil {
		return nil, fmt.Errorf("idtable: open %s: %w", path, err)
	}

	t := &Table{m: m, log: log}

	existingMagic := binary.LittleEndian.Uint64(m.Slice(offMagic, 8))
	if existingMagic == 0 {
		t.initHeader()
	} else if existingMagic != magicWord {
		_ = m.Close()
		return nil, fmt.Errorf("idtable: %s: %w", path, tderrors.ErrIncompatible)
	}

	if err := t.m.Lock(0, headerSize); err != nil {
		t.log.Warnw("idtable: mlock header failed, falling back to madvise", "error", err)
		_ = t.m.Advise(0, headerSize, unix.MADV_RANDOM)
	}

	return t, nil
}

func (t *Table) initHeader() {
	binary.LittleEndian.PutUint64(t.m.Slice(offMagic, 8), magicWord)
	binary.LittleEndian.PutUint64(t.m.Slice(offBlockSize, 8), blockSize)
	binary.LittleEndian.PutUint64(t.m.Slice(offNextAlloc, 8), 1) // ID 0 reserved
	binary.LittleEndian.PutUint64(t.m.Slice(offEndID, 8), 0)
	binary.LittleEndian.PutUint64(t.m.Slice(offFirstFree, 8), FreelistSentinel)
}

func (t *Table) Close() error { return t.m.Close() }

func (t *Table) cellOffset(id uint64) int64 {
	return int64(headerSize) + int64(id)*cellSize
}

func (t *Table) readCell(id uint64) Cell {
	return Cell(fsx.LoadUint64(t.m.Slice(t.cellOffset(id), 8), 0))
}

func (t *Table) casCell(id uint64, old, new Cell) bool {
	return fsx.CompareAndSwapUint64(t.m.Slice(t.cellOffset(id), 8), 0, uint64(old), uint64(new))
}

func (t *Table) storeCell(id uint64, c Cell) {
	fsx.StoreUint64(t.m.Slice(t.cellOffset(id), 8), 0, uint64(c))
}

// NewID allocates a fresh node ID with ref=1, type=Undefined, location=0.
// It first tries to pop the freelist; if empty it bumps the next_alloc
// counter, growing the mapping if needed.
func (t *Table) NewID() (uint64, error) {
	for {
		head := fsx.LoadUint64(t.m.Slice(offFirstFree, 8), 0)
		if head == FreelistSentinel {
			break
		}

		headCell := t.readCell(head)
		if headCell.Type() != TypeFreelist {
			// Another goroutine already repurposed this slot; retry.
			continue
		}

		if fsx.CompareAndSwapUint64(t.m.Slice(offFirstFree, 8), 0, head, headCell.nextFree()) {
			t.storeCell(head, Pack(1, TypeUndefined, 0))
			return head, nil
		}
	}

	return t.brandNew()
}

func (t *Table) brandNew() (uint64, error) {
	id := fsx.AddUint64(t.m.Slice(offNextAlloc, 8), 0, 1) - 1

	if err := t.grow(id); err != nil {
		return 0, err
	}

	fsx.StoreUint64(t.m.Slice(offEndID, 8), 0, id+1)
	t.storeCell(id, Pack(1, TypeUndefined, 0))

	return id, nil
}

// grow extends the mapping, if needed, to cover id. An optimistic size check
// avoids taking the growth mutex on the common path where the mapping
// already covers id.
func (t *Table) grow(id uint64) error {
	needed := t.cellOffset(id) + cellSize
	if needed <= t.m.Size() {
		return nil
	}

	t.growMu.Lock()
	defer t.growMu.Unlock()

	if needed <= t.m.Size() {
		return nil
	}

	newSize := t.m.Size()
	for newSize < needed {
		newSize += blockSize
	}

	if err := t.m.Grow(newSize); err != nil {
		return fmt.Errorf("idtable: grow: %w", tderrors.ErrFull)
	}

	addedOff := newSize - blockSize
	if err := t.m.Lock(addedOff, blockSize); err != nil {
		t.log.Warnw("idtable: mlock new block failed, falling back to madvise", "error", err)
		_ = t.m.Advise(addedOff, blockSize, unix.MADV_RANDOM)
	}

	return nil
}

// FreeID pushes id onto the freelist. The caller must have already observed
// ref()==0 on id's cell.
func (t *Table) FreeID(id uint64) error {
	for {
		head := fsx.LoadUint64(t.m.Slice(offFirstFree, 8), 0)
		if fsx.CompareAndSwapUint64(t.m.Slice(offFirstFree, 8), 0, head, uint64(id)) {
			t.storeCell(id, freeCell(head))
			return nil
		}
	}
}

// Get returns the current cell for id.
func (t *Table) Get(id uint64) Cell {
	return t.readCell(id)
}

// Retain atomically increments id's reference count. Returns
// [tderrors.ErrFull] if doing so would exceed [MaxRefCount].
func (t *Table) Retain(id uint64) error {
	for {
		cur := t.readCell(id)
		if uint64(cur.Ref()) >= MaxRefCount {
			return fmt.Errorf("idtable: id %d: %w", id, tderrors.ErrFull)
		}
		next := cur.WithRef(cur.Ref() + 1)
		if t.casCell(id, cur, next) {
			return nil
		}
	}
}

// Release atomically decrements id's reference count. becameFree reports
// whether this call dropped the count to zero; the caller is then obliged
// to release id's children and mark its bytes free in its owning segment
// before calling [Table.FreeID].
func (t *Table) Release(id uint64) (becameFree bool, err error) {
	for {
		cur := t.readCell(id)
		if cur.Ref() == 0 {
			return false, fmt.Errorf("idtable: release id %d with zero refcount", id)
		}
		next := cur.WithRef(cur.Ref() - 1)
		if t.casCell(id, cur, next) {
			return next.Ref() == 0, nil
		}
	}
}

// SetLocation atomically updates id's location field, preserving ref/type.
// Used after an in-place-incompatible modify (clone-then-free) publishes a
// node's new home.
func (t *Table) SetLocation(id uint64, byteOffset uint64) error {
	for {
		cur := t.readCell(id)
		next := cur.WithLocation(byteOffset)
		if t.casCell(id, cur, next) {
			return nil
		}
	}
}

// SetType atomically updates id's type field, used once a freshly allocated
// ID's first node write determines its layout.
func (t *Table) SetType(id uint64, typ NodeType) error {
	for {
		cur := t.readCell(id)
		next := cur.WithType(typ)
		if t.casCell(id, cur, next) {
			return nil
		}
	}
}

// TryStartMove attempts to begin relocating id away from expectedLocation,
// used by the compactor. Compaction does not reserve the slot exclusively;
// it simply verifies location hasn't already changed before copying, and
// again via [Table.TryMove] before publishing the new location.
func (t *Table) TryStartMove(id uint64, expectedLocation uint64) bool {
	return t.readCell(id).Location() == expectedLocation
}

// TryMove CAS-publishes id's new location, succeeding only if the cell still
// points at from. Returns false if the node was concurrently moved or freed
// (ref dropped to 0 and the slot recycled), in which case the caller must
// free the destination copy it had already written and retry.
func (t *Table) TryMove(id uint64, from, to uint64) bool {
	cur := t.readCell(id)
	if cur.Type() == TypeFreelist || cur.Location() != from {
		return false
	}
	next := cur.WithLocation(to)
	return t.casCell(id, cur, next)
}

// modifyBit is folded into the top bit of the ref field's range is not
// available (ref already uses all 15 bits), so the "modify in progress"
// flag is implemented as a shard mutex keyed by id instead of a spare bit in
// the cell, per DESIGN.md's resolution of this layout tradeoff.
func (t *Table) shard(id uint64) *sync.Mutex {
	h := xxhash.Sum64(idKeyBuf(id))
	return &t.modifyShards[h%shardCount]
}

func idKeyBuf(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

// ModifyBegin blocks until it can mark id as being modified in place,
// preventing a concurrent compactor relocation from racing the writer.
// Call the returned func to release it.
func (t *Table) ModifyBegin(id uint64) func() {
	mu := t.shard(id)
	mu.Lock()
	return mu.Unlock
}
