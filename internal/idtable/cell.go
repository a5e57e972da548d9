// Package idtable implements L2: the node metadata table that maps a stable
// 40-bit node ID to its current {reference count, node type, location},
// packed into one atomic 64-bit cell, plus the lock-free freelist that hands
// out and reclaims IDs.
//
// Grounded on arbtrie/include/arbtrie/node_meta.hpp (the cell bit layout) and
// arbtrie/include/arbtrie/id_allocator.hpp (the CAS alloc/free loops and
// block-growth strategy); see DESIGN.md for the exact mapping.
package idtable

// NodeType identifies the layout of the bytes a cell's location points at.
// Ordinals match the reference implementation's node_type enum so a type
// byte round-trips identically; Full takes the ordinal the original reserved
// for a future "index" node, since this engine implements full inner nodes
// instead (see DESIGN.md, Open Questions).
type NodeType uint8

const (
	TypeFreelist  NodeType = 0
	TypeBinary    NodeType = 1
	TypeSetlist   NodeType = 2
	TypeValue     NodeType = 3
	TypeRoots     NodeType = 4
	TypeMerge     NodeType = 5
	TypeUndefined NodeType = 6
	TypeFull      NodeType = 7
)

func (t NodeType) String() string {
	switch t {
	case TypeFreelist:
		return "freelist"
	case TypeBinary:
		return "binary"
	case TypeSetlist:
		return "setlist"
	case TypeValue:
		return "value"
	case TypeRoots:
		return "roots"
	case TypeMerge:
		return "merge"
	case TypeFull:
		return "full"
	default:
		return "undefined"
	}
}

// Bit layout of a Cell: 64 bits total, packed as
//
//	[ref:15][type:3][location:46]
//
// Location is stored as byte-offset>>3 (8-byte granularity), extending the
// addressable range by a factor of 8 at the cost of 8-byte alignment for
// every node. The bit positions here are an independent packing rather than
// a byte-for-byte copy of the reference implementation's compiler-specific
// bitfield order; only the field widths and semantics are load-bearing.
const (
	locBits = 46
	locMask = (uint64(1) << locBits) - 1

	typeBits  = 3
	typeShift = locBits
	typeMask  = (uint64(1) << typeBits) - 1

	refShift = locBits + typeBits
	refBits  = 15
	refMask  = (uint64(1) << refBits) - 1

	// MaxRefCount leaves slack bits so a burst of concurrent retains racing
	// past the configured thread cap cannot silently wrap the counter before
	// any one of them observes the overshoot and backs off.
	MaxRefCount = refMask - 64

	// LocationAlignment is the granularity location values are stored at.
	LocationAlignment = 8

	// FreelistSentinel marks the end of the freelist chain. ID 0 is reserved
	// (never allocated), so it doubles as "no next free ID".
	FreelistSentinel = 0
)

// Cell is the raw packed 64-bit metadata word for one node ID.
type Cell uint64

// Pack builds a Cell from its fields. loc must already be expressed in
// LocationAlignment-byte units (i.e. byteOffset/8), not raw bytes.
func Pack(ref uint16, typ NodeType, loc uint64) Cell {
	return Cell((uint64(ref) & refMask << refShift) |
		((uint64(typ) & typeMask) << typeShift) |
		(loc & locMask))
}

// PackLocation packs ref/typ with a raw byte offset, rounding it down to the
// nearest LocationAlignment boundary internally via the caller's contract
// that all node regions begin on such a boundary.
func PackLocation(ref uint16, typ NodeType, byteOffset uint64) Cell {
	return Pack(ref, typ, byteOffset/LocationAlignment)
}

func (c Cell) Ref() uint16 {
	return uint16((uint64(c) >> refShift) & refMask)
}

func (c Cell) Type() NodeType {
	return NodeType((uint64(c) >> typeShift) & typeMask)
}

// RawLocation returns the stored location units (byteOffset/LocationAlignment).
func (c Cell) RawLocation() uint64 {
	return uint64(c) & locMask
}

// Location returns the byte offset the cell points at.
func (c Cell) Location() uint64 {
	return c.RawLocation() * LocationAlignment
}

func (c Cell) WithRef(ref uint16) Cell {
	return Pack(ref, c.Type(), c.RawLocation())
}

func (c Cell) WithType(typ NodeType) Cell {
	return Pack(c.Ref(), typ, c.RawLocation())
}

func (c Cell) WithLocation(byteOffset uint64) Cell {
	return PackLocation(c.Ref(), c.Type(), byteOffset)
}

// freeCell returns the sentinel cell stored for a free slot: type freelist,
// ref 0, and the "location" field repurposed to hold the next free ID in the
// chain (not a byte offset) — this is the same union the reference
// allocator uses, storing object_meta(freelist, next_free_id) in a freed
// slot rather than a separate free-list data structure.
func freeCell(nextFree uint64) Cell {
	return Pack(0, TypeFreelist, nextFree)
}

func (c Cell) nextFree() uint64 {
	return c.RawLocation()
}
