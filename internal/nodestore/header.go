// Package nodestore implements L3: typed node reads/writes layered on the
// segment allocator (L1) and node metadata table (L2), and the
// modify-in-place / clone-then-free / compaction-relocation protocols that
// keep a node's ID stable across all three.
//
// Grounded on the four node layouts in arbtrie/include/arbtrie/inner_node.hpp
// (prefix + descendants + eof-value header shared by setlist and full inner
// nodes) and on the retrieval pack's SLC1 binary header encoding
// (pkg/slotcache/format.go) for the fixed-offset encode/decode style used
// here.
package nodestore

import (
	"encoding/binary"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// Every node on disk begins with this fixed header, payload bytes
// immediately following.
const (
	HeaderSize = 32

	offID       = 0  // uint64: the node's own ID, for reassignment detection on read
	offSize     = 8  // uint32: payload length in bytes, excluding this header
	offType     = 12 // byte: idtable.NodeType
	offReserved = 13 // 3 bytes, zero, pads offVersion to an 8-byte boundary
	offVersion  = 16 // uint64: clone-version this node was last written under
	offChecksum = 24 // uint64: xxhash64 of the payload, or 0 if deferred
)

// Header is the decoded fixed-size prefix of every node.
//
// Version is stored as a full uint64, not the single byte a node's clone
// generation might seem to need: the engine commits write sessions for its
// entire lifetime (§9), and a narrower on-disk field would wrap and collide
// with earlier generations long before the database itself is retired. See
// session.Manager's currentVersion for the in-memory counterpart.
type Header struct {
	ID       uint64
	Size     uint32
	Type     idtable.NodeType
	Version  uint64
	Checksum uint64
}

// EncodeHeader writes h into buf[0:HeaderSize].
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[offID:], h.ID)
	binary.LittleEndian.PutUint32(buf[offSize:], h.Size)
	buf[offType] = byte(h.Type)
	buf[offReserved] = 0
	buf[offReserved+1] = 0
	buf[offReserved+2] = 0
	binary.LittleEndian.PutUint64(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint64(buf[offChecksum:], h.Checksum)
}

// DecodeHeader reads a Header from buf[0:HeaderSize].
func DecodeHeader(buf []byte) Header {
	return Header{
		ID:       binary.LittleEndian.Uint64(buf[offID:]),
		Size:     binary.LittleEndian.Uint32(buf[offSize:]),
		Type:     idtable.NodeType(buf[offType]),
		Version:  binary.LittleEndian.Uint64(buf[offVersion:]),
		Checksum: binary.LittleEndian.Uint64(buf[offChecksum:]),
	}
}

// VerifyID returns [tderrors.ErrCorrupt] if the header's own ID does not
// match the ID the caller looked it up by. A mismatch means the metadata
// cell was reassigned to a different node between the caller's atomic load
// of the cell and this read; the caller must retry from the cell load, not
// treat this as a permanent failure.
func VerifyID(h Header, wantID uint64) error {
	if h.ID != wantID {
		return tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeConcurrency,
			"node header id mismatch, slot was reassigned").
			WithNodeID(wantID)
	}
	return nil
}
