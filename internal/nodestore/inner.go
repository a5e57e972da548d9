package nodestore

import (
	"encoding/binary"

	"github.com/triedentdb/triedent/pkg/tderrors"
)

// InnerHeader is the prefix/eof/descendants block shared by setlist and full
// inner nodes, grounded on the common fields of arbtrie's inner_node<Derived>
// template: a compressed key prefix, an optional value for a key that ends
// exactly at this prefix (EOFValue), and a descendant count. The trie raises
// that count only when an insert adds a branch or eof value at this node
// itself, so it can undercount keys added deeper down; erase decides
// collapsing from the branch count, not from this field.
type InnerHeader struct {
	Prefix       []byte
	EOFPresent   bool
	EOFValue     uuidNodeID
	Descendants  uint64
}

// uuidNodeID is a node ID; named distinctly from a bare uint64 only to keep
// the struct fields self-documenting at call sites.
type uuidNodeID = uint64

const innerFixedSize = 2 /*prefixLen*/ + 1 /*eofPresent*/ + 8 /*eofValue*/ + 8 /*descendants*/

func encodeInnerHeader(buf []byte, h InnerHeader) int {
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(h.Prefix)))
	off := 2
	copy(buf[off:], h.Prefix)
	off += len(h.Prefix)

	if h.EOFPresent {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++

	binary.LittleEndian.PutUint64(buf[off:], h.EOFValue)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.Descendants)
	off += 8

	return off
}

func decodeInnerHeader(payload []byte) (InnerHeader, int, error) {
	if len(payload) < 2 {
		return InnerHeader{}, 0, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "inner node payload too short")
	}
	prefixLen := int(binary.LittleEndian.Uint16(payload[0:]))
	off := 2

	if off+prefixLen+innerFixedSize-2 > len(payload) {
		return InnerHeader{}, 0, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "inner node prefix truncated")
	}
	prefix := payload[off : off+prefixLen : off+prefixLen]
	off += prefixLen

	eofPresent := payload[off] != 0
	off++
	eofValue := binary.LittleEndian.Uint64(payload[off:])
	off += 8
	descendants := binary.LittleEndian.Uint64(payload[off:])
	off += 8

	return InnerHeader{Prefix: prefix, EOFPresent: eofPresent, EOFValue: eofValue, Descendants: descendants}, off, nil
}

// Branch is one (dispatch byte, child node ID) pair in a setlist inner node.
type Branch struct {
	Byte    byte
	ChildID uint64
}

// SetlistNode is a decoded setlist inner node: a prefix plus up to
// config.FullNodeThreshold sorted branches.
type SetlistNode struct {
	InnerHeader
	Branches []Branch
}

// EncodeSetlist serializes n. Branches must already be sorted by Byte.
func EncodeSetlist(n SetlistNode) []byte {
	size := innerFixedSize + len(n.Prefix) + 2 + len(n.Branches)*9
	buf := make([]byte, size)

	off := encodeInnerHeader(buf, n.InnerHeader)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(n.Branches)))
	off += 2

	for _, b := range n.Branches {
		buf[off] = b.Byte
		off++
		binary.LittleEndian.PutUint64(buf[off:], b.ChildID)
		off += 8
	}

	return buf
}

// DecodeSetlist parses a payload produced by EncodeSetlist.
func DecodeSetlist(payload []byte) (SetlistNode, error) {
	hdr, off, err := decodeInnerHeader(payload)
	if err != nil {
		return SetlistNode{}, err
	}

	if off+2 > len(payload) {
		return SetlistNode{}, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "setlist branch count truncated")
	}
	count := binary.LittleEndian.Uint16(payload[off:])
	off += 2

	branches := make([]Branch, 0, count)
	for i := uint16(0); i < count; i++ {
		if off+9 > len(payload) {
			return SetlistNode{}, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "setlist branch truncated")
		}
		b := Branch{Byte: payload[off], ChildID: binary.LittleEndian.Uint64(payload[off+1:])}
		off += 9
		branches = append(branches, b)
	}

	return SetlistNode{InnerHeader: hdr, Branches: branches}, nil
}

// FindBranch returns the child ID for byte b, if present, via linear scan
// (branch counts are capped at config.FullNodeThreshold, so this stays
// within one or two cache lines).
func FindBranch(branches []Branch, b byte) (uint64, bool) {
	for _, br := range branches {
		if br.Byte == b {
			return br.ChildID, true
		}
		if br.Byte > b {
			break
		}
	}
	return 0, false
}

// WithBranch returns a new, still-sorted branch slice with b mapped to
// childID.
func WithBranch(branches []Branch, b byte, childID uint64) []Branch {
	out := make([]Branch, 0, len(branches)+1)
	inserted := false
	for _, br := range branches {
		if !inserted && br.Byte >= b {
			if br.Byte == b {
				out = append(out, Branch{Byte: b, ChildID: childID})
			} else {
				out = append(out, Branch{Byte: b, ChildID: childID}, br)
			}
			inserted = true
			continue
		}
		out = append(out, br)
	}
	if !inserted {
		out = append(out, Branch{Byte: b, ChildID: childID})
	}
	return out
}

// WithoutBranch returns a new branch slice with byte b removed.
func WithoutBranch(branches []Branch, b byte) []Branch {
	out := make([]Branch, 0, len(branches))
	for _, br := range branches {
		if br.Byte != b {
			out = append(out, br)
		}
	}
	return out
}

// FullNode is a decoded full inner node: a prefix plus all 256 direct-index
// child slots (0 = empty, since node ID 0 is reserved and never allocated).
type FullNode struct {
	InnerHeader
	Children [256]uint64
}

// EncodeFull serializes n.
func EncodeFull(n FullNode) []byte {
	size := innerFixedSize + len(n.Prefix) + 256*8
	buf := make([]byte, size)

	off := encodeInnerHeader(buf, n.InnerHeader)
	for i, child := range n.Children {
		binary.LittleEndian.PutUint64(buf[off+i*8:], child)
	}

	return buf
}

// DecodeFull parses a payload produced by EncodeFull.
func DecodeFull(payload []byte) (FullNode, error) {
	hdr, off, err := decodeInnerHeader(payload)
	if err != nil {
		return FullNode{}, err
	}

	if off+256*8 > len(payload) {
		return FullNode{}, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "full node children truncated")
	}

	var n FullNode
	n.InnerHeader = hdr
	for i := range n.Children {
		n.Children[i] = binary.LittleEndian.Uint64(payload[off+i*8:])
	}

	return n, nil
}

// SetlistFromFull converts a full node back down to a setlist, used when a
// full node's live branch count drops low enough that the direct-index
// layout no longer pays for itself. Not automatic: callers decide the
// demotion threshold.
func SetlistFromFull(n FullNode) SetlistNode {
	var branches []Branch
	for i, child := range n.Children {
		if child != 0 {
			branches = append(branches, Branch{Byte: byte(i), ChildID: child})
		}
	}
	return SetlistNode{InnerHeader: n.InnerHeader, Branches: branches}
}

// FullFromSetlist converts a setlist node up to a full node, used once its
// branch count exceeds config.FullNodeThreshold.
func FullFromSetlist(n SetlistNode) FullNode {
	var out FullNode
	out.InnerHeader = n.InnerHeader
	for _, b := range n.Branches {
		out.Children[b.Byte] = b.ChildID
	}
	return out
}
