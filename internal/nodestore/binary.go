package nodestore

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/triedentdb/triedent/pkg/tderrors"
)

// BinaryEntry is one (key, value-node-id) pair in a binary leaf node. A
// binary leaf holds its entries sorted by Key so lookups and refactor
// grouping can both rely on that order.
type BinaryEntry struct {
	Key     []byte
	ValueID uint64
}

// EncodeBinary serializes entries, which must already be sorted by Key, as:
//
//	count:uint16 { keyLen:uint16 key:[keyLen]byte valueID:uint64 }*
func EncodeBinary(entries []BinaryEntry) []byte {
	size := 2
	for _, e := range entries {
		size += 2 + len(e.Key) + 8
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(entries)))

	off := 2
	for _, e := range entries {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Key)))
		off += 2
		copy(buf[off:], e.Key)
		off += len(e.Key)
		binary.LittleEndian.PutUint64(buf[off:], e.ValueID)
		off += 8
	}

	return buf
}

// DecodeBinary parses a payload produced by EncodeBinary.
func DecodeBinary(payload []byte) ([]BinaryEntry, error) {
	if len(payload) < 2 {
		return nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "binary node payload too short").WithNodeType("binary")
	}

	count := binary.LittleEndian.Uint16(payload[0:])
	entries := make([]BinaryEntry, 0, count)
	off := 2

	for i := uint16(0); i < count; i++ {
		if off+2 > len(payload) {
			return nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "binary node truncated key length").WithNodeType("binary")
		}
		keyLen := int(binary.LittleEndian.Uint16(payload[off:]))
		off += 2

		if off+keyLen+8 > len(payload) {
			return nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "binary node truncated entry").WithNodeType("binary")
		}
		key := payload[off : off+keyLen : off+keyLen]
		off += keyLen

		valueID := binary.LittleEndian.Uint64(payload[off:])
		off += 8

		entries = append(entries, BinaryEntry{Key: key, ValueID: valueID})
	}

	return entries, nil
}

// BinaryLookup returns the value ID for key, if present, via binary search
// over entries (which must be sorted by Key).
func BinaryLookup(entries []BinaryEntry, key []byte) (uint64, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return entries[i].ValueID, true
	}
	return 0, false
}

// BinaryUpsert returns a new, still-sorted entry slice with key mapped to
// valueID, and whether key already existed (so the caller can release the
// value node it is replacing).
func BinaryUpsert(entries []BinaryEntry, key []byte, valueID uint64) (out []BinaryEntry, existed bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})

	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		out = make([]BinaryEntry, len(entries))
		copy(out, entries)
		out[i].ValueID = valueID
		return out, true
	}

	out = make([]BinaryEntry, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, BinaryEntry{Key: append([]byte(nil), key...), ValueID: valueID})
	out = append(out, entries[i:]...)
	return out, false
}

// BinaryRemove returns a new entry slice with key removed, the removed
// entry's value ID, and whether key was present.
func BinaryRemove(entries []BinaryEntry, key []byte) (out []BinaryEntry, removedValueID uint64, existed bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if i >= len(entries) || !bytes.Equal(entries[i].Key, key) {
		return entries, 0, false
	}

	out = make([]BinaryEntry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	out = append(out, entries[i+1:]...)
	return out, entries[i].ValueID, true
}

// EncodedBinarySize returns the byte length EncodeBinary would produce,
// used to decide when a leaf must be refactored into a setlist.
func EncodedBinarySize(entries []BinaryEntry) int {
	size := 2
	for _, e := range entries {
		size += 2 + len(e.Key) + 8
	}
	return size
}
