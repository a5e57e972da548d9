package nodestore

import (
	"fmt"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/segment"
	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// maxReadRetries bounds the read-path retry loop that guards against a
// metadata cell being reassigned between the atomic load of its location and
// the header read at that location (see Header.ID verification in header.go).
const maxReadRetries = 8

// Store is L3: typed node reads/writes layered on the segment allocator
// (L1) and the node metadata table (L2).
type Store struct {
	seg *segment.Allocator
	ids *idtable.Table
	cfg config.Config
}

func New(seg *segment.Allocator, ids *idtable.Table, cfg config.Config) *Store {
	return &Store{seg: seg, ids: ids, cfg: cfg}
}

// nodeLen returns the encoded length (header + payload) for an allocation.
func nodeLen(payload []byte) uint32 {
	return uint32(HeaderSize + len(payload))
}

func (s *Store) checksumFor(payload []byte) uint64 {
	if s.cfg.Checksum == config.ChecksumOnModify {
		return Checksum(payload)
	}
	// Deferred: zero until msync (checksum-on-msync) or compaction
	// (checksum-on-compact) recomputes it.
	return 0
}

func align8(n uint32) uint32 { return (n + 7) &^ 7 }

// RecomputeChecksums decodes every node header in buf — a contiguous,
// node-aligned byte range — and rewrites its checksum from the payload that
// follows it. buf is exactly the span [lastSyncPos, allocPos) of one
// segment, handed to it by [segment.Allocator.Sync] just before the msync
// that makes those bytes durable; Sync's node-aligned accounting (every
// allocation stride is rounded up via align8) is what guarantees this walk
// never starts mid-node.
//
// Used only under the ChecksumOnMsync policy (see [Store.Sync]):
// ChecksumOnModify already stamped a live checksum in checksumFor, and
// ChecksumOnCompact recomputes at relocation time instead (see
// compactor.relocateNode).
func (s *Store) RecomputeChecksums(buf []byte) error {
	for pos := 0; pos < len(buf); {
		if pos+HeaderSize > len(buf) {
			return fmt.Errorf("nodestore: truncated header at sync offset %d: %w", pos, tderrors.ErrCorrupt)
		}
		hdr := DecodeHeader(buf[pos:])
		payloadEnd := pos + HeaderSize + int(hdr.Size)
		if payloadEnd > len(buf) {
			return fmt.Errorf("nodestore: truncated payload at sync offset %d: %w", pos, tderrors.ErrCorrupt)
		}

		hdr.Checksum = Checksum(buf[pos+HeaderSize : payloadEnd])
		EncodeHeader(buf[pos:], hdr)

		pos += int(align8(uint32(HeaderSize) + hdr.Size))
	}
	return nil
}

// Sync flushes every segment to durable storage, recomputing checksums over
// each segment's newly-durable range first when the configured policy is
// ChecksumOnMsync — otherwise checksums were already stamped at write time
// (ChecksumOnModify) or will be at relocation time (ChecksumOnCompact).
func (s *Store) Sync(kind segment.SyncKind) error {
	var recompute func([]byte) error
	if s.cfg.Checksum == config.ChecksumOnMsync {
		recompute = s.RecomputeChecksums
	}
	return s.seg.Sync(kind, recompute)
}

// allocate writes a brand-new node of typ with the given payload, allocates
// an ID for it, and returns that ID.
func (s *Store) allocate(typ idtable.NodeType, version uint64, payload []byte) (uint64, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return 0, err
	}

	if err := s.writeAt(id, typ, version, payload); err != nil {
		return 0, err
	}

	if err := s.ids.SetType(id, typ); err != nil {
		return 0, err
	}

	return id, nil
}

// writeAt allocates storage for payload and publishes id's location to
// point at it, without touching id's ref count.
func (s *Store) writeAt(id uint64, typ idtable.NodeType, version uint64, payload []byte) error {
	segID, offset, err := s.seg.Allocate(nodeLen(payload))
	if err != nil {
		return err
	}

	abs := s.seg.DataOffset(segID, offset)
	buf, err := s.seg.Slice(abs, int64(nodeLen(payload)))
	if err != nil {
		return err
	}

	EncodeHeader(buf, Header{
		ID:       id,
		Size:     uint32(len(payload)),
		Type:     typ,
		Version:  version,
		Checksum: s.checksumFor(payload),
	})
	copy(buf[HeaderSize:], payload)

	return s.ids.SetLocation(id, uint64(abs))
}

func (s *Store) AllocateValue(version uint64, v []byte) (uint64, error) {
	if uint64(len(v)) > s.cfg.MaxValueSize() {
		return 0, fmt.Errorf("nodestore: value of %d bytes exceeds max %d: %w", len(v), s.cfg.MaxValueSize(), tderrors.ErrInvalidInput)
	}
	return s.allocate(idtable.TypeValue, version, EncodeValue(v))
}

func (s *Store) AllocateBinary(version uint64, entries []BinaryEntry) (uint64, error) {
	return s.allocate(idtable.TypeBinary, version, EncodeBinary(entries))
}

func (s *Store) AllocateSetlist(version uint64, n SetlistNode) (uint64, error) {
	return s.allocate(idtable.TypeSetlist, version, EncodeSetlist(n))
}

func (s *Store) AllocateFull(version uint64, n FullNode) (uint64, error) {
	return s.allocate(idtable.TypeFull, version, EncodeFull(n))
}

// readRaw returns id's decoded header and payload slice, retrying if the
// header's embedded ID doesn't match (the slot was reassigned concurrently).
func (s *Store) readRaw(id uint64) (Header, []byte, error) {
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		cell := s.ids.Get(id)
		loc := int64(cell.Location())

		hdrBuf, err := s.seg.Slice(loc, HeaderSize)
		if err != nil {
			return Header{}, nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "node location out of bounds").WithNodeID(id)
		}

		hdr := DecodeHeader(hdrBuf)
		if err := VerifyID(hdr, id); err != nil {
			continue
		}

		payload, err := s.seg.Slice(loc+HeaderSize, int64(hdr.Size))
		if err != nil {
			return Header{}, nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "node payload out of bounds").WithNodeID(id)
		}

		return hdr, payload, nil
	}

	return Header{}, nil, fmt.Errorf("nodestore: id %d: %w", id, tderrors.ErrBusy)
}

func (s *Store) ReadHeader(id uint64) (Header, error) {
	h, _, err := s.readRaw(id)
	return h, err
}

func (s *Store) ReadValue(id uint64) ([]byte, error) {
	h, payload, err := s.readRaw(id)
	if err != nil {
		return nil, err
	}
	if h.Type != idtable.TypeValue {
		return nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "expected value node").WithNodeID(id).WithNodeType(h.Type.String())
	}
	if s.cfg.Checksum == config.ChecksumOnModify && !VerifyChecksum(payload, h.Checksum) {
		return nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "checksum mismatch").WithNodeID(id)
	}
	return DecodeValue(payload), nil
}

func (s *Store) ReadBinary(id uint64) ([]BinaryEntry, error) {
	h, payload, err := s.readRaw(id)
	if err != nil {
		return nil, err
	}
	if h.Type != idtable.TypeBinary {
		return nil, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "expected binary node").WithNodeID(id).WithNodeType(h.Type.String())
	}
	return DecodeBinary(payload)
}

func (s *Store) ReadSetlist(id uint64) (SetlistNode, error) {
	h, payload, err := s.readRaw(id)
	if err != nil {
		return SetlistNode{}, err
	}
	if h.Type != idtable.TypeSetlist {
		return SetlistNode{}, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "expected setlist node").WithNodeID(id).WithNodeType(h.Type.String())
	}
	return DecodeSetlist(payload)
}

func (s *Store) ReadFull(id uint64) (FullNode, error) {
	h, payload, err := s.readRaw(id)
	if err != nil {
		return FullNode{}, err
	}
	if h.Type != idtable.TypeFull {
		return FullNode{}, tderrors.NewNodeError(tderrors.ErrCorrupt, tderrors.CodeCorruption, "expected full node").WithNodeID(id).WithNodeType(h.Type.String())
	}
	return DecodeFull(payload)
}

// Type returns id's current node type without decoding its payload.
func (s *Store) Type(id uint64) idtable.NodeType {
	return s.ids.Get(id).Type()
}

// Replace publishes newPayload as id's content, preserving id's identity so
// every existing reference to it remains valid.
//
// If id's current location lies within its segment's in-place-modifiable
// region (past that segment's last msync boundary, i.e. not yet synced) and
// newPayload encodes to the same 8-byte-aligned stride as the existing node,
// the bytes are overwritten in place under that segment's modify lock. Otherwise this falls back to
// clone-then-free: a new node is allocated, the metadata cell's location is
// CAS-published to it, and the old storage is marked free in its segment.
// Either way id's ID and reference count are untouched.
func (s *Store) Replace(id uint64, typ idtable.NodeType, version uint64, newPayload []byte) error {
	cell := s.ids.Get(id)
	curHeader, _, err := s.readRaw(id)
	if err != nil {
		return err
	}

	abs := cell.Location()
	segID, offset := s.seg.Locate(int64(abs))
	oldLen := nodeLen(make([]byte, curHeader.Size))
	newLen := nodeLen(newPayload)

	if align8(newLen) == align8(oldLen) && uint64(offset) > s.seg.LastSyncPos(segID) {
		s.modifyInPlace(segID, abs, id, typ, version, newPayload)
		return nil
	}

	if err := s.writeAt(id, typ, version, newPayload); err != nil {
		return err
	}
	s.seg.Free(segID, align8(oldLen))
	return nil
}

// modifyInPlace overwrites an existing node's bytes under its segment's
// modify lock. Only safe for nodes past their segment's last-synced offset
// (see Allocator.LastSyncPos); Replace is responsible for that check.
func (s *Store) modifyInPlace(segID uint32, abs uint64, id uint64, typ idtable.NodeType, version uint64, payload []byte) {
	release := s.seg.BeginModify(segID)
	defer release()

	buf, err := s.seg.Slice(int64(abs), int64(nodeLen(payload)))
	if err != nil {
		// abs was just produced by readRaw/cell lookup in Replace; a failure
		// here means on-disk metadata corruption that a panic surfaces
		// immediately rather than silently writing past a block boundary.
		panic(err)
	}

	EncodeHeader(buf, Header{
		ID:       id,
		Size:     uint32(len(payload)),
		Type:     typ,
		Version:  version,
		Checksum: s.checksumFor(payload),
	})
	copy(buf[HeaderSize:], payload)
}

// Release decrements id's reference count. When it drops to zero, the
// node's storage is marked free in its segment, its metadata cell is
// returned to the freelist, and Release reports the node's child node IDs
// (if any) so the caller (L4) can push them onto its own release worklist —
// release is never recursive in this layer, avoiding unbounded call-stack
// depth on a tall trie.
func (s *Store) Release(id uint64) (children []uint64, err error) {
	becameFree, err := s.ids.Release(id)
	if err != nil {
		return nil, err
	}
	if !becameFree {
		return nil, nil
	}

	hdr, payload, err := s.readRaw(id)
	if err != nil {
		return nil, err
	}

	switch hdr.Type {
	case idtable.TypeBinary:
		entries, decErr := DecodeBinary(payload)
		if decErr != nil {
			return nil, decErr
		}
		for _, e := range entries {
			children = append(children, e.ValueID)
		}
	case idtable.TypeSetlist:
		n, decErr := DecodeSetlist(payload)
		if decErr != nil {
			return nil, decErr
		}
		if n.EOFPresent {
			children = append(children, n.EOFValue)
		}
		for _, b := range n.Branches {
			children = append(children, b.ChildID)
		}
	case idtable.TypeFull:
		n, decErr := DecodeFull(payload)
		if decErr != nil {
			return nil, decErr
		}
		if n.EOFPresent {
			children = append(children, n.EOFValue)
		}
		for _, c := range n.Children {
			if c != 0 {
				children = append(children, c)
			}
		}
	case idtable.TypeValue:
		// No children.
	}

	segID, _ := s.seg.Locate(int64(s.ids.Get(id).Location()))
	s.seg.Free(segID, align8(nodeLen(payload)))

	if err := s.ids.FreeID(id); err != nil {
		return nil, err
	}

	return children, nil
}

// ForgetWithoutChildren decrements id's reference count and, if it drops to
// zero, frees id's own storage and metadata cell without releasing its
// children. Use this (instead of Release) when id's children have just been
// grafted onto a replacement node that now owns those same references, as
// happens every time trie cloning discards a superseded node.
func (s *Store) ForgetWithoutChildren(id uint64) error {
	becameFree, err := s.ids.Release(id)
	if err != nil {
		return err
	}
	if !becameFree {
		return nil
	}

	_, payload, err := s.readRaw(id)
	if err != nil {
		return err
	}

	segID, _ := s.seg.Locate(int64(s.ids.Get(id).Location()))
	s.seg.Free(segID, align8(nodeLen(payload)))

	return s.ids.FreeID(id)
}
