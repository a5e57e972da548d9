// Package compactor implements the relocation half of L3's compaction path
// (§4.3): walking a sealed, sparsely-populated segment's live nodes and
// copying each to a denser destination via the same try_start_move/try_move
// CAS protocol idtable uses for concurrent writer relocation.
//
// Grounded on arbtrie's compactor (segment_provider.cpp's claim/compact
// loop) for the walk-allocate-copy-CAS-retry shape, adapted to the node
// store and ID table built for this engine.
package compactor

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/nodestore"
	"github.com/triedentdb/triedent/internal/segment"
	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// maxRelocateRetries bounds the try_start_move/try_move CAS loop per node;
// exceeding it means the writer is relocating or freeing this node faster
// than compaction can keep up, so this pass skips it and the segment is
// retried on the next sweep (§7's "concurrency loss" error kind).
const maxRelocateRetries = 4

func align8(n uint32) uint32 { return (n + 7) &^ 7 }

// Compactor relocates live nodes out of sparsely-populated sealed segments.
type Compactor struct {
	seg *segment.Allocator
	ids *idtable.Table
	cfg config.Config
	log *zap.SugaredLogger
}

func New(seg *segment.Allocator, ids *idtable.Table, cfg config.Config, log *zap.SugaredLogger) *Compactor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Compactor{seg: seg, ids: ids, cfg: cfg, log: log}
}

// emptinessFraction derives CompactCandidates' [0,1] threshold from the
// configured byte-count threshold (half the segment's data area by
// default), so the two stay in lockstep if segment size is reconfigured.
func (c *Compactor) emptinessFraction() float64 {
	return float64(c.cfg.SegmentEmptyThreshold()) / float64(c.cfg.SegmentSize)
}

// Candidates returns sealed segments currently eligible for compaction,
// most-empty first.
func (c *Compactor) Candidates() []segment.Candidate {
	return c.seg.CompactCandidates(c.emptinessFraction())
}

// RelocateSegment walks segID's allocated node regions in order, relocating
// each live one to a fresh destination elsewhere in the arena, and marks the
// segment recycled once every byte ever allocated in it has been freed.
func (c *Compactor) RelocateSegment(segID uint32) error {
	end := c.seg.AllocPos(segID)
	var pos uint64

	for pos < end {
		abs := c.seg.DataOffset(segID, uint32(pos))
		hdrBuf, err := c.seg.Slice(abs, nodestore.HeaderSize)
		if err != nil {
			return fmt.Errorf("compactor: segment %d: %w", segID, err)
		}
		hdr := nodestore.DecodeHeader(hdrBuf)
		stride := uint64(align8(nodestore.HeaderSize + hdr.Size))

		if err := c.relocateNode(segID, uint64(abs), hdr); err != nil {
			c.log.Warnw("compactor: relocate node failed, skipping", "segment", segID, "node", hdr.ID, "error", err)
		}
		pos += stride
	}

	if c.seg.FreedBytes(segID) >= end {
		c.seg.MarkRecycled(segID)
	}
	return nil
}

// relocateNode moves one node's bytes to a new location and CAS-publishes
// the move via idtable, retrying from try_start_move if a concurrent writer
// already moved or freed the node first.
func (c *Compactor) relocateNode(segID uint32, abs uint64, hdr nodestore.Header) error {
	nodeLen := nodestore.HeaderSize + int(hdr.Size)
	aligned := align8(uint32(nodeLen))

	for attempt := 0; attempt < maxRelocateRetries; attempt++ {
		if !c.ids.TryStartMove(hdr.ID, abs) {
			// Already moved or freed since this walk observed it; nothing
			// to do.
			return nil
		}

		destSeg, destOff, err := c.seg.Allocate(uint32(nodeLen))
		if err != nil {
			return err
		}
		destAbs := uint64(c.seg.DataOffset(destSeg, destOff))

		srcBuf, err := c.seg.Slice(int64(abs), int64(nodeLen))
		if err != nil {
			return fmt.Errorf("compactor: node %d source: %w", hdr.ID, err)
		}
		destBuf, err := c.seg.Slice(int64(destAbs), int64(nodeLen))
		if err != nil {
			return fmt.Errorf("compactor: node %d dest: %w", hdr.ID, err)
		}
		copy(destBuf, srcBuf)

		if c.cfg.Checksum == config.ChecksumOnCompact {
			payload := destBuf[nodestore.HeaderSize:]
			newHdr := hdr
			newHdr.Checksum = nodestore.Checksum(payload)
			nodestore.EncodeHeader(destBuf, newHdr)
		}

		if c.ids.TryMove(hdr.ID, abs, destAbs) {
			c.seg.Free(segID, aligned)
			return nil
		}

		// Lost the race between try_start_move and try_move: the node was
		// relocated or freed by someone else in between. Free the wasted
		// destination copy and retry.
		c.seg.Free(destSeg, aligned)
	}

	return fmt.Errorf("compactor: node %d: %w", hdr.ID, tderrors.ErrBusy)
}
