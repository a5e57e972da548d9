package compactor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/nodestore"
	"github.com/triedentdb/triedent/internal/segment"
	"github.com/triedentdb/triedent/pkg/config"
)

func openTestCompactor(t *testing.T, segSize uint32) (*Compactor, *nodestore.Store) {
	t.Helper()
	dir := t.TempDir()

	seg, err := segment.Open(filepath.Join(dir, "data"), segSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	ids, err := idtable.Open(filepath.Join(dir, "ids"), 1024, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ids.Close() })

	cfg := config.Default(dir)
	store := nodestore.New(seg, ids, cfg)
	return New(seg, ids, cfg, nil), store
}

func TestRelocateSegmentMovesLiveNode(t *testing.T) {
	c, store := openTestCompactor(t, 4096)

	id, err := store.AllocateValue(0, []byte("payload"))
	require.NoError(t, err)

	before := c.ids.Get(id)
	segBefore, _ := c.seg.Locate(int64(before.Location()))

	// rotate so segBefore seals
	_, _, err = c.seg.Allocate(4000)
	require.NoError(t, err)
	require.True(t, c.seg.IsSealed(segBefore))

	require.NoError(t, c.RelocateSegment(segBefore))

	after := c.ids.Get(id)
	segAfter, _ := c.seg.Locate(int64(after.Location()))
	require.NotEqual(t, segBefore, segAfter, "live node should have moved to a new segment")

	got, err := store.ReadValue(id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestRelocateSegmentSkipsFreedNode(t *testing.T) {
	c, store := openTestCompactor(t, 4096)

	id, err := store.AllocateValue(0, []byte("gone"))
	require.NoError(t, err)

	before := c.ids.Get(id)
	segBefore, _ := c.seg.Locate(int64(before.Location()))

	_, err = store.Release(id)
	require.NoError(t, err)

	_, _, err = c.seg.Allocate(4000)
	require.NoError(t, err)
	require.True(t, c.seg.IsSealed(segBefore))

	require.NoError(t, c.RelocateSegment(segBefore))
}

func TestRelocateSegmentRecyclesOnceFullyEmptied(t *testing.T) {
	c, store := openTestCompactor(t, 4096)

	id, err := store.AllocateValue(0, []byte("x"))
	require.NoError(t, err)

	before := c.ids.Get(id)
	segBefore, _ := c.seg.Locate(int64(before.Location()))

	_, err = store.Release(id)
	require.NoError(t, err)

	_, _, err = c.seg.Allocate(4000)
	require.NoError(t, err)

	require.NoError(t, c.RelocateSegment(segBefore))
	require.GreaterOrEqual(t, c.seg.FreedBytes(segBefore), c.seg.AllocPos(segBefore))
}

func TestEmptinessFractionTracksConfig(t *testing.T) {
	c, _ := openTestCompactor(t, 1<<20)
	got := c.emptinessFraction()
	require.InDelta(t, float64(c.cfg.SegmentEmptyThreshold())/float64(c.cfg.SegmentSize), got, 1e-9)
}
