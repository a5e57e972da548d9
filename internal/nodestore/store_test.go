package nodestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/segment"
	"github.com/triedentdb/triedent/pkg/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	seg, err := segment.Open(filepath.Join(dir, "data"), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	ids, err := idtable.Open(filepath.Join(dir, "ids"), 1024, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ids.Close() })

	cfg := config.Default(dir)
	return New(seg, ids, cfg)
}

func TestAllocateAndReadValue(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AllocateValue(0, []byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, s.ids.Retain(id))

	got, err := s.ReadValue(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
	require.Equal(t, idtable.TypeValue, s.Type(id))
}

func TestAllocateAndReadBinary(t *testing.T) {
	s := openTestStore(t)

	entries := []BinaryEntry{
		{Key: []byte("a"), ValueID: 10},
		{Key: []byte("b"), ValueID: 20},
	}
	id, err := s.AllocateBinary(0, entries)
	require.NoError(t, err)

	got, err := s.ReadBinary(id)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestAllocateAndReadSetlist(t *testing.T) {
	s := openTestStore(t)

	n := SetlistNode{
		InnerHeader: InnerHeader{Prefix: []byte("pre")},
		Branches: []Branch{
			{Byte: 'a', ChildID: 1},
			{Byte: 'z', ChildID: 2},
		},
	}
	id, err := s.AllocateSetlist(0, n)
	require.NoError(t, err)

	got, err := s.ReadSetlist(id)
	require.NoError(t, err)
	require.Equal(t, n.Prefix, got.Prefix)
	require.Equal(t, n.Branches, got.Branches)
}

func TestReplaceClonesWhenGrowing(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AllocateValue(0, []byte("tiny"))
	require.NoError(t, err)
	require.NoError(t, s.ids.Retain(id))

	bigger := make([]byte, 4096)
	for i := range bigger {
		bigger[i] = byte(i)
	}
	require.NoError(t, s.Replace(id, idtable.TypeValue, 0, bigger))

	got, err := s.ReadValue(id)
	require.NoError(t, err)
	require.Equal(t, bigger, got)
}

func TestReleaseReturnsChildrenWhenRefDropsToZero(t *testing.T) {
	s := openTestStore(t)

	entries := []BinaryEntry{
		{Key: []byte("a"), ValueID: 111},
		{Key: []byte("b"), ValueID: 222},
	}
	id, err := s.AllocateBinary(0, entries)
	require.NoError(t, err)

	children, err := s.Release(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{111, 222}, children)

	_, _, err = s.readRaw(id)
	require.Error(t, err)
}

func TestSyncOnMsyncRecomputesChecksums(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, config.ChecksumOnMsync, s.cfg.Checksum)

	id, err := s.AllocateValue(0, []byte("checksum me"))
	require.NoError(t, err)

	hdr, payload, err := s.readRaw(id)
	require.NoError(t, err)
	require.Zero(t, hdr.Checksum, "checksum must stay deferred until sync under ChecksumOnMsync")

	require.NoError(t, s.Sync(segment.SyncSync))

	hdr, payload, err = s.readRaw(id)
	require.NoError(t, err)
	require.NotZero(t, hdr.Checksum)
	require.True(t, VerifyChecksum(payload, hdr.Checksum))
}

func TestReleaseWithoutDroppingToZeroReturnsNoChildren(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AllocateValue(0, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.ids.Retain(id)) // ref=2 now

	children, err := s.Release(id)
	require.NoError(t, err)
	require.Nil(t, children)

	got, err := s.ReadValue(id)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)
}
