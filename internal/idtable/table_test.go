package idtable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestTable(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obj_ids")
	tbl, err := Open(path, 1024, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestCellPackRoundTrip(t *testing.T) {
	c := PackLocation(7, TypeBinary, 16*3)
	require.EqualValues(t, 7, c.Ref())
	require.Equal(t, TypeBinary, c.Type())
	require.EqualValues(t, 48, c.Location())
}

func TestNewIDThenFree(t *testing.T) {
	tbl := openTestTable(t)

	id, err := tbl.NewID()
	require.NoError(t, err)
	require.NotZero(t, id)

	cell := tbl.Get(id)
	require.EqualValues(t, 1, cell.Ref())
	require.Equal(t, TypeUndefined, cell.Type())

	freed, err := tbl.Release(id)
	require.NoError(t, err)
	require.True(t, freed)

	require.NoError(t, tbl.FreeID(id))

	id2, err := tbl.NewID()
	require.NoError(t, err)
	require.Equal(t, id, id2, "freelist should reuse the most recently freed id")
}

func TestRetainReleaseRoundTrip(t *testing.T) {
	tbl := openTestTable(t)

	id, err := tbl.NewID()
	require.NoError(t, err)

	require.NoError(t, tbl.Retain(id))
	require.EqualValues(t, 2, tbl.Get(id).Ref())

	freed, err := tbl.Release(id)
	require.NoError(t, err)
	require.False(t, freed)

	freed, err = tbl.Release(id)
	require.NoError(t, err)
	require.True(t, freed)
}

func TestSetLocationAndType(t *testing.T) {
	tbl := openTestTable(t)

	id, err := tbl.NewID()
	require.NoError(t, err)

	require.NoError(t, tbl.SetType(id, TypeValue))
	require.NoError(t, tbl.SetLocation(id, 1<<20))

	cell := tbl.Get(id)
	require.Equal(t, TypeValue, cell.Type())
	require.EqualValues(t, 1<<20, cell.Location())
}

func TestTryMove(t *testing.T) {
	tbl := openTestTable(t)

	id, err := tbl.NewID()
	require.NoError(t, err)
	require.NoError(t, tbl.SetLocation(id, 100*LocationAlignment))

	require.True(t, tbl.TryStartMove(id, 100*LocationAlignment))
	require.True(t, tbl.TryMove(id, 100*LocationAlignment, 200*LocationAlignment))
	require.EqualValues(t, 200*LocationAlignment, tbl.Get(id).Location())

	// Stale "from" must fail now that the location has moved.
	require.False(t, tbl.TryMove(id, 100*LocationAlignment, 300*LocationAlignment))
}

func TestAllocateManyIDs(t *testing.T) {
	tbl := openTestTable(t)

	var last uint64
	for i := 0; i < 64; i++ {
		id, err := tbl.NewID()
		require.NoError(t, err)
		last = id
	}
	require.NotZero(t, last)
}
