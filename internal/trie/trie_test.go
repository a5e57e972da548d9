package trie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/nodestore"
	"github.com/triedentdb/triedent/internal/segment"
	"github.com/triedentdb/triedent/pkg/config"
)

func openTestTrie(t *testing.T) *Trie {
	t.Helper()
	dir := t.TempDir()

	seg, err := segment.Open(filepath.Join(dir, "data"), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	ids, err := idtable.Open(filepath.Join(dir, "ids"), 1024, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ids.Close() })

	cfg := config.Default(dir)
	store := nodestore.New(seg, ids, cfg)
	return New(store, cfg)
}

func TestUpsertThenGet(t *testing.T) {
	tr := openTestTrie(t)

	root, err := tr.Upsert(0, []byte("hello"), []byte("world"), 0, 1)
	require.NoError(t, err)

	v, ok, err := tr.Get(root, []byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), v)

	_, ok, err = tr.Get(root, []byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertManyKeysAllReadable(t *testing.T) {
	tr := openTestTrie(t)

	keys := []string{"apple", "app", "banana", "band", "bandana", "cherry", ""}
	root := uint64(0)
	var err error
	for _, k := range keys {
		root, err = tr.Upsert(root, []byte(k), []byte("v-"+k), 0, 1)
		require.NoError(t, err)
	}

	for _, k := range keys {
		v, ok, err := tr.Get(root, []byte(k))
		require.NoError(t, err)
		require.True(t, ok, "key %q", k)
		require.Equal(t, []byte("v-"+k), v)
	}
}

func TestUpsertOverwritesExistingKey(t *testing.T) {
	tr := openTestTrie(t)

	root, err := tr.Upsert(0, []byte("k"), []byte("v1"), 0, 1)
	require.NoError(t, err)
	root, err = tr.Upsert(root, []byte("k"), []byte("v2"), 0, 1)
	require.NoError(t, err)

	v, ok, err := tr.Get(root, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestEraseRemovesKey(t *testing.T) {
	tr := openTestTrie(t)

	root, err := tr.Upsert(0, []byte("a"), []byte("1"), 0, 1)
	require.NoError(t, err)
	root, err = tr.Upsert(root, []byte("b"), []byte("2"), 0, 1)
	require.NoError(t, err)

	newRoot, existed, err := tr.Erase(root, []byte("a"), 0, 1)
	require.NoError(t, err)
	require.True(t, existed)

	_, ok, err := tr.Get(newRoot, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := tr.Get(newRoot, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestEraseLastKeyEmptiesTrie(t *testing.T) {
	tr := openTestTrie(t)

	root, err := tr.Upsert(0, []byte("only"), []byte("v"), 0, 1)
	require.NoError(t, err)

	newRoot, existed, err := tr.Erase(root, []byte("only"), 0, 1)
	require.NoError(t, err)
	require.True(t, existed)
	require.Zero(t, newRoot)
}

func TestEraseMissingKeyReportsNotExisted(t *testing.T) {
	tr := openTestTrie(t)

	root, err := tr.Upsert(0, []byte("a"), []byte("1"), 0, 1)
	require.NoError(t, err)

	_, existed, err := tr.Erase(root, []byte("missing"), 0, 1)
	require.NoError(t, err)
	require.False(t, existed)
}

func TestCloningPreservesOldVersion(t *testing.T) {
	tr := openTestTrie(t)

	v1Root, err := tr.Upsert(0, []byte("k"), []byte("v1"), 0, 1)
	require.NoError(t, err)

	// Simulate a committed snapshot at version 1, then a new transaction at
	// version 2 whose always_clone_version is 1: any node stamped with
	// version <= 1 must be cloned rather than mutated.
	v2Root, err := tr.Upsert(v1Root, []byte("k"), []byte("v2"), 1, 2)
	require.NoError(t, err)

	v, ok, err := tr.Get(v1Root, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v, "old root must still read the old value")

	v, ok, err = tr.Get(v2Root, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestRefactorPromotesBinaryToInner(t *testing.T) {
	tr := openTestTrie(t)
	tr.cfg.BinaryRefactorThreshold = 64 // force promotion quickly

	root := uint64(0)
	var err error
	keys := []string{"aaa", "aab", "aac", "aba", "abb", "baa", "bab", "bba"}
	for _, k := range keys {
		root, err = tr.Upsert(root, []byte(k), []byte(k), 0, 1)
		require.NoError(t, err)
	}

	require.NotEqual(t, idtable.TypeBinary, tr.store.Type(root))

	for _, k := range keys {
		v, ok, err := tr.Get(root, []byte(k))
		require.NoError(t, err)
		require.True(t, ok, "key %q", k)
		require.Equal(t, []byte(k), v)
	}
}

func TestCursorIteratesInSortedOrder(t *testing.T) {
	tr := openTestTrie(t)

	keys := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	root := uint64(0)
	var err error
	for _, k := range keys {
		root, err = tr.Upsert(root, []byte(k), []byte(k), 0, 1)
		require.NoError(t, err)
	}

	c, err := tr.First(root)
	require.NoError(t, err)
	require.True(t, c.Valid())

	var got []string
	for {
		got = append(got, string(c.Key()))
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, got)
}

func TestCursorPreviousMirrorsNext(t *testing.T) {
	tr := openTestTrie(t)

	keys := []string{"one", "two", "three"}
	root := uint64(0)
	var err error
	for _, k := range keys {
		root, err = tr.Upsert(root, []byte(k), []byte(k), 0, 1)
		require.NoError(t, err)
	}

	c, err := tr.Last(root)
	require.NoError(t, err)
	require.True(t, c.Valid())

	var got []string
	for {
		got = append(got, string(c.Key()))
		ok, err := c.Previous()
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	require.Equal(t, []string{"two", "three", "one"}, got)
}

func TestLowerBoundFindsSuccessor(t *testing.T) {
	tr := openTestTrie(t)

	keys := []string{"bb", "dd", "ff"}
	root := uint64(0)
	var err error
	for _, k := range keys {
		root, err = tr.Upsert(root, []byte(k), []byte(k), 0, 1)
		require.NoError(t, err)
	}

	k, v, ok, err := tr.GetGreaterEqual(root, []byte("cc"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dd", string(k))
	require.Equal(t, "dd", string(v))

	_, _, ok, err = tr.GetGreaterEqual(root, []byte("zz"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetMaxAndLessThan(t *testing.T) {
	tr := openTestTrie(t)

	keys := []string{"bb", "dd", "ff"}
	root := uint64(0)
	var err error
	for _, k := range keys {
		root, err = tr.Upsert(root, []byte(k), []byte(k), 0, 1)
		require.NoError(t, err)
	}

	k, _, ok, err := tr.GetMax(root)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ff", string(k))

	k, _, ok, err = tr.GetLessThan(root, []byte("ee"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dd", string(k))

	k, _, ok, err = tr.GetLessThan(root, []byte("zz"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ff", string(k))
}
