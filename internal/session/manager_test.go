package session

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default(t.TempDir())
	m, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestWriteCommitThenReadSeesValue(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)

	prev, err := ws.Upsert([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, -1, prev)

	require.NoError(t, ws.Commit())

	rs, err := m.StartReadSession("main")
	require.NoError(t, err)
	defer rs.Close()

	v, ok, err := rs.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestUpsertReturnsPreviousSize(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)

	prev, err := ws.Upsert([]byte("k"), []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, -1, prev)

	prev, err = ws.Upsert([]byte("k"), []byte("xy"))
	require.NoError(t, err)
	require.Equal(t, 3, prev)

	require.NoError(t, ws.Commit())
}

func TestOldReadSnapshotSurvivesNewCommit(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)
	_, err = ws.Upsert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, ws.Commit())

	rs, err := m.StartReadSession("main")
	require.NoError(t, err)
	defer rs.Close()

	ws2, err := m.StartWriteSession("main")
	require.NoError(t, err)
	_, err = ws2.Upsert([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, ws2.Commit())

	v, ok, err := rs.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v, "session pinned before the second commit must not see it")

	rs2, err := m.StartReadSession("main")
	require.NoError(t, err)
	defer rs2.Close()
	v, ok, err = rs2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestAbortDiscardsEdits(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)
	_, err = ws.Upsert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, ws.Abort())

	ws2, err := m.StartWriteSession("main")
	require.NoError(t, err)
	defer ws2.Abort()

	_, ok, err := m.trie.Get(ws2.Root(), []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOnlyOneWriteSessionAtATime(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)
	defer ws.Abort()

	_, err = m.StartWriteSession("other")
	require.ErrorIs(t, err, tderrors.ErrWriterActive)
}

func TestRetainReleaseRoundTripIsNoop(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)
	_, err = ws.Upsert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, ws.Commit())

	require.NoError(t, m.Retain("main"))
	require.NoError(t, m.ReleaseRetained("main"))

	rs, err := m.StartReadSession("main")
	require.NoError(t, err)
	defer rs.Close()

	v, ok, err := rs.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

// TestCheckpointSurvivesReopen confirms the top-root checkpoint written on
// every commit lets a freshly-opened Manager recover every named snapshot
// that was published before the previous one closed.
func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)

	m1, err := Open(cfg, nil)
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		ws, err := m1.StartWriteSession(name)
		require.NoError(t, err)
		_, err = ws.Upsert([]byte("k"), []byte("v-"+name))
		require.NoError(t, err)
		require.NoError(t, ws.Commit())
	}
	wantNames := m1.TopRootNames()
	sort.Strings(wantNames)
	require.NoError(t, m1.Close())

	m2, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m2.Close()) })

	gotNames := m2.TopRootNames()
	sort.Strings(gotNames)
	if diff := cmp.Diff(wantNames, gotNames); diff != "" {
		t.Fatalf("top-root names mismatch after reopen (-want +got):\n%s", diff)
	}

	for _, name := range wantNames {
		rs, err := m2.StartReadSession(name)
		require.NoError(t, err)
		v, ok, err := rs.Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v-"+name), v)
		require.NoError(t, rs.Close())
	}
}

func TestForkAdvancesWriteVersionWithoutTouchingRoot(t *testing.T) {
	m := openTestManager(t)

	ws, err := m.StartWriteSession("main")
	require.NoError(t, err)

	_, err = ws.Upsert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	rootBefore := ws.Root()

	require.NoError(t, ws.Fork())
	require.Equal(t, rootBefore, ws.Root())

	require.NoError(t, ws.Commit())
}
