package triedent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

func TestReadOnlyDatabaseRejectsWriteSessions(t *testing.T) {
	cfg := config.Default(t.TempDir())
	db, err := Open(cfg, ReadOnly, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.StartWriteSession("main")
	require.ErrorIs(t, err, tderrors.ErrInvalidInput)
}

func TestWriteThenReadThroughFacade(t *testing.T) {
	cfg := config.Default(t.TempDir())
	db, err := Open(cfg, ReadWrite, nil)
	require.NoError(t, err)
	defer db.Close()

	ws, err := db.StartWriteSession("main")
	require.NoError(t, err)
	_, err = ws.Upsert([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.NoError(t, ws.Commit())

	rs, err := db.StartReadSession("main")
	require.NoError(t, err)
	defer rs.Close()

	v, ok, err := rs.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, bytes.Equal([]byte("world"), v))

	var buf bytes.Buffer
	require.NoError(t, db.PrintStats(&buf, true))
	require.Contains(t, buf.String(), "top roots:")
}
