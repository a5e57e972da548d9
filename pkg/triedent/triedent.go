// Package triedent is the engine's external facade (§6.2): open a database,
// start read and write sessions against it, and run manual maintenance.
// Everything below is a thin, mode-checked wrapper over internal/session.
package triedent

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/triedentdb/triedent/internal/session"
	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// Mode selects whether a DB accepts write sessions.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// DB is one open database: the storage stack plus the session manager that
// schedules readers, the single writer, and the background compaction and
// reclamation goroutines.
type DB struct {
	mgr  *session.Manager
	mode Mode
}

// Open opens (or creates) the database rooted at cfg.DataDir, in either mode;
// mode only decides whether write sessions are accepted.
func Open(cfg config.Config, mode Mode, log *zap.SugaredLogger) (*DB, error) {
	mgr, err := session.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	return &DB{mgr: mgr, mode: mode}, nil
}

// Close stops the database's background goroutines and releases its files.
// Every session opened against it must already be closed.
func (db *DB) Close() error { return db.mgr.Close() }

// StartReadSession opens a new read-only snapshot pinned to name's current
// top root.
func (db *DB) StartReadSession(name string) (*session.ReadSession, error) {
	return db.mgr.StartReadSession(name)
}

// StartWriteSession opens the database's single write session, bound to
// name's current top root. Fails with [tderrors.ErrInvalidInput] if the
// database was opened [ReadOnly], or with [tderrors.ErrWriterActive] if
// another write session is already open.
func (db *DB) StartWriteSession(name string) (*session.WriteSession, error) {
	if db.mode == ReadOnly {
		return nil, fmt.Errorf("triedent: database opened read-only: %w", tderrors.ErrInvalidInput)
	}
	return db.mgr.StartWriteSession(name)
}

// CompactNext runs one manual compaction pass over the single emptiest
// eligible sealed segment, reporting whether one was found.
func (db *DB) CompactNext() (bool, error) { return db.mgr.CompactNext() }

// PrintStats writes a human-readable diagnostic summary to w. When detailed
// is false only top-level counters are printed.
func (db *DB) PrintStats(w io.Writer, detailed bool) error {
	cands, err := db.mgr.CompactionCandidateCount()
	if err != nil {
		return err
	}
	names := db.mgr.TopRootNames()

	if _, err := fmt.Fprintf(w, "top roots: %d\ncompaction candidates: %d\n", len(names), cands); err != nil {
		return err
	}
	if !detailed {
		return nil
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "  %s\n", name); err != nil {
			return err
		}
	}
	return nil
}
