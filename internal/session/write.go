package session

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/triedentdb/triedent/internal/fsx"
	"github.com/triedentdb/triedent/internal/gcqueue"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

type writeState int32

const (
	writeIdle writeState = iota
	writeOpen
	writeClosed
)

// WriteSession is the single mutator of a database: at most one may be open
// at a time (enforced by mgr.writerMu plus an interprocess flock), matching
// §4.5's scheduling model. It wraps the trie's raw, root-in/root-out API
// with an always_clone_version/write_version pair and a name-bound working
// root for the common case of evolving one named snapshot across several
// edits before committing.
type WriteSession struct {
	mgr  *Manager
	gcs  *gcqueue.Session
	lock *fsx.WriterLock

	acv, wv uint64
	state   atomic.Int32

	name string
	root uint64 // the session's own retained reference; 0 means empty trie
}

// StartWriteSession opens the database's single write session, bound to the
// named top root (an unknown name starts from an empty trie). Fails with
// [tderrors.ErrWriterActive] if another write session is already open, in
// this process or another.
func (m *Manager) StartWriteSession(name string) (*WriteSession, error) {
	m.writerMu.Lock()
	if m.writer != nil {
		m.writerMu.Unlock()
		return nil, tderrors.ErrWriterActive
	}

	lock, err := fsx.TryAcquireWriterLock(filepath.Join(m.cfg.DataDir, "data"))
	if err != nil {
		m.writerMu.Unlock()
		return nil, err
	}
	m.writer = lock
	m.writerMu.Unlock()

	gcs := m.gc.NewSession()
	root, err := m.getTopRoot(gcs, name)
	if err != nil {
		gcs.Close()
		m.releaseWriterLock()
		return nil, err
	}

	acv, wv := m.nextWriteVersion()

	s := &WriteSession{mgr: m, gcs: gcs, lock: lock, acv: acv, wv: wv, name: name, root: root}
	s.state.Store(int32(writeOpen))
	return s, nil
}

func (m *Manager) releaseWriterLock() {
	m.writerMu.Lock()
	defer m.writerMu.Unlock()
	if m.writer != nil {
		_ = m.writer.Release()
		m.writer = nil
	}
}

func (s *WriteSession) checkOpen() error {
	if writeState(s.state.Load()) != writeOpen {
		return fmt.Errorf("session: write session is not open: %w", tderrors.ErrClosed)
	}
	return nil
}

// Upsert inserts or replaces key's value in the session's working root,
// returning the previous value's size, or -1 if key was newly inserted, per
// §6.2's upsert(root, key, value) -> int.
func (s *WriteSession) Upsert(key, value []byte) (prevSize int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	prevSize = -1
	if s.root != 0 {
		if old, ok, err := s.mgr.trie.Get(s.root, key); err != nil {
			return 0, err
		} else if ok {
			prevSize = len(old)
		}
	}

	newRoot, err := s.mgr.trie.Upsert(s.root, key, value, s.acv, s.wv)
	if err != nil {
		return 0, err
	}
	s.root = newRoot
	return prevSize, nil
}

// Remove deletes key from the session's working root, reporting whether it
// was present.
func (s *WriteSession) Remove(key []byte) (existed bool, err error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if s.root == 0 {
		return false, nil
	}
	newRoot, existed, err := s.mgr.trie.Erase(s.root, key, s.acv, s.wv)
	if err != nil {
		return false, err
	}
	s.root = newRoot
	return existed, nil
}

// GetTopRoot returns the live root currently published under name, retained
// on the caller's behalf, independent of this session's own working root.
func (s *WriteSession) GetTopRoot(name string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.mgr.getTopRoot(s.gcs, name)
}

// SetTopRoot publishes root under name directly, bypassing the session's own
// working root. The caller must already own a reference to root (e.g. from
// GetTopRoot or a prior Upsert/Remove return value).
func (s *WriteSession) SetTopRoot(name string, root uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.mgr.setTopRoot(name, root)
}

// Retain freezes name's currently published root alive past a future
// set_top_root on that name. See [Manager.Retain].
func (s *WriteSession) Retain(name string) error { return s.mgr.Retain(name) }

// Release undoes one [WriteSession.Retain]. See [Manager.ReleaseRetained].
func (s *WriteSession) Release(name string) error { return s.mgr.ReleaseRetained(name) }

// Fork advances the session's write-version, so subsequent edits clone
// rather than mutate any node written under the version this session
// started with — an internal checkpoint boundary within one open
// transaction, letting a caller observe a consistent mid-transaction root
// (e.g. to hand to a read session) while continuing to write.
func (s *WriteSession) Fork() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.acv = s.wv
	s.wv++
	return nil
}

// Validate runs a full structural audit of the session's current working
// root: every reachable node decodes under its declared type and iterating
// the root's keys in order never regresses. Node checksums are not verified.
func (s *WriteSession) Validate() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.mgr.trie.Validate(s.root)
}

// Root returns the session's current working root, e.g. to pass to
// [WriteSession.SetTopRoot] under a different name, or to a read session via
// [ReadSession.SetSessionRevision] (which must itself Retain first).
func (s *WriteSession) Root() uint64 { return s.root }

// Commit publishes the session's working root under the name it was started
// with and closes the session. Per §4.5's state
// machine this is the open -> committing -> closed transition.
func (s *WriteSession) Commit() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.state.Store(int32(writeClosed))
	defer s.finish()

	if err := s.mgr.setTopRoot(s.name, s.root); err != nil {
		return err
	}
	if s.root != 0 {
		// The table now holds its own independent reference (taken by
		// setTopRoot); this drops the session's original one, inherited from
		// getTopRoot at StartWriteSession and threaded through every
		// Upsert/Remove call since.
		if err := s.mgr.trie.Release(s.root); err != nil {
			return err
		}
	}
	s.mgr.commitVersion(s.wv)
	return nil
}

// Abort discards every edit made in this session: since each Upsert/Remove
// call consumed the previous working root and returned a new one already
// owned by the session, releasing the current working root cascades through
// exactly the nodes this session allocated or cloned, while nodes still
// shared with the committed root it started from are left untouched (they
// were never double-counted in the first place — see internal/trie's
// ownership contract).
func (s *WriteSession) Abort() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.state.Store(int32(writeClosed))
	defer s.finish()

	if s.root == 0 {
		return nil
	}
	return s.mgr.trie.Release(s.root)
}

func (s *WriteSession) finish() {
	s.gcs.Close()
	s.mgr.releaseWriterLock()
}
