package session

import (
	"fmt"
	"sync/atomic"

	"github.com/triedentdb/triedent/internal/gcqueue"
	"github.com/triedentdb/triedent/internal/trie"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

type readState int32

const (
	readOpen readState = iota
	readClosed
)

// ReadSession is one consistent, lock-free view of the database, pinned to a
// single root for its entire lifetime. Any number may be open concurrently
// with each other and with the single [WriteSession].
type ReadSession struct {
	mgr  *Manager
	gcs  *gcqueue.Session
	root uint64
	name string

	state atomic.Int32
}

// StartReadSession opens a new read session pinned to the root currently
// published under name (0, an empty trie, if name has never been set).
func (m *Manager) StartReadSession(name string) (*ReadSession, error) {
	gcs := m.gc.NewSession()
	root, err := m.getTopRoot(gcs, name)
	if err != nil {
		gcs.Close()
		return nil, err
	}
	s := &ReadSession{mgr: m, gcs: gcs, root: root, name: name}
	return s, nil
}

func (s *ReadSession) checkOpen() error {
	if readState(s.state.Load()) != readOpen {
		return fmt.Errorf("session: read session is closed: %w", tderrors.ErrClosed)
	}
	return nil
}

// Pin re-reads name's currently published top root and re-pins this session
// to it, releasing its previous pin. Use to advance a long-lived session to
// the latest committed snapshot without closing and reopening it.
func (s *ReadSession) Pin(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	root, err := s.mgr.getTopRoot(s.gcs, name)
	if err != nil {
		return err
	}
	s.releaseRoot()
	s.root, s.name = root, name
	return nil
}

// SetSessionRevision pins this session directly to root, which the caller
// must already own a reference to (e.g. a [WriteSession.Root] value obtained
// under its own Retain). This bypasses the named top-root table entirely,
// corresponding to §6.2's set_session_revision(root_id).
func (s *ReadSession) SetSessionRevision(root uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.releaseRoot()
	s.root, s.name = root, ""
	return nil
}

// Root returns the root this session is currently pinned to.
func (s *ReadSession) Root() uint64 { return s.root }

// Get looks up key in the session's pinned snapshot.
func (s *ReadSession) Get(key []byte) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	return s.mgr.trie.Get(s.root, key)
}

// First returns a cursor over the session's pinned snapshot, positioned at
// its smallest key.
func (s *ReadSession) First() (*trie.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.mgr.trie.First(s.root)
}

// Last returns a cursor positioned at the snapshot's largest key.
func (s *ReadSession) Last() (*trie.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.mgr.trie.Last(s.root)
}

// LowerBound returns a cursor positioned at the first key >= key.
func (s *ReadSession) LowerBound(key []byte) (*trie.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.mgr.trie.LowerBound(s.root, key)
}

// GetGreaterEqual returns the first key/value pair with key >= the given key.
func (s *ReadSession) GetGreaterEqual(key []byte) (k, v []byte, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, false, err
	}
	return s.mgr.trie.GetGreaterEqual(s.root, key)
}

// GetLessThan returns the last key/value pair with key < the given key.
func (s *ReadSession) GetLessThan(key []byte) (k, v []byte, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, false, err
	}
	return s.mgr.trie.GetLessThan(s.root, key)
}

// GetMax returns the snapshot's largest key/value pair.
func (s *ReadSession) GetMax() (k, v []byte, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, false, err
	}
	return s.mgr.trie.GetMax(s.root)
}

func (s *ReadSession) releaseRoot() {
	if s.root == 0 {
		return
	}
	root := s.root
	s.mgr.gc.Push(func() {
		if err := s.mgr.trie.Release(root); err != nil {
			s.mgr.log.Errorw("session: read session root release failed", "root", root, "error", err)
		}
	})
}

// Close releases the session's pinned root and its GC-queue session.
func (s *ReadSession) Close() error {
	if !s.state.CompareAndSwap(int32(readOpen), int32(readClosed)) {
		return nil
	}
	s.releaseRoot()
	s.gcs.Close()
	return nil
}
