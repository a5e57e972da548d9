// Package session implements L5: read/write session lifecycle, the named
// top-root table, and the background compaction/reclamation goroutines that
// tie the lower layers together into a usable engine.
//
// Grounded on triedent/gc_queue.hpp's session/queue pair (internal/gcqueue)
// for reclamation scheduling, and on the retrieval pack's single-writer,
// many-reader discipline (pkg/slotcache/writer.go's commit protocol) for the
// shape of Manager's writer-lock/commit state machine.
package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triedentdb/triedent/internal/compactor"
	"github.com/triedentdb/triedent/internal/fsx"
	"github.com/triedentdb/triedent/internal/gcqueue"
	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/nodestore"
	"github.com/triedentdb/triedent/internal/segment"
	"github.com/triedentdb/triedent/internal/trie"
	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// rootSlot is one named entry in the top-root table: the currently published
// root plus the slot-level retain count described in §4.5's top-root API,
// kept separate from the node's own idtable refcount.
type rootSlot struct {
	mu     sync.Mutex
	rootID uint64
	retain uint32
	pinned []uint64 // LIFO of root IDs currently held down by Manager.Retain
}

// Manager owns every shared resource of an open database: the storage
// stack, the named top-root table, the GC queue, and the background
// compaction and reclamation goroutines.
type Manager struct {
	cfg config.Config
	log *zap.SugaredLogger

	seg   *segment.Allocator
	ids   *idtable.Table
	store *nodestore.Store
	trie  *trie.Trie

	gc         *gcqueue.Queue
	compactor  *compactor.Compactor
	bgDone     atomic.Bool
	bgWG       sync.WaitGroup
	compactInt time.Duration

	rootsMu        sync.RWMutex
	roots          map[string]*rootSlot
	checkpointPath string

	writerMu sync.Mutex
	writer   *fsx.WriterLock

	versionMu      sync.Mutex
	currentVersion uint64
}

// checkpointFile is the durable snapshot of the top-root table: a plain JSON
// map of name to root ID, written with fsx.WriteCheckpoint on every publish
// so a crash between commit and the next full sync still recovers every
// named snapshot's latest root.
const checkpointFile = "toproots.json"

// Open opens (or creates) a database rooted at cfg.DataDir: the segment
// arena, the node metadata table, and the top-root checkpoint, then starts
// the background compaction and GC goroutines.
func Open(cfg config.Config, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seg, err := segment.Open(filepath.Join(cfg.DataDir, "data"), cfg.SegmentSize)
	if err != nil {
		return nil, err
	}
	ids, err := idtable.Open(filepath.Join(cfg.DataDir, "ids"), uint64(cfg.IDPageSize), log.Named("idtable"))
	if err != nil {
		_ = seg.Close()
		return nil, err
	}

	store := nodestore.New(seg, ids, cfg)
	tr := trie.New(store, cfg)

	m := &Manager{
		cfg:            cfg,
		log:            log,
		seg:            seg,
		ids:            ids,
		store:          store,
		trie:           tr,
		gc:             gcqueue.New(cfg.GCQueueSize),
		roots:          make(map[string]*rootSlot),
		checkpointPath: filepath.Join(cfg.DataDir, checkpointFile),
		compactInt:     time.Second,
	}
	m.compactor = compactor.New(seg, ids, cfg, log.Named("compactor"))

	if err := m.restoreCheckpoint(); err != nil {
		_ = ids.Close()
		_ = seg.Close()
		return nil, err
	}

	m.bgWG.Add(2)
	go func() { defer m.bgWG.Done(); m.gc.Run(&m.bgDone) }()
	go func() { defer m.bgWG.Done(); m.runCompactor() }()

	return m, nil
}

// Close stops the background goroutines, flushes the GC queue, syncs every
// segment, and releases the underlying files. Must not be called while any
// session is still open.
func (m *Manager) Close() error {
	m.bgDone.Store(true)
	m.gc.NotifyRun()
	m.bgWG.Wait()
	m.gc.Flush()

	if err := m.store.Sync(segment.SyncSync); err != nil {
		m.log.Errorw("session: sync on close failed", "error", err)
	}
	if err := m.ids.Close(); err != nil {
		return err
	}
	return m.seg.Close()
}

func (m *Manager) runCompactor() {
	ticker := time.NewTicker(m.compactInt)
	defer ticker.Stop()

	for !m.bgDone.Load() {
		<-ticker.C
		if m.bgDone.Load() {
			return
		}
		for _, cand := range m.compactor.Candidates() {
			if m.bgDone.Load() {
				return
			}
			if err := m.compactor.RelocateSegment(cand.ID); err != nil {
				m.log.Warnw("session: compaction pass failed, will retry", "segment", cand.ID, "error", err)
			}
		}
	}
}

// CompactNext runs one manual compaction pass over the single emptiest
// eligible sealed segment, reporting whether one was found. Corresponds to
// the engine API's compact_next_segment.
func (m *Manager) CompactNext() (bool, error) {
	cands := m.compactor.Candidates()
	if len(cands) == 0 {
		return false, nil
	}
	return true, m.compactor.RelocateSegment(cands[0].ID)
}

// CompactionCandidateCount reports how many sealed segments are currently
// eligible for compaction.
func (m *Manager) CompactionCandidateCount() (int, error) {
	return len(m.compactor.Candidates()), nil
}

// TopRootNames lists every name currently present in the top-root table,
// including names whose root is 0.
func (m *Manager) TopRootNames() []string {
	m.rootsMu.RLock()
	defer m.rootsMu.RUnlock()
	names := make([]string, 0, len(m.roots))
	for name := range m.roots {
		names = append(names, name)
	}
	return names
}

func (m *Manager) slot(name string) *rootSlot {
	m.rootsMu.RLock()
	s, ok := m.roots[name]
	m.rootsMu.RUnlock()
	if ok {
		return s
	}

	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()
	if s, ok := m.roots[name]; ok {
		return s
	}
	s = &rootSlot{}
	m.roots[name] = s
	return s
}

// getTopRoot performs §4.5's get_top_root: an atomic load of name's current
// root plus a retain the caller now owns. The load and retain are bracketed
// by the caller's GC-queue session lock, since that window — not ordinary
// node reads, which verify via the node header's own ID — is the one the GC
// queue exists to protect: a set_top_root landing between this load and the
// retain must not let the old root's refcount reach zero first.
func (m *Manager) getTopRoot(gcs *gcqueue.Session, name string) (uint64, error) {
	gcs.Lock()
	defer gcs.Unlock()

	s := m.slot(name)
	s.mu.Lock()
	root := s.rootID
	s.mu.Unlock()

	if root == 0 {
		return 0, nil
	}
	if err := m.ids.Retain(root); err != nil {
		return 0, err
	}
	return root, nil
}

// setTopRoot performs §4.5's set_top_root: retain new, store atomically, and
// defer the old root's release onto the GC queue so a reader concurrently
// inside getTopRoot's load-then-retain window is never left holding a root
// whose refcount already dropped to zero.
func (m *Manager) setTopRoot(name string, newRoot uint64) error {
	if newRoot != 0 {
		if err := m.ids.Retain(newRoot); err != nil {
			return err
		}
	}

	s := m.slot(name)
	s.mu.Lock()
	old := s.rootID
	s.rootID = newRoot
	s.mu.Unlock()

	if err := m.writeCheckpoint(); err != nil {
		m.log.Errorw("session: top-root checkpoint write failed", "name", name, "error", err)
	}

	if old != 0 {
		m.gc.Push(func() {
			if err := m.trie.Release(old); err != nil {
				m.log.Errorw("session: deferred top-root release failed", "name", name, "root", old, "error", err)
			}
		})
	}
	return nil
}

// Retain bumps name's slot-level retain count and takes the caller's own
// idtable reference on the root currently published there, freezing that
// particular root alive even if the writer later advances the name past it.
// Pair with [Manager.ReleaseRetained].
func (m *Manager) Retain(name string) error {
	s := m.slot(name)
	s.mu.Lock()
	root := s.rootID
	if root != 0 {
		if err := m.ids.Retain(root); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.pinned = append(s.pinned, root)
	s.retain++
	s.mu.Unlock()
	return nil
}

// ReleaseRetained releases the most recent outstanding [Manager.Retain] on
// name, releasing the idtable reference it took via the GC queue (the same
// load/retain race it protects against applies symmetrically here, since
// concurrent readers may be mid getTopRoot against this same slot).
func (m *Manager) ReleaseRetained(name string) error {
	s := m.slot(name)
	s.mu.Lock()
	if s.retain == 0 {
		s.mu.Unlock()
		return fmt.Errorf("session: release %q with no outstanding retain: %w", name, tderrors.ErrInvalidInput)
	}
	n := len(s.pinned) - 1
	root := s.pinned[n]
	s.pinned = s.pinned[:n]
	s.retain--
	s.mu.Unlock()

	if root == 0 {
		return nil
	}
	m.gc.Push(func() {
		if err := m.trie.Release(root); err != nil {
			m.log.Errorw("session: deferred retained-root release failed", "name", name, "root", root, "error", err)
		}
	})
	return nil
}

func (m *Manager) nextWriteVersion() (acv, wv uint64) {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	acv = m.currentVersion
	wv = acv + 1
	return acv, wv
}

func (m *Manager) commitVersion(wv uint64) {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	if wv > m.currentVersion {
		m.currentVersion = wv
	}
}

// checkpointSnapshot is the on-disk shape of the top-root checkpoint file.
type checkpointSnapshot struct {
	Roots map[string]uint64 `json:"roots"`
}

func (m *Manager) writeCheckpoint() error {
	m.rootsMu.RLock()
	snap := checkpointSnapshot{Roots: make(map[string]uint64, len(m.roots))}
	for name, s := range m.roots {
		s.mu.Lock()
		snap.Roots[name] = s.rootID
		s.mu.Unlock()
	}
	m.rootsMu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal checkpoint: %w", err)
	}
	return fsx.WriteCheckpoint(m.checkpointPath, data)
}

func (m *Manager) restoreCheckpoint() error {
	data, err := fsx.ReadFile(m.checkpointPath)
	if err != nil {
		if fsx.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: read checkpoint: %w", err)
	}

	var snap checkpointSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("session: %w: malformed top-root checkpoint: %v", tderrors.ErrCorrupt, err)
	}

	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()
	for name, root := range snap.Roots {
		if root != 0 {
			if err := m.ids.Retain(root); err != nil {
				return err
			}
		}
		m.roots[name] = &rootSlot{rootID: root}
	}
	return nil
}
