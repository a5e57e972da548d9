// Package gcqueue implements the reclamation ring buffer that sits between
// the session manager's readers and its writer: a retired node subtree must
// not be freed while a reader session that started before the retirement is
// still walking it.
//
// The contract, given a pushed cleanup P, a session lock/unlock pair L/U,
// and the eventual run of P's cleanup D: either P happens before L, or U
// happens before D. In the first case the reader never sees the retired
// state because it locked after the retirement; in the second the read
// completed before the cleanup ran. Either way a reader never observes
// storage concurrently with its reclamation.
package gcqueue

import (
	"sync"
	"sync/atomic"
)

// npos marks a session as unlocked. waitBit is the high bit of a sequence
// number; at most one locked session has it set at a time, marking the
// session a pusher is blocked waiting on.
const (
	npos    uint32 = ^uint32(0)
	waitBit uint32 = ^(npos >> 1)
)

// Queue is a bounded ring buffer of cleanup closures awaiting reclamation,
// gated by the sequence numbers of every currently registered [Session].
// The zero value is not usable; construct with [New].
type Queue struct {
	sessionMu sync.Mutex
	sessions  []*Session

	mu      sync.Mutex
	cond    *sync.Cond
	end     atomic.Uint32
	size    int
	items   []func()
	waiting bool
}

// New returns a Queue holding at most maxSize pending cleanups. One extra
// slot is reserved internally so a full queue and an empty queue never share
// the same end index.
func New(maxSize uint32) *Queue {
	q := &Queue{items: make([]func(), maxSize+1)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) capacity() uint32 { return uint32(len(q.items)) }

func (q *Queue) next(pos uint32) uint32 {
	pos++
	if pos == q.capacity() {
		pos = 0
	}
	return pos
}

// Session tracks one reader or writer's current position in the queue's
// sequence space. Register with [Queue.NewSession] before the first Lock and
// call Close once the caller is done issuing locks.
type Session struct {
	queue    *Queue
	sequence atomic.Uint32
}

// NewSession registers a new session against q. A session must not be
// locked concurrently from more than one goroutine.
func (q *Queue) NewSession() *Session {
	s := &Session{queue: q}
	s.sequence.Store(npos)

	q.sessionMu.Lock()
	q.sessions = append(q.sessions, s)
	q.sessionMu.Unlock()
	return s
}

// Close deregisters the session. Lock/Unlock must not be called afterward.
func (s *Session) Close() {
	q := s.queue
	q.sessionMu.Lock()
	defer q.sessionMu.Unlock()
	for i, v := range q.sessions {
		if v == s {
			q.sessions = append(q.sessions[:i], q.sessions[i+1:]...)
			return
		}
	}
}

// Lock records the queue's current end position as this session's sequence,
// retrying if a push raced the read. Every access to shared state protected
// by the gc queue must happen between a Lock and its matching Unlock.
func (s *Session) Lock() {
	for {
		val := s.queue.end.Load()
		s.sequence.Store(val)
		if s.queue.end.Load() == val {
			return
		}
		s.Unlock()
	}
}

// Unlock releases the session's hold on its current sequence. If a pusher
// was blocked waiting on exactly this sequence, it is woken.
func (s *Session) Unlock() {
	value := s.sequence.Swap(npos)
	if value&waitBit != 0 {
		s.queue.mu.Lock()
		s.queue.waiting = false
		s.queue.mu.Unlock()
		s.queue.cond.Broadcast()
	}
}

// Push enqueues cleanup, retained until every session locked at or before
// the push has unlocked at least once. Every queued cleanup that no locked
// session still guards, cleanup itself included, runs before Push returns.
// Push may block while the queue is full. Cleanups do not necessarily run in
// push order.
//
// The calling goroutine must not be holding a lock on any session
// registered against q.
func (q *Queue) Push(cleanup func()) {
	var popped []func()

	q.mu.Lock()
	end := q.end.Load()
	start := (end + q.capacity() - uint32(q.size)) % q.capacity()
	// Always leave one empty slot so sequence == end stays unambiguous.
	for q.size == int(q.capacity())-1 {
		endReady := q.startWait(start, end)
		if endReady == start {
			q.cond.Wait()
			end = q.end.Load()
			start = (end + q.capacity() - uint32(q.size)) % q.capacity()
			continue
		}
		popped = q.popSome(popped, start, endReady)
		break
	}

	q.items[end] = cleanup
	q.end.Store(q.next(end))
	q.size++
	end = q.end.Load()
	start = (end + q.capacity() - uint32(q.size)) % q.capacity()
	popped = q.popSome(popped, start, q.startWait(q.capacity(), end))
	if q.size == 1 {
		q.cond.Signal()
	}
	q.mu.Unlock()

	// Run cleanups after releasing the lock: a cleanup may itself push or
	// otherwise touch the queue.
	for _, fn := range popped {
		fn()
	}
}

// Poll opportunistically reclaims whatever is currently safe to reclaim
// without blocking. The calling goroutine must not hold a session lock.
func (q *Queue) Poll() {
	var popped []func()

	q.mu.Lock()
	end := q.end.Load()
	start := (end + q.capacity() - uint32(q.size)) % q.capacity()
	// q.capacity() never equals a real sequence value (including npos),
	// so this waits on nothing and only reports the lowest held sequence.
	popped = q.popSome(popped, start, q.startWait(q.capacity(), end))
	q.mu.Unlock()

	for _, fn := range popped {
		fn()
	}
}

// Flush drains every pending cleanup unconditionally. Callers must ensure no
// session is registered against q when this runs.
func (q *Queue) Flush() {
	var popped []func()

	q.mu.Lock()
	end := q.end.Load()
	start := (end + q.capacity() - uint32(q.size)) % q.capacity()
	popped = q.popSome(popped, start, end)
	q.mu.Unlock()

	for _, fn := range popped {
		fn()
	}
}

// Run processes the queue on the calling goroutine until done reports true.
// Intended to be run on a dedicated background goroutine for the lifetime of
// an open engine.
func (q *Queue) Run(done *atomic.Bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !done.Load() {
		for !done.Load() && (q.size == 0 || q.waiting) {
			q.cond.Wait()
		}
		if done.Load() {
			return
		}

		end := q.end.Load()
		start := (end + q.capacity() - uint32(q.size)) % q.capacity()
		popped := q.popSome(nil, start, q.startWait(start, end))

		q.mu.Unlock()
		for _, fn := range popped {
			fn()
		}
		q.mu.Lock()
	}
}

// NotifyRun wakes any goroutine blocked in Run, e.g. so it can observe that
// done has been set.
func (q *Queue) NotifyRun() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// popSome appends items in [start, end) to out, clearing and counting them
// as freed. Callers must hold q.mu.
func (q *Queue) popSome(out []func(), start, end uint32) []func() {
	for start != end {
		out = append(out, q.items[start])
		q.items[start] = nil
		start = q.next(start)
		q.size--
	}
	return out
}

// sequenceOrder returns a comparator that linearizes sequence numbers
// relative to end, so sequences from "before this push cycle wrapped" sort
// below ones from "after". npos (unlocked) always sorts last.
func (q *Queue) sequenceOrder(end uint32) func(uint32) uint32 {
	n := q.capacity()
	return func(seq uint32) uint32 {
		switch {
		case seq == npos:
			return seq
		case seq <= end:
			return seq + n
		default:
			return seq
		}
	}
}

// startWait reports the lowest sequence number any registered session still
// holds in [start, end). If a session holds exactly start and no other
// pusher is already waiting on it, startWait arms that session's wait bit so
// its next Unlock wakes the caller, and returns start. Callers must hold
// q.mu.
func (q *Queue) startWait(start, end uint32) uint32 {
	lowest := end
	order := q.sequenceOrder(end)

	q.sessionMu.Lock()
	defer q.sessionMu.Unlock()

	for _, s := range q.sessions {
		seq := s.sequence.Load() &^ waitBit
		if seq == start {
			if q.waiting {
				return start
			}
			if s.sequence.CompareAndSwap(seq, start|waitBit) {
				q.waiting = true
				return start
			}
		}
		if order(seq) < order(lowest) {
			lowest = seq
		}
	}
	return lowest
}
