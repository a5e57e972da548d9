package gcqueue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushWithNoSessionsRunsImmediately(t *testing.T) {
	q := New(8)

	var ran atomic.Bool
	q.Push(func() { ran.Store(true) })

	require.True(t, ran.Load())
}

func TestPushHeldBackBySessionThenReleasedOnUnlock(t *testing.T) {
	q := New(8)
	s := q.NewSession()
	defer s.Close()

	s.Lock()

	// Fill the queue to one short of capacity so the next push is forced
	// to wait on the held session rather than just appending.
	for i := 0; i < 8; i++ {
		q.Push(func() {})
	}

	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		q.Push(func() { ran.Store(true) })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push should not have run the cleanup while the session was locked")
	case <-time.After(20 * time.Millisecond):
	}
	require.False(t, ran.Load())

	s.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after session unlock")
	}
}

func TestPollReclaimsWithoutBlockingSessions(t *testing.T) {
	q := New(8)

	var n int
	for i := 0; i < 3; i++ {
		q.Push(func() { n++ })
	}
	q.Poll()
	require.Equal(t, 3, n)
}

func TestFlushDrainsEverythingWithNoSessions(t *testing.T) {
	q := New(8)

	var n int
	for i := 0; i < 4; i++ {
		q.Push(func() { n++ })
	}
	q.Flush()
	require.Equal(t, 4, n)
}

func TestRunProcessesUntilDone(t *testing.T) {
	q := New(8)

	var done atomic.Bool
	runDone := make(chan struct{})
	go func() {
		q.Run(&done)
		close(runDone)
	}()

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		q.Push(func() { n.Add(1) })
	}

	require.Eventually(t, func() bool { return n.Load() == 5 }, time.Second, time.Millisecond)

	done.Store(true)
	q.NotifyRun()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("run never observed done")
	}
}

func TestSessionCloseRemovesItFromStartWait(t *testing.T) {
	q := New(8)
	s := q.NewSession()
	s.Lock()
	s.Close()

	var ran atomic.Bool
	q.Push(func() { ran.Store(true) })
	require.True(t, ran.Load())
}
