package fsx

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/triedentdb/triedent/pkg/tderrors"
)

// WriterLock is an advisory, interprocess exclusive lock on a dedicated lock
// file, enforcing the single-active-writer rule at L5. This mirrors the
// flock-with-inode-verification pattern used for the engine's own internal
// file locker, simplified to the one mode this engine needs: a single
// process-wide writer, non-blocking acquisition.
type WriterLock struct {
	f *os.File
}

// TryAcquireWriterLock attempts a non-blocking exclusive flock on
// path+".lock", creating the lock file if necessary. Returns
// [tderrors.ErrWriterActive] if another process already holds it.
func TryAcquireWriterLock(path string) (*WriterLock, error) {
	lockPath := path + ".lock"

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fsx: open lock file %s: %w", lockPath, err)
	}

	if err := flockRetryEINTR(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, tderrors.ErrWriterActive
		}
		return nil, fmt.Errorf("fsx: flock %s: %w", lockPath, err)
	}

	return &WriterLock{f: f}, nil
}

// Release drops the lock. The lock file itself is left in place, matching
// the convention that lock files persist across close/reopen cycles.
func (w *WriterLock) Release() error {
	if w == nil || w.f == nil {
		return nil
	}
	unlockErr := flockRetryEINTR(int(w.f.Fd()), syscall.LOCK_UN)
	closeErr := w.f.Close()
	w.f = nil
	if unlockErr != nil {
		return fmt.Errorf("fsx: unlock: %w", unlockErr)
	}
	return closeErr
}

// flockRetryEINTR retries flock on EINTR, which a signal can legitimately
// cause mid-syscall; capped so a pathological signal storm cannot spin
// forever.
func flockRetryEINTR(fd, how int) error {
	const maxRetries = 10000

	var err error
	for range maxRetries {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
	return err
}

// FileIdentity is the (device, inode) pair that uniquely identifies an open
// file's backing inode, used to key the in-process registry that serializes
// multiple same-process handles onto one file.
type FileIdentity struct {
	Dev uint64
	Ino uint64
}

// Identify stats fd and returns its device/inode pair.
func Identify(fd int) (FileIdentity, error) {
	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		return FileIdentity{}, fmt.Errorf("fsx: fstat: %w", err)
	}
	return FileIdentity{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}
