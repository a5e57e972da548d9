package fsx

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// WriteCheckpoint durably publishes data as path using temp-file-plus-rename,
// so a crash mid-write never leaves a torn file. Used for the top-root table
// snapshot taken at each [set_top_root]-style commit, where "torn on crash"
// is unacceptable even though the data files themselves are recovered via
// their own mmap/msync path.
func WriteCheckpoint(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("fsx: write checkpoint %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a checkpoint written by WriteCheckpoint. Returns an error
// satisfying [IsNotExist] if path has never been written.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// IsNotExist reports whether err is the "no checkpoint written yet" case.
func IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
