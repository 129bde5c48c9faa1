//go:build linux

package fs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// reserve allocates length bytes starting at off with fallocate(2).
// Filesystems without fallocate support fall back to a sparse truncate.
func reserve(f *os.File, off, length int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, off, length)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return fmt.Errorf("failed to preallocate file: %w", err)
}
