package fs

import (
	"fmt"
	"os"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// GetDiskUsage returns disk usage for the filesystem holding dir
// Platform-specific implementation in fs_unix.go and fs_windows.go

// Preallocate makes f exactly size bytes long. Where the platform supports it
// the blocks are reserved up front so later random writes cannot fail with
// ENOSPC halfway through a download.
func Preallocate(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() < size {
		if err := reserve(f, info.Size(), size-info.Size()); err != nil {
			return err
		}
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to resize file: %w", err)
	}
	return nil
}

// Exists checks if a path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
