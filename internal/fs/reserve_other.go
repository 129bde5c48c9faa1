//go:build !linux

package fs

import "os"

// reserve is a no-op; Preallocate's truncate extends the file sparsely.
func reserve(f *os.File, off, length int64) error {
	return nil
}
