//go:build !windows
// +build !windows

package fs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetDiskUsage returns disk usage for the filesystem holding dir
func GetDiskUsage(dir string) (*DiskUsage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free

	usage := &DiskUsage{
		Total: total,
		Used:  used,
		Free:  free,
	}
	if total > 0 {
		usage.UsedPct = float64(used) / float64(total) * 100
	}
	return usage, nil
}
