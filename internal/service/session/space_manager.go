package session

import (
	"github.com/vertextoedge/relayget/internal/fs"
	"github.com/vertextoedge/relayget/internal/port"
)

// SpaceManager checks that the output filesystem can take a download
type SpaceManager struct {
	usage   func(dir string) (*fs.DiskUsage, error)
	minFree int64
}

// NewSpaceManager creates a SpaceManager that keeps minFree bytes free
func NewSpaceManager(minFree int64) *SpaceManager {
	return &SpaceManager{
		usage:   fs.GetDiskUsage,
		minFree: minFree,
	}
}

// CheckSpace checks if the filesystem holding dir can take neededBytes more
func (sm *SpaceManager) CheckSpace(dir string, neededBytes int64) (*port.SpaceCheckResult, error) {
	result := &port.SpaceCheckResult{NeededBytes: neededBytes}
	if neededBytes <= 0 {
		result.HasSpace = true
		return result, nil
	}

	usage, err := sm.usage(dir)
	if err != nil {
		return nil, err
	}
	result.FreeBytes = usage.Free
	result.DiskUsedPct = usage.UsedPct

	if uint64(neededBytes+sm.minFree) > usage.Free {
		return result, nil
	}

	result.HasSpace = true
	return result, nil
}

// Ensure SpaceManager implements port.SpaceManager
var _ port.SpaceManager = (*SpaceManager)(nil)
