package port

// SpaceCheckResult contains detailed space availability information
type SpaceCheckResult struct {
	HasSpace    bool
	NeededBytes int64
	FreeBytes   uint64
	DiskUsedPct float64
}

// SpaceManager defines the interface for space management operations
type SpaceManager interface {
	// CheckSpace checks if the filesystem holding dir can take neededBytes more
	CheckSpace(dir string, neededBytes int64) (*SpaceCheckResult, error)
}
