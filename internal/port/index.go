package port

// IndexStorage persists the packed sheet bitmap of a download.
//
// The packed format is MSB-first, 8 sheets per byte, with a zero-padded tail;
// its length is ceil(sheetCount/8). Implementations only move bytes and must
// not interpret them.
type IndexStorage interface {
	// GetData returns the last persisted packed bitmap
	GetData() ([]byte, error)

	// SetData persists a packed bitmap, replacing the previous one
	SetData(data []byte) error

	// IsValid returns true if the storage holds usable prior data
	IsValid() bool

	// Identifier names the storage for logs and error messages
	Identifier() string
}
