package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"math/bits"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/port"
)

// Index is the sheet index of one download, stored as a row of sheet_index
type Index struct {
	store      *Store
	savePath   string
	sheetCount int64
}

// Ensure Index implements port.IndexStorage
var _ port.IndexStorage = (*Index)(nil)

// Index returns the storage for savePath's index of sheetCount sheets
func (s *Store) Index(savePath string, sheetCount int64) *Index {
	return &Index{store: s, savePath: savePath, sheetCount: sheetCount}
}

// GetData returns the stored packed index
func (i *Index) GetData() ([]byte, error) {
	var data []byte
	err := i.store.db.QueryRow(`SELECT data FROM sheet_index WHERE save_path = ?`, i.savePath).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no index for %s: %w", i.savePath, domain.ErrJobNotExists)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index for %s: %w", i.savePath, err)
	}
	return data, nil
}

// SetData stores the packed index, replacing any previous one
func (i *Index) SetData(data []byte) error {
	if want := domain.PackedIndexLen(i.sheetCount); int64(len(data)) != want {
		return fmt.Errorf("index of %s: got %d bytes, want %d: %w",
			i.savePath, len(data), want, domain.ErrCorruptIndex)
	}

	_, err := i.store.db.Exec(`
		INSERT INTO sheet_index (save_path, sheet_count, data, done_sheets)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(save_path) DO UPDATE SET
			sheet_count = excluded.sheet_count,
			data = excluded.data,
			done_sheets = excluded.done_sheets,
			updated_at = CURRENT_TIMESTAMP
	`, i.savePath, i.sheetCount, data, countBits(data))
	if err != nil {
		return fmt.Errorf("failed to write index for %s: %w", i.savePath, err)
	}
	return nil
}

// IsValid reports whether a row exists for this download. A row recorded
// with a different sheet count is reported valid so that the store rejects
// its length as corrupt instead of silently starting over.
func (i *Index) IsValid() bool {
	var n int
	err := i.store.db.QueryRow(`SELECT COUNT(*) FROM sheet_index WHERE save_path = ?`, i.savePath).Scan(&n)
	return err == nil && n > 0
}

// Identifier names the database and row
func (i *Index) Identifier() string {
	return fmt.Sprintf("sqlite:%s#%s", i.store.path, i.savePath)
}

// Delete removes the row
func (i *Index) Delete() error {
	return i.store.Delete(i.savePath)
}

func countBits(data []byte) int64 {
	var n int
	for _, b := range data {
		n += bits.OnesCount8(b)
	}
	return int64(n)
}
