package sheetstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/fs"
	"github.com/vertextoedge/relayget/internal/port"
)

// Store is a randomly writable file split into fixed-size sheets, together
// with an in-memory bitmap recording which sheets have been written.
//
// index[i] == 1 iff sheet i is present in the backing file. doneSheet always
// equals the number of set entries; it is updated on every transition and
// never recomputed after Open.
type Store struct {
	mu sync.Mutex

	path       string
	size       int64
	sheetSize  int64
	sheetCount int64

	file      *os.File
	index     []byte
	doneSheet int64
	storage   port.IndexStorage
	closed    bool

	logger *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if needed) the destination file at path and sizes it to
// exactly size bytes. If storage holds valid prior data, the packed bitmap is
// loaded from it; a length mismatch fails with domain.ErrCorruptIndex.
// A nil storage keeps the bitmap in memory only.
func Open(path string, size int64, storage port.IndexStorage, sheetSize int64, opts ...Option) (*Store, error) {
	if sheetSize <= 0 {
		return nil, fmt.Errorf("sheet size %d: %w", sheetSize, domain.ErrInvalidInput)
	}
	if size < 0 {
		return nil, fmt.Errorf("file size %d: %w", size, domain.ErrInvalidInput)
	}

	s := &Store{
		path:       path,
		size:       size,
		sheetSize:  sheetSize,
		sheetCount: domain.SheetCount(size, sheetSize),
		storage:    storage,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.index = make([]byte, s.sheetCount)
	if storage != nil && storage.IsValid() {
		data, err := storage.GetData()
		if err != nil {
			return nil, fmt.Errorf("failed to read index from %s: %w", storage.Identifier(), err)
		}
		if int64(len(data)) != PackedLen(s.sheetCount) {
			return nil, fmt.Errorf("%s: got %d bytes, want %d: %w",
				storage.Identifier(), len(data), PackedLen(s.sheetCount), domain.ErrCorruptIndex)
		}
		s.index = Unpack(data, s.sheetCount)
		s.doneSheet = popcount(s.index)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, domain.NewIOError("open", path, err)
	}
	if err := fs.Preallocate(f, size); err != nil {
		f.Close()
		return nil, domain.NewIOError("resize", path, err)
	}
	s.file = f

	s.logger.Debug("sheet store opened",
		zap.String("path", path),
		zap.Int64("size", size),
		zap.Int64("sheet_size", sheetSize),
		zap.Int64("sheet_count", s.sheetCount),
		zap.Int64("done_sheets", s.doneSheet))

	return s, nil
}

// Path returns the destination file path
func (s *Store) Path() string { return s.path }

// Size returns the destination file size in bytes
func (s *Store) Size() int64 { return s.size }

// SheetSize returns the sheet size in bytes
func (s *Store) SheetSize() int64 { return s.sheetSize }

// SheetCount returns the number of sheets
func (s *Store) SheetCount() int64 { return s.sheetCount }

// DoneSheets returns the number of sheets present in the backing file
func (s *Store) DoneSheets() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneSheet
}

// IsDone reports whether sheet i is present in the backing file.
// Indices outside [0, SheetCount) report false.
func (s *Store) IsDone(i int64) bool {
	if i < 0 || i >= s.sheetCount {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[i] != 0
}

// Index returns a copy of the bitmap, one byte (0 or 1) per sheet
func (s *Store) Index() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.index))
	copy(out, s.index)
	return out
}

// byteLen returns how many file bytes count sheets from start cover,
// clamped at EOF so the final short sheet never extends the file.
func (s *Store) byteLen(start, count int64) int64 {
	n := count * s.sheetSize
	if remain := s.size - start*s.sheetSize; n > remain {
		n = remain
	}
	return n
}

func (s *Store) check(startSheet int64) error {
	if s.closed {
		return domain.ErrStoreClosed
	}
	if startSheet < 0 || startSheet >= s.sheetCount {
		return domain.NewRangeError("startSheet", startSheet, s.sheetCount)
	}
	return nil
}

// Write writes count sheets from buf starting at startSheet. The byte count
// is clamped at EOF, and count is clamped to the sheets that exist. On success
// every covered sheet is marked done and the number of sheets written is
// returned. On an I/O failure it returns 0 and the bitmap is not touched.
func (s *Store) Write(buf []byte, startSheet, count int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(startSheet); err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, nil
	}
	if startSheet+count > s.sheetCount {
		count = s.sheetCount - startSheet
	}

	n := s.byteLen(startSheet, count)
	if int64(len(buf)) < n {
		return 0, fmt.Errorf("buffer holds %d bytes, need %d: %w", len(buf), n, domain.ErrInvalidInput)
	}
	if _, err := s.file.WriteAt(buf[:n], startSheet*s.sheetSize); err != nil {
		return 0, domain.NewIOError("write", s.path, err)
	}

	for i := startSheet; i < startSheet+count; i++ {
		if s.index[i] == 0 {
			s.index[i] = 1
			s.doneSheet++
		}
	}
	return count, nil
}

// Read reads count sheets starting at startSheet into buf and returns the
// number of sheets covered by the bytes read; a final partial sheet counts
// as one.
func (s *Store) Read(buf []byte, startSheet, count int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(startSheet); err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, nil
	}
	if startSheet+count > s.sheetCount {
		count = s.sheetCount - startSheet
	}

	n := s.byteLen(startSheet, count)
	if int64(len(buf)) < n {
		return 0, fmt.Errorf("buffer holds %d bytes, need %d: %w", len(buf), n, domain.ErrInvalidInput)
	}
	read, err := s.file.ReadAt(buf[:n], startSheet*s.sheetSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, domain.NewIOError("read", s.path, err)
	}
	return (int64(read) + s.sheetSize - 1) / s.sheetSize, nil
}

// Erase clears the done flag of count sheets starting at startSheet.
// Clearing an already clear sheet has no effect.
func (s *Store) Erase(startSheet, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(startSheet); err != nil {
		return err
	}
	end := startSheet + count
	if end > s.sheetCount {
		end = s.sheetCount
	}
	for i := startSheet; i < end; i++ {
		if s.index[i] != 0 {
			s.index[i] = 0
			s.doneSheet--
		}
	}
	return nil
}

// Flush syncs the file, then persists the packed bitmap through the storage
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if err := s.file.Sync(); err != nil {
		return domain.NewIOError("sync", s.path, err)
	}
	if s.storage == nil {
		return nil
	}
	if err := s.storage.SetData(Pack(s.index)); err != nil {
		return fmt.Errorf("failed to persist index to %s: %w", s.storage.Identifier(), err)
	}
	return nil
}

// Close flushes and releases the file. The store is unusable afterwards;
// closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.flushLocked()
	closeErr := s.file.Close()
	if closeErr != nil {
		closeErr = domain.NewIOError("close", s.path, closeErr)
	}

	s.logger.Debug("sheet store closed",
		zap.String("path", s.path),
		zap.Int64("done_sheets", s.doneSheet),
		zap.Int64("sheet_count", s.sheetCount))

	return errors.Join(flushErr, closeErr)
}
