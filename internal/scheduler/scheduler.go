package scheduler

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/pagecache"
)

// Token correlates a Commit or Rollback with the Fetch that issued the sheet
type Token = uuid.UUID

// Bitmap is a read-only view of the store's done flags
type Bitmap interface {
	IsDone(sheet int64) bool
	SheetCount() int64
	DoneSheets() int64
}

// Cache is the write-back cache the scheduler commits into
type Cache interface {
	Commit(sheet int64, data []byte) error
	Flush() error
	Stats() pagecache.Stats
}

// Config contains scheduler configuration
type Config struct {
	// ScanCount bounds how many consecutive sheets one scan step discovers
	ScanCount int

	// StrictTokens rejects a Commit or Rollback whose token is not the one
	// last issued for that sheet. When false, tokens are ignored and every
	// Rollback queues the sheet again.
	StrictTokens bool
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() *Config {
	return &Config{
		ScanCount:    64,
		StrictTokens: true,
	}
}

// Stats is a snapshot of scheduler state
type Stats struct {
	SheetCount  int64
	DoneSheets  int64
	Cursor      int64
	Pending     int
	Rollbacks   int
	Outstanding int
	Cache       pagecache.Stats
}

// Scheduler hands out sheet indices to workers and accepts their results.
//
// Work is served from the rollback FIFO first, then the pending FIFO, then by
// scanning forward from the cursor over sheets the bitmap does not mark done.
// A sheet sits in at most one queue at a time.
type Scheduler struct {
	mu sync.Mutex

	bitmap     Bitmap
	cache      Cache
	sheetCount int64
	scanCount  int64
	strict     bool

	cursor    int64
	pending   []int64
	rollbacks []int64
	queued    *roaring64.Bitmap
	issued    map[int64]Token

	logger *zap.Logger
}

// New creates a scheduler over bitmap, committing data into cache
func New(cfg *Config, bitmap Bitmap, cache Cache, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = DefaultConfig().ScanCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		bitmap:     bitmap,
		cache:      cache,
		sheetCount: bitmap.SheetCount(),
		scanCount:  int64(cfg.ScanCount),
		strict:     cfg.StrictTokens,
		queued:     roaring64.New(),
		issued:     make(map[int64]Token),
		logger:     logger,
	}
}

// Fetch returns the next sheet to download and a token for it. ok is false
// when no work is available right now, which is not the same as AllDone:
// issued sheets may still come back through Rollback.
func (s *Scheduler) Fetch() (sheet int64, token Token, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		switch {
		case len(s.rollbacks) > 0:
			sheet, s.rollbacks = s.rollbacks[0], s.rollbacks[1:]
		case len(s.pending) > 0:
			sheet, s.pending = s.pending[0], s.pending[1:]
		case s.scan():
			continue
		default:
			return 0, uuid.Nil, false
		}

		s.queued.Remove(uint64(sheet))
		if s.bitmap.IsDone(sheet) {
			continue
		}

		token = uuid.New()
		s.issued[sheet] = token
		return sheet, token, true
	}
}

// scan moves the next run of at most scanCount not-done sheets into the
// pending FIFO and reports whether it found any.
func (s *Scheduler) scan() bool {
	start := s.cursor
	for start < s.sheetCount && s.bitmap.IsDone(start) {
		start++
	}
	if start >= s.sheetCount {
		s.cursor = s.sheetCount
		return false
	}

	end := start
	for end < s.sheetCount && end-start < s.scanCount && !s.bitmap.IsDone(end) {
		end++
	}
	for i := start; i < end; i++ {
		s.pending = append(s.pending, i)
		s.queued.Add(uint64(i))
	}
	s.cursor = end
	return true
}

// Commit hands the downloaded data for sheet to the cache.
//
// If the cache reports that buffered sheets could not be written, those
// sheets are queued for another fetch and the error is returned.
func (s *Scheduler) Commit(sheet int64, token Token, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.release(sheet, token); err != nil {
		return err
	}

	err := s.cache.Commit(sheet, data)
	if err == nil {
		return nil
	}
	if wb, ok := domain.AsWriteBackError(err); ok {
		s.requeue(wb.Sheets)
	} else {
		s.requeue([]int64{sheet})
	}
	return err
}

// Rollback returns a sheet whose fetch failed. It is served again before any
// other work.
func (s *Scheduler) Rollback(sheet int64, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.release(sheet, token); err != nil {
		return err
	}

	if s.strict {
		s.requeue([]int64{sheet})
		return nil
	}
	s.rollbacks = append(s.rollbacks, sheet)
	s.queued.Add(uint64(sheet))
	return nil
}

// release checks the token for sheet and forgets the outstanding fetch
func (s *Scheduler) release(sheet int64, token Token) error {
	if sheet < 0 || sheet >= s.sheetCount {
		return domain.NewRangeError("sheet", sheet, s.sheetCount)
	}
	if s.strict {
		issued, ok := s.issued[sheet]
		if !ok || issued != token {
			s.logger.Debug("rejected stale token",
				zap.Int64("sheet", sheet),
				zap.String("token", token.String()))
			return domain.ErrStaleToken
		}
	}
	delete(s.issued, sheet)
	return nil
}

// requeue pushes sheets onto the rollback FIFO unless already queued
func (s *Scheduler) requeue(sheets []int64) {
	for _, sheet := range sheets {
		if s.queued.Contains(uint64(sheet)) {
			continue
		}
		s.rollbacks = append(s.rollbacks, sheet)
		s.queued.Add(uint64(sheet))
	}
}

// Flush writes every buffered page through to the store and persists the index
func (s *Scheduler) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.cache.Flush()
	if wb, ok := domain.AsWriteBackError(err); ok {
		s.requeue(wb.Sheets)
	}
	return err
}

// AllDone reports whether every sheet has been handed out and accounted for:
// both FIFOs are empty, the scan reached the end and no fetch is outstanding.
func (s *Scheduler) AllDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rollbacks) == 0 &&
		len(s.pending) == 0 &&
		s.cursor >= s.sheetCount &&
		len(s.issued) == 0
}

// SheetCount returns the number of sheets
func (s *Scheduler) SheetCount() int64 {
	return s.sheetCount
}

// DoneSheets returns the number of sheets durably written
func (s *Scheduler) DoneSheets() int64 {
	return s.bitmap.DoneSheets()
}

// Stats returns a snapshot of scheduler state
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SheetCount:  s.sheetCount,
		DoneSheets:  s.bitmap.DoneSheets(),
		Cursor:      s.cursor,
		Pending:     len(s.pending),
		Rollbacks:   len(s.rollbacks),
		Outstanding: len(s.issued),
		Cache:       s.cache.Stats(),
	}
}
