package pagecache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/domain"
)

// SheetWriter is the part of the sheet store the cache writes through
type SheetWriter interface {
	Write(buf []byte, startSheet, count int64) (int64, error)
	Flush() error
	SheetSize() int64
	SheetCount() int64
}

// page buffers pageSize consecutive sheets starting at start.
// capacity is the number of those sheets that exist in the file; it is
// smaller than pageSize only for the last page.
type page struct {
	start    int64
	capacity int
	buf      []byte
	used     []bool
	done     int
	elem     *list.Element
}

func (p *page) reset() {
	for i := range p.used {
		p.used[i] = false
	}
	p.done = 0
}

// Stats is a snapshot of page usage
type Stats struct {
	SheetSize    int64
	PageSize     int
	PageCount    int
	CreatedPages int
	WorkingPages int
	FreePages    int
}

// Cache batches sheet writes into pages so that the store sees large,
// contiguous writes. Pages are evicted oldest-working-first when the pool of
// pageCount pages is exhausted, and a page is written out as soon as every
// sheet in it has been committed.
type Cache struct {
	mu sync.Mutex

	store     SheetWriter
	sheetSize int64
	pageSize  int
	pageCount int
	created   int

	pages   map[int64]*page
	free    []*page
	working *list.List

	logger *zap.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger used by the cache
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a cache of at most pageCount pages of pageSize sheets each
func New(store SheetWriter, pageSize, pageCount int, opts ...Option) (*Cache, error) {
	if pageSize <= 0 || pageCount <= 0 {
		return nil, fmt.Errorf("page size %d, page count %d: %w", pageSize, pageCount, domain.ErrInvalidInput)
	}

	c := &Cache{
		store:     store,
		sheetSize: store.SheetSize(),
		pageSize:  pageSize,
		pageCount: pageCount,
		pages:     make(map[int64]*page),
		working:   list.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Commit copies one sheet of data into its page. data may be shorter than
// the sheet size (the final sheet of the file); the rest of the slot is
// zero-filled and the store clamps the write at EOF. Re-committing a sheet
// overwrites its slot without counting it twice.
//
// A *domain.WriteBackError is returned if an eviction or a full-page flush
// triggered by this commit could not reach the store.
func (c *Cache) Commit(sheet int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sheetCount := c.store.SheetCount(); sheet < 0 || sheet >= sheetCount {
		return domain.NewRangeError("sheet", sheet, sheetCount)
	}
	if int64(len(data)) > c.sheetSize {
		return fmt.Errorf("sheet %d: %d bytes exceeds sheet size %d: %w",
			sheet, len(data), c.sheetSize, domain.ErrInvalidInput)
	}

	p, wbErr := c.openPage(sheet / int64(c.pageSize))

	i := int(sheet - p.start)
	slot := p.buf[int64(i)*c.sheetSize : int64(i+1)*c.sheetSize]
	n := copy(slot, data)
	clear(slot[n:])

	if !p.used[i] {
		p.used[i] = true
		p.done++
	}

	if p.done == p.capacity {
		wbErr = wbErr.Join(c.closePage(p))
		c.working.Remove(p.elem)
		p.elem = nil
		c.free = append(c.free, p)
	}

	if wbErr != nil {
		return wbErr
	}
	return nil
}

// Flush writes out every working page, full or partial, returns them all to
// the free pool and then flushes the store.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var wbErr *domain.WriteBackError
	for e := c.working.Front(); e != nil; e = e.Next() {
		p := e.Value.(*page)
		wbErr = wbErr.Join(c.closePage(p))
		p.elem = nil
		c.free = append(c.free, p)
	}
	c.working.Init()

	storeErr := c.store.Flush()
	if wbErr != nil {
		return errors.Join(wbErr, storeErr)
	}
	return storeErr
}

// Stats returns a snapshot of page usage
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SheetSize:    c.sheetSize,
		PageSize:     c.pageSize,
		PageCount:    c.pageCount,
		CreatedPages: c.created,
		WorkingPages: c.working.Len(),
		FreePages:    len(c.free),
	}
}

// openPage returns the working page for pageIndex, mapping one from the free
// pool, a fresh allocation, or by evicting the oldest working page.
func (c *Cache) openPage(pageIndex int64) (*page, *domain.WriteBackError) {
	if p, ok := c.pages[pageIndex]; ok {
		return p, nil
	}

	var p *page
	var wbErr *domain.WriteBackError
	switch {
	case len(c.free) > 0:
		p = c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
	case c.created < c.pageCount:
		p = &page{
			buf:  make([]byte, int64(c.pageSize)*c.sheetSize),
			used: make([]bool, c.pageSize),
		}
		c.created++
	default:
		front := c.working.Front()
		p = front.Value.(*page)
		c.working.Remove(front)
		wbErr = c.closePage(p)
		c.logger.Debug("evicted page",
			zap.Int64("start_sheet", p.start),
			zap.Int64("new_start_sheet", pageIndex*int64(c.pageSize)))
	}

	p.start = pageIndex * int64(c.pageSize)
	p.capacity = c.pageSize
	if remain := c.store.SheetCount() - p.start; remain < int64(p.capacity) {
		p.capacity = int(remain)
	}
	p.elem = c.working.PushBack(p)
	c.pages[pageIndex] = p
	return p, wbErr
}

// closePage writes the page's committed sheets to the store, unmaps and
// clears it. A full page goes out in one write; otherwise each maximal run of
// committed sheets is written separately so that gaps are left untouched.
func (c *Cache) closePage(p *page) *domain.WriteBackError {
	delete(c.pages, p.start/int64(c.pageSize))
	defer p.reset()

	if p.done == p.capacity {
		return c.writeRun(p, 0, p.capacity)
	}

	var wbErr *domain.WriteBackError
	i := 0
	for i < p.capacity {
		for i < p.capacity && !p.used[i] {
			i++
		}
		j := i
		for j < p.capacity && p.used[j] {
			j++
		}
		if i < j {
			wbErr = wbErr.Join(c.writeRun(p, i, j))
		}
		i = j
	}
	return wbErr
}

func (c *Cache) writeRun(p *page, from, to int) *domain.WriteBackError {
	buf := p.buf[int64(from)*c.sheetSize : int64(to)*c.sheetSize]
	if _, err := c.store.Write(buf, p.start+int64(from), int64(to-from)); err != nil {
		sheets := make([]int64, 0, to-from)
		for i := from; i < to; i++ {
			sheets = append(sheets, p.start+int64(i))
		}
		c.logger.Warn("page write-back failed",
			zap.Int64("start_sheet", p.start+int64(from)),
			zap.Int("sheets", to-from),
			zap.Error(err))
		return &domain.WriteBackError{Sheets: sheets, Err: err}
	}
	return nil
}
