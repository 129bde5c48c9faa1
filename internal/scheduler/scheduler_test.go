package scheduler

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/pagecache"
	"github.com/vertextoedge/relayget/internal/sheetstore"
)

type fakeBitmap struct {
	mu    sync.Mutex
	count int64
	done  map[int64]bool
}

func newFakeBitmap(count int64, done ...int64) *fakeBitmap {
	b := &fakeBitmap{count: count, done: make(map[int64]bool)}
	for _, i := range done {
		b.done[i] = true
	}
	return b
}

func (b *fakeBitmap) IsDone(i int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done[i]
}

func (b *fakeBitmap) SheetCount() int64 { return b.count }

func (b *fakeBitmap) DoneSheets() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.done))
}

func (b *fakeBitmap) mark(i int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[i] = true
}

// fakeCache marks sheets done as soon as they are committed
type fakeCache struct {
	bitmap    *fakeBitmap
	committed []int64
	commitErr error
	flushErr  error
}

func (c *fakeCache) Commit(sheet int64, data []byte) error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = append(c.committed, sheet)
	c.bitmap.mark(sheet)
	return nil
}

func (c *fakeCache) Flush() error            { return c.flushErr }
func (c *fakeCache) Stats() pagecache.Stats { return pagecache.Stats{} }

func newTestScheduler(bitmap *fakeBitmap, scanCount int, strict bool) (*Scheduler, *fakeCache) {
	cache := &fakeCache{bitmap: bitmap}
	s := New(&Config{ScanCount: scanCount, StrictTokens: strict}, bitmap, cache, nil)
	return s, cache
}

func mustFetch(t *testing.T, s *Scheduler) (int64, Token) {
	t.Helper()
	sheet, token, ok := s.Fetch()
	if !ok {
		t.Fatal("Fetch() returned no work")
	}
	return sheet, token
}

func TestScheduler_FetchSkipsDoneSheets(t *testing.T) {
	s, _ := newTestScheduler(newFakeBitmap(10, 3), 4, true)

	want := []int64{0, 1, 2, 4, 5, 6}
	for i, w := range want {
		got, _ := mustFetch(t, s)
		if got != w {
			t.Fatalf("fetch %d = %d, want %d", i, got, w)
		}
	}
}

func TestScheduler_FetchOverSheetStore(t *testing.T) {
	store, err := sheetstore.Open(filepath.Join(t.TempDir(), "f"), 10, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.Write([]byte{1}, 3, 1); err != nil {
		t.Fatal(err)
	}
	cache, err := pagecache.New(store, 4, 2)
	if err != nil {
		t.Fatal(err)
	}

	s := New(&Config{ScanCount: 4, StrictTokens: true}, store, cache, nil)

	var got []int64
	for i := 0; i < 6; i++ {
		sheet, _ := mustFetch(t, s)
		got = append(got, sheet)
	}
	want := []int64{0, 1, 2, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fetch order = %v, want %v", got, want)
		}
	}
}

func TestScheduler_RollbackIsServedNext(t *testing.T) {
	for _, strict := range []bool{true, false} {
		s, _ := newTestScheduler(newFakeBitmap(20), 8, strict)

		mustFetch(t, s)
		sheet, token := mustFetch(t, s)
		mustFetch(t, s)

		if err := s.Rollback(sheet, token); err != nil {
			t.Fatalf("strict=%v: Rollback() error = %v", strict, err)
		}
		if got, _ := mustFetch(t, s); got != sheet {
			t.Errorf("strict=%v: fetch after rollback = %d, want %d", strict, got, sheet)
		}
	}
}

func TestScheduler_CommitAndAllDone(t *testing.T) {
	bitmap := newFakeBitmap(5, 1)
	s, cache := newTestScheduler(bitmap, 2, true)

	if s.AllDone() {
		t.Fatal("AllDone() before any work")
	}

	var fetched int
	for {
		sheet, token, ok := s.Fetch()
		if !ok {
			break
		}
		fetched++
		if s.AllDone() {
			t.Fatalf("AllDone() with sheet %d outstanding", sheet)
		}
		if err := s.Commit(sheet, token, []byte{byte(sheet)}); err != nil {
			t.Fatal(err)
		}
	}

	if fetched != 4 {
		t.Errorf("fetched %d sheets, want 4", fetched)
	}
	if len(cache.committed) != 4 {
		t.Errorf("committed %v", cache.committed)
	}
	if !s.AllDone() {
		t.Errorf("AllDone() = false, stats %+v", s.Stats())
	}
	if s.DoneSheets() != 5 {
		t.Errorf("DoneSheets() = %d, want 5", s.DoneSheets())
	}
}

func TestScheduler_NotDoneWhileOutstanding(t *testing.T) {
	s, _ := newTestScheduler(newFakeBitmap(1), 4, true)

	sheet, token := mustFetch(t, s)
	if _, _, ok := s.Fetch(); ok {
		t.Fatal("Fetch() returned work beyond the last sheet")
	}
	if s.AllDone() {
		t.Fatal("AllDone() with a sheet outstanding")
	}

	if err := s.Rollback(sheet, token); err != nil {
		t.Fatal(err)
	}
	if s.AllDone() {
		t.Fatal("AllDone() with a sheet in the rollback queue")
	}

	sheet, token = mustFetch(t, s)
	if err := s.Commit(sheet, token, []byte{0}); err != nil {
		t.Fatal(err)
	}
	if !s.AllDone() {
		t.Error("AllDone() = false after the only sheet was committed")
	}
}

func TestScheduler_StrictTokens(t *testing.T) {
	s, cache := newTestScheduler(newFakeBitmap(10), 4, true)

	sheet, token := mustFetch(t, s)

	tests := []struct {
		name  string
		sheet int64
		token Token
	}{
		{name: "unknown token", sheet: sheet, token: uuid.New()},
		{name: "nil token", sheet: sheet, token: uuid.Nil},
		{name: "sheet never issued", sheet: 7, token: token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Commit(tt.sheet, tt.token, []byte{1}); !errors.Is(err, domain.ErrStaleToken) {
				t.Errorf("Commit() error = %v, want ErrStaleToken", err)
			}
			if err := s.Rollback(tt.sheet, tt.token); !errors.Is(err, domain.ErrStaleToken) {
				t.Errorf("Rollback() error = %v, want ErrStaleToken", err)
			}
		})
	}
	if len(cache.committed) != 0 {
		t.Fatalf("stale commits reached the cache: %v", cache.committed)
	}

	if err := s.Commit(sheet, token, []byte{1}); err != nil {
		t.Fatalf("Commit(valid) error = %v", err)
	}
	if err := s.Commit(sheet, token, []byte{1}); !errors.Is(err, domain.ErrStaleToken) {
		t.Errorf("second Commit() error = %v, want ErrStaleToken", err)
	}
}

func TestScheduler_StrictRollbackDeduplicates(t *testing.T) {
	s, _ := newTestScheduler(newFakeBitmap(10), 4, true)

	sheet, token := mustFetch(t, s)
	if err := s.Rollback(sheet, token); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(sheet, token); !errors.Is(err, domain.ErrStaleToken) {
		t.Fatalf("second Rollback() error = %v, want ErrStaleToken", err)
	}
	if got := s.Stats().Rollbacks; got != 1 {
		t.Errorf("rollback queue length = %d, want 1", got)
	}
}

func TestScheduler_PermissiveTokens(t *testing.T) {
	s, cache := newTestScheduler(newFakeBitmap(10), 4, false)

	sheet, _ := mustFetch(t, s)

	if err := s.Rollback(sheet, uuid.Nil); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if err := s.Rollback(sheet, uuid.Nil); err != nil {
		t.Fatalf("second Rollback() error = %v", err)
	}
	if got := s.Stats().Rollbacks; got != 2 {
		t.Errorf("rollback queue length = %d, want 2", got)
	}

	// The first copy is handed out again; once committed the duplicate is
	// dropped because the sheet is already done.
	again, token := mustFetch(t, s)
	if again != sheet {
		t.Fatalf("fetch = %d, want %d", again, sheet)
	}
	if err := s.Commit(again, token, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if next, _ := mustFetch(t, s); next == sheet {
		t.Errorf("done sheet %d was handed out twice", sheet)
	}
	if len(cache.committed) != 1 {
		t.Errorf("committed = %v", cache.committed)
	}

	if err := s.Commit(5, uuid.New(), []byte{1}); err != nil {
		t.Errorf("Commit() with an unrelated token error = %v, want nil", err)
	}
}

func TestScheduler_OutOfRange(t *testing.T) {
	for _, strict := range []bool{true, false} {
		s, _ := newTestScheduler(newFakeBitmap(4), 4, strict)
		if err := s.Rollback(4, uuid.New()); !errors.Is(err, domain.ErrOutOfRange) {
			t.Errorf("strict=%v: Rollback(4) error = %v, want ErrOutOfRange", strict, err)
		}
		if err := s.Commit(-1, uuid.New(), nil); !errors.Is(err, domain.ErrOutOfRange) {
			t.Errorf("strict=%v: Commit(-1) error = %v, want ErrOutOfRange", strict, err)
		}
	}
}

func TestScheduler_WriteBackFailureRequeues(t *testing.T) {
	bitmap := newFakeBitmap(10)
	s, cache := newTestScheduler(bitmap, 4, true)

	sheet, token := mustFetch(t, s)
	cache.commitErr = &domain.WriteBackError{Sheets: []int64{6, 7}, Err: errors.New("disk full")}
	err := s.Commit(sheet, token, []byte{1})
	if _, ok := domain.AsWriteBackError(err); !ok {
		t.Fatalf("Commit() error = %v, want WriteBackError", err)
	}
	cache.commitErr = nil

	stats := s.Stats()
	if stats.Rollbacks != 2 || stats.Outstanding != 0 {
		t.Fatalf("stats = %+v, want 2 rollbacks and nothing outstanding", stats)
	}
	for _, want := range []int64{6, 7} {
		if got, _ := mustFetch(t, s); got != want {
			t.Errorf("fetch = %d, want lost sheet %d", got, want)
		}
	}
}

func TestScheduler_CommitFailureRequeuesSheet(t *testing.T) {
	s, cache := newTestScheduler(newFakeBitmap(10), 4, true)

	mustFetch(t, s)
	sheet, token := mustFetch(t, s)
	cache.commitErr = domain.ErrInvalidInput
	if err := s.Commit(sheet, token, []byte{1}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Commit() error = %v", err)
	}
	cache.commitErr = nil

	if got, _ := mustFetch(t, s); got != sheet {
		t.Errorf("fetch = %d, want rejected sheet %d", got, sheet)
	}
}

func TestScheduler_FlushRequeuesLostSheets(t *testing.T) {
	s, cache := newTestScheduler(newFakeBitmap(10), 10, true)

	for i := 0; i < 3; i++ {
		mustFetch(t, s)
	}
	cache.flushErr = errors.Join(&domain.WriteBackError{Sheets: []int64{2}, Err: errors.New("eio")})

	if err := s.Flush(); err == nil {
		t.Fatal("Flush() error = nil")
	}
	if got, _ := mustFetch(t, s); got != 2 {
		t.Errorf("fetch after failed flush = %d, want 2", got)
	}
}

func TestScheduler_ConcurrentWorkersCoverEverySheet(t *testing.T) {
	const sheets = 500
	bitmap := newFakeBitmap(sheets)
	cache := &lockedCache{fakeCache: fakeCache{bitmap: bitmap}}
	s := New(&Config{ScanCount: 16, StrictTokens: true}, bitmap, cache, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			n := 0
			for {
				sheet, token, ok := s.Fetch()
				if !ok {
					return
				}
				n++
				if (n+w)%5 == 0 {
					if err := s.Rollback(sheet, token); err != nil {
						t.Error(err)
					}
					continue
				}
				if err := s.Commit(sheet, token, []byte{1}); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()

	if !s.AllDone() {
		t.Fatalf("AllDone() = false, stats %+v", s.Stats())
	}
	if got := bitmap.DoneSheets(); got != sheets {
		t.Errorf("done sheets = %d, want %d", got, sheets)
	}
	if len(cache.committed) != sheets {
		t.Errorf("commits = %d, want exactly %d", len(cache.committed), sheets)
	}
}

type lockedCache struct {
	mu sync.Mutex
	fakeCache
}

func (c *lockedCache) Commit(sheet int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fakeCache.Commit(sheet, data)
}
