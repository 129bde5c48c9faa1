package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/port"
	"github.com/vertextoedge/relayget/internal/scheduler"
	"github.com/vertextoedge/relayget/internal/util/ratelimiter"
)

// Scheduler is the work source shared by all workers
type Scheduler interface {
	Fetch() (int64, scheduler.Token, bool)
	Commit(sheet int64, token scheduler.Token, data []byte) error
	Rollback(sheet int64, token scheduler.Token) error
	Flush() error
	AllDone() bool
}

// Config contains downloader configuration
type Config struct {
	// Relays lists the relay specs workers bind to. An empty string is a
	// direct connection.
	Relays          []string
	ThreadsPerRelay int

	URL       string
	Cookies   string
	FileSize  int64
	SheetSize int64

	// MaxConsecutiveFailures is how many failed fetches in a row make a
	// worker give up. Other workers keep going.
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
	CheckpointInterval     time.Duration
}

// DefaultConfig returns default downloader configuration
func DefaultConfig() *Config {
	return &Config{
		Relays:                 []string{""},
		ThreadsPerRelay:        5,
		MaxConsecutiveFailures: 10,
		FailureBackoff:         time.Second,
		CheckpointInterval:     30 * time.Second,
	}
}

// Stats is a snapshot of the worker pool
type Stats struct {
	Workers       int
	ActiveWorkers int
	TotalFailures int64
	Speed         float64
}

type worker struct {
	id        int
	relay     string
	transport port.Transport
	active    atomic.Bool
	failures  int
	sheets    int64
}

// Downloader runs a pool of workers, each permanently bound to one relay,
// that pull sheets from the scheduler and fetch them over their own
// connection.
type Downloader struct {
	config       *Config
	sched        Scheduler
	newTransport port.TransportFactory
	checkpoint   *ratelimiter.Limiter
	logger       *zap.Logger

	running       atomic.Bool
	totalFailures atomic.Int64

	// mu guards the worker list and is never held while calling the scheduler
	mu      sync.Mutex
	workers []*worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Downloader
func New(cfg *Config, sched Scheduler, newTransport port.TransportFactory, logger *zap.Logger) *Downloader {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if len(cfg.Relays) == 0 {
		cfg.Relays = defaults.Relays
	}
	if cfg.ThreadsPerRelay <= 0 {
		cfg.ThreadsPerRelay = defaults.ThreadsPerRelay
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Downloader{
		config:       cfg,
		sched:        sched,
		newTransport: newTransport,
		checkpoint:   ratelimiter.New(cfg.CheckpointInterval),
		logger:       logger,
	}
}

// Perform starts ThreadsPerRelay workers for every relay and returns without
// waiting for them. A relay whose spec the transport rejects is skipped; if
// none is usable, domain.ErrNoUsableRelay is returned.
func (d *Downloader) Perform(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.workers != nil {
		return fmt.Errorf("downloader already running: %w", domain.ErrInvalidStateTransition)
	}

	var workers []*worker
	for _, relay := range d.config.Relays {
		for i := 0; i < d.config.ThreadsPerRelay; i++ {
			tr := d.newTransport()
			if err := tr.SetProxy(relay); err != nil {
				tr.Close()
				d.logger.Warn("skipping relay",
					zap.String("relay", relay),
					zap.Error(err))
				break
			}
			tr.SetURL(d.config.URL)
			tr.SetCookies(d.config.Cookies)
			workers = append(workers, &worker{
				id:        len(workers),
				relay:     relay,
				transport: tr,
			})
		}
	}
	if len(workers) == 0 {
		return domain.ErrNoUsableRelay
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.workers = workers
	d.checkpoint.Start()
	d.running.Store(true)

	d.logger.Info("downloader started",
		zap.Int("relays", len(d.config.Relays)),
		zap.Int("workers", len(workers)))

	for _, w := range workers {
		w.active.Store(true)
		d.wg.Add(1)
		go d.work(ctx, w)
	}
	return nil
}

func (d *Downloader) work(ctx context.Context, w *worker) {
	defer d.wg.Done()
	defer w.active.Store(false)

	logger := d.logger.With(zap.Int("worker", w.id), zap.String("relay", relayName(w.relay)))
	var buf bytes.Buffer
	buf.Grow(int(d.config.SheetSize))

	for d.running.Load() && ctx.Err() == nil {
		sheet, token, ok := d.sched.Fetch()
		if !ok {
			break
		}

		buf.Reset()
		if err := d.fetch(ctx, w.transport, sheet, &buf); err != nil {
			if rbErr := d.sched.Rollback(sheet, token); rbErr != nil {
				logger.Warn("rollback rejected", zap.Int64("sheet", sheet), zap.Error(rbErr))
			}
			w.failures++
			d.totalFailures.Add(1)

			if w.failures > d.config.MaxConsecutiveFailures {
				logger.Warn("worker giving up",
					zap.Int("consecutive_failures", w.failures),
					zap.Error(err))
				return
			}
			logger.Debug("fetch failed",
				zap.Int64("sheet", sheet),
				zap.Int("consecutive_failures", w.failures),
				zap.Error(err))
			if !d.backoff(ctx, err) {
				break
			}
			continue
		}

		w.failures = 0
		w.sheets++
		if err := d.sched.Commit(sheet, token, buf.Bytes()); err != nil {
			logger.Warn("commit failed", zap.Int64("sheet", sheet), zap.Error(err))
		}

		if _, err := d.checkpoint.Do(d.sched.Flush); err != nil {
			logger.Warn("checkpoint flush failed", zap.Error(err))
		}
	}

	logger.Debug("worker finished", zap.Int64("sheets", w.sheets))
}

// fetch downloads one sheet into buf and checks the response covers exactly
// the requested range.
func (d *Downloader) fetch(ctx context.Context, tr port.Transport, sheet int64, buf *bytes.Buffer) error {
	start, end := domain.SheetRange(sheet, d.config.SheetSize, d.config.FileSize)
	want := end - start + 1

	tr.SetRange(domain.RangeHeader(start, end))
	if err := tr.Perform(ctx, &capWriter{buf: buf, limit: want}); err != nil {
		return err
	}

	switch status := tr.HTTPStatus(); {
	case status == http.StatusPartialContent:
	case status == http.StatusOK && start == 0 && want == d.config.FileSize:
	default:
		return fmt.Errorf("range %d-%d: status %d: %w", start, end, status, domain.ErrUnexpectedStatus)
	}

	if int64(buf.Len()) != want {
		return fmt.Errorf("range %d-%d: got %d bytes: %w", start, end, buf.Len(), domain.ErrLengthMismatch)
	}
	return nil
}

// backoff waits before the next attempt and reports false if ctx ended first
func (d *Downloader) backoff(ctx context.Context, err error) bool {
	wait := d.config.FailureBackoff
	if after, ok := domain.GetRetryAfter(err); ok && after > wait {
		wait = after
	}
	if wait <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Terminate stops workers from fetching new sheets and waits up to timeout for
// in-flight requests. Requests still running after that are aborted. The
// worker list is released once every worker has exited.
func (d *Downloader) Terminate(timeout time.Duration) {
	d.running.Store(false)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		d.mu.Lock()
		aborted := 0
		for _, w := range d.workers {
			if w.active.Load() {
				w.transport.Terminate()
				aborted++
			}
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
		d.logger.Info("aborted in-flight requests", zap.Int("workers", aborted))
		<-done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		w.transport.Close()
	}
	d.workers = nil
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Wait blocks until every worker has exited
func (d *Downloader) Wait() {
	d.wg.Wait()
}

// Flush flushes the scheduler, cascading to the cache and the store
func (d *Downloader) Flush() error {
	return d.sched.Flush()
}

// Speed returns the sum of the live workers' transfer rates in bytes/s.
// For display only.
func (d *Downloader) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var speed float64
	for _, w := range d.workers {
		if w.active.Load() {
			speed += w.transport.DownloadSpeed()
		}
	}
	return speed
}

// ActiveWorkers returns how many workers are still running
func (d *Downloader) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, w := range d.workers {
		if w.active.Load() {
			n++
		}
	}
	return n
}

// TotalFailures returns the number of failed fetches since Perform
func (d *Downloader) TotalFailures() int64 {
	return d.totalFailures.Load()
}

// Stats returns a snapshot of the worker pool
func (d *Downloader) Stats() Stats {
	d.mu.Lock()
	workers := len(d.workers)
	d.mu.Unlock()

	return Stats{
		Workers:       workers,
		ActiveWorkers: d.ActiveWorkers(),
		TotalFailures: d.TotalFailures(),
		Speed:         d.Speed(),
	}
}

func relayName(relay string) string {
	if relay == "" {
		return "direct"
	}
	return relay
}

var errBodyTooLong = errors.New("response body longer than requested range")

// capWriter refuses to buffer more than limit bytes, so a server that ignores
// the Range header cannot make a worker hold the whole file in memory.
type capWriter struct {
	buf   *bytes.Buffer
	limit int64
}

func (c *capWriter) Write(p []byte) (int, error) {
	if int64(c.buf.Len()+len(p)) > c.limit {
		return 0, fmt.Errorf("%w: %w", domain.ErrLengthMismatch, errBodyTooLong)
	}
	return c.buf.Write(p)
}
