package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Snapshot is one observation of a running download
type Snapshot struct {
	DoneSheets int64
	SheetCount int64
	DoneBytes  int64
	TotalBytes int64
	Speed      float64
	// CacheWorking and CacheAll are page cache sizes in bytes
	CacheWorking int64
	CacheAll     int64
	Active       int
}

// Percent returns whole-percent completion, rounded down
func (s Snapshot) Percent() int64 {
	if s.SheetCount <= 0 {
		return 100
	}
	return s.DoneSheets * 100 / s.SheetCount
}

// Line formats the snapshot as a single status line
func (s Snapshot) Line() string {
	return fmt.Sprintf("Progress: %d%%, %s/%s. Speed: %s/s. Cache: %s/%s.",
		s.Percent(), humanize.IBytes(uint64(s.DoneBytes)), humanize.IBytes(uint64(s.TotalBytes)),
		humanize.IBytes(uint64(s.Speed)),
		humanize.IBytes(uint64(s.CacheWorking)), humanize.IBytes(uint64(s.CacheAll)))
}

// Source produces snapshots
type Source func() Snapshot

// Reporter periodically renders snapshots
type Reporter struct {
	out      io.Writer
	interval time.Duration
	live     bool

	mu   sync.Mutex
	last Snapshot
}

// New returns a reporter writing to out. A live bar is used when out is
// a terminal and quiet is false; quiet suppresses output entirely.
func New(out io.Writer, interval time.Duration, quiet bool) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r := &Reporter{out: out, interval: interval}
	if quiet {
		r.out = io.Discard
		return r
	}
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		r.live = true
	}
	return r
}

// Last returns the most recent snapshot taken by Run
func (r *Reporter) Last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) observe(src Source) Snapshot {
	s := src()
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
	return s
}

// Run renders src every interval until no worker is active or ctx is done
func (r *Reporter) Run(ctx context.Context, src Source) Snapshot {
	if r.live {
		return r.runBar(ctx, src)
	}
	return r.runLines(ctx, src)
}

func (r *Reporter) runLines(ctx context.Context, src Source) Snapshot {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.observe(src)
		case <-ticker.C:
		}

		s := r.observe(src)
		fmt.Fprintln(r.out, s.Line())
		if s.Active == 0 {
			return s
		}
	}
}

func (r *Reporter) runBar(ctx context.Context, src Source) Snapshot {
	s := r.observe(src)

	p := mpb.New(mpb.WithOutput(r.out), mpb.WithWidth(48), mpb.WithRefreshRate(r.interval))
	bar := p.AddBar(s.SheetCount,
		mpb.PrependDecorators(
			decor.Name("sheets", decor.WCSyncWidth),
			decor.CountersNoUnit(" %d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 6}), "done"),
			decor.Any(func(decor.Statistics) string {
				last := r.Last()
				return fmt.Sprintf("  %s/s  cache %s/%s",
					humanize.IBytes(uint64(last.Speed)),
					humanize.IBytes(uint64(last.CacheWorking)), humanize.IBytes(uint64(last.CacheAll)))
			}),
		),
	)
	bar.SetCurrent(s.DoneSheets)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s = r.observe(src)
			bar.SetCurrent(s.DoneSheets)
			if !bar.Completed() {
				bar.Abort(false)
			}
			p.Wait()
			return s
		case <-ticker.C:
		}

		s = r.observe(src)
		bar.SetCurrent(s.DoneSheets)
		if s.Active == 0 {
			if !bar.Completed() {
				bar.Abort(false)
			}
			p.Wait()
			return s
		}
	}
}
