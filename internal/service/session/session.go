package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/adapter/blobindex"
	"github.com/vertextoedge/relayget/internal/adapter/httpclient"
	"github.com/vertextoedge/relayget/internal/adapter/jobfile"
	"github.com/vertextoedge/relayget/internal/adapter/sqlite"
	"github.com/vertextoedge/relayget/internal/config"
	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/fs"
	"github.com/vertextoedge/relayget/internal/pagecache"
	"github.com/vertextoedge/relayget/internal/port"
	"github.com/vertextoedge/relayget/internal/progress"
	"github.com/vertextoedge/relayget/internal/scheduler"
	"github.com/vertextoedge/relayget/internal/service/downloader"
	"github.com/vertextoedge/relayget/internal/sheetstore"
)

// Config describes one download
type Config struct {
	URL              string
	SavePath         string
	Cookies          string
	UseRedirectedURL bool

	// Relays are tried in order; the first usable one is used for the probe.
	// With no relays, or with Direct set, a direct connection is added.
	Relays          []string
	Direct          bool
	ThreadsPerRelay int

	Profile                config.Profile
	StrictTokens           bool
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
	CheckpointInterval     time.Duration
	TerminateTimeout       time.Duration
	ProgressInterval       time.Duration
	MinFreeSpace           int64

	Index config.IndexConfig
	HTTP  *httpclient.Config
	Quiet bool
}

// NewConfig maps application configuration onto a session config. URL and
// SavePath are left for the caller.
func NewConfig(cfg *config.Config) (*Config, error) {
	profile, err := cfg.Profile(cfg.Download.Profile)
	if err != nil {
		return nil, err
	}
	return &Config{
		UseRedirectedURL:       cfg.Download.UseRedirectedURL,
		Relays:                 cfg.Download.Relays,
		Direct:                 cfg.Download.Direct,
		ThreadsPerRelay:        cfg.Download.ThreadsPerRelay,
		Profile:                profile,
		StrictTokens:           cfg.Download.StrictTokens,
		MaxConsecutiveFailures: cfg.Download.MaxConsecutiveFailures,
		FailureBackoff:         cfg.Download.GetFailureBackoff(),
		CheckpointInterval:     cfg.Download.GetCheckpointInterval(),
		TerminateTimeout:       cfg.Download.GetTerminateTimeout(),
		ProgressInterval:       cfg.Download.GetProgressInterval(),
		MinFreeSpace:           cfg.Download.GetMinFreeSpace(),
		Index:                  cfg.Index,
		HTTP: &httpclient.Config{
			ConnectTimeout:        cfg.HTTP.GetConnectTimeout(),
			ResponseHeaderTimeout: cfg.HTTP.GetResponseHeaderTimeout(),
			IdleConnTimeout:       cfg.HTTP.GetIdleTimeout(),
			SkipTLSVerify:         cfg.HTTP.SkipTLSVerify,
			UserAgent:             cfg.HTTP.UserAgent,
			BandwidthLimit:        cfg.HTTP.GetBandwidthLimit(),
			BufferSizeKB:          cfg.HTTP.BufferSizeKB,
		},
	}, nil
}

// Result summarises a finished or interrupted session
type Result struct {
	SavePath   string
	URL        string
	FileSize   int64
	SheetCount int64
	DoneSheets int64
	Failures   int64
	Resumed    bool
	Done       bool
	Elapsed    time.Duration
}

// Summary returns the closing line printed after a session
func (r *Result) Summary() string {
	elapsed := r.Elapsed.Round(time.Second)
	if r.Done {
		return fmt.Sprintf("Download complete, %s elapsed.", elapsed)
	}
	return fmt.Sprintf("Download unfinished, %s elapsed.", elapsed)
}

// Option configures a Session
type Option func(*Session)

// WithTransportFactory replaces the HTTP transport used by workers
func WithTransportFactory(f port.TransportFactory) Option {
	return func(s *Session) { s.newTransport = f }
}

// WithDialer replaces the dialer used to check relays
func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

// WithSpaceManager replaces the disk space check
func WithSpaceManager(sm port.SpaceManager) Option {
	return func(s *Session) { s.space = sm }
}

// Session runs a single download
type Session struct {
	cfg          *Config
	out          io.Writer
	logger       *zap.Logger
	newTransport port.TransportFactory
	dial         DialFunc
	space        port.SpaceManager
}

// New creates a session. Progress and status lines go to out.
func New(cfg *Config, out io.Writer, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httpclient.DefaultConfig()
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 5 * time.Second
	}
	if cfg.Profile.SheetSize <= 0 {
		cfg.Profile, _ = (&config.Config{}).Profile("")
	}

	dialer := &net.Dialer{}
	s := &Session{
		cfg:          cfg,
		out:          out,
		logger:       logger,
		newTransport: httpclient.NewFactory(cfg.HTTP),
		dial:         dialer.DialContext,
		space:        NewSpaceManager(cfg.MinFreeSpace),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// index is the resolved index backend for one download
type index struct {
	storage port.IndexStorage
	remove  func() error
	close   func() error
}

// Run performs the download until every sheet is done, every worker has
// given up, or ctx is cancelled. Cancellation stops the workers gracefully,
// persists progress and returns a StageInterrupted error. A download left
// unfinished by failing relays returns a Result with Done unset and no error.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	savePath, err := filepath.Abs(s.cfg.SavePath)
	if err != nil {
		return nil, stageError(StageJobFile, err)
	}

	relays := append([]string(nil), s.cfg.Relays...)
	s.printf("Checking relays ... ")
	relays = checkRelays(ctx, relays, s.cfg.HTTP.ConnectTimeout, s.dial, s.logger)
	s.printf("%d relays found.\n", len(relays))
	if len(s.cfg.Relays) == 0 || s.cfg.Direct {
		relays = append(relays, "")
	}
	if len(relays) == 0 {
		return nil, stageError(StageRelays, domain.ErrNoUsableRelay)
	}

	s.printf("Preparing for download ...\n")
	probe, err := httpclient.Probe(ctx, s.cfg.HTTP, s.cfg.URL, s.cfg.Cookies, relays[0])
	if err != nil {
		if ctx.Err() != nil {
			return nil, stageError(StageInterrupted, domain.ErrInterrupted)
		}
		return nil, stageError(StageProbe, err)
	}
	if !probe.AcceptsRanges || probe.FileSize <= 0 {
		return nil, stageError(StagePartial, fmt.Errorf("%s answered %d: %w", s.cfg.URL, probe.Status, domain.ErrRangeNotSupported))
	}

	job, resumed, err := s.openJob(savePath, probe)
	if err != nil {
		return nil, err
	}
	header := job.Header()
	logger := s.logger.With(zap.String("path", savePath))

	res := &Result{
		SavePath:   savePath,
		URL:        header.TargetURL(),
		FileSize:   header.FileSize,
		SheetCount: header.SheetCount(),
		Resumed:    resumed,
	}

	// A job created by this run is useless if nothing could be started
	abandon := func(err error) (*Result, error) {
		if resumed {
			job.Close()
		} else {
			job.Remove()
			os.Remove(savePath)
		}
		return nil, stageError(StageEngine, err)
	}

	if err := s.checkSpace(savePath, header.FileSize); err != nil {
		return abandon(err)
	}

	idx, err := s.openIndex(ctx, savePath, job)
	if err != nil {
		return abandon(err)
	}
	if idx.remove != nil {
		if resumed && !idx.storage.IsValid() {
			// The job exists but its bitmap is gone; starting over would
			// refetch every finished sheet.
			idx.close()
			job.Close()
			return nil, stageError(StageJobFile,
				fmt.Errorf("no index for %s in %s backend: %w", savePath, s.cfg.Index.Backend, domain.ErrCorruptIndex))
		}
		if !resumed {
			// Leftover bitmap from an earlier download to the same path
			if err := idx.remove(); err != nil {
				idx.close()
				return abandon(err)
			}
		}
	}

	store, err := sheetstore.Open(savePath, header.FileSize, idx.storage, header.SheetSize,
		sheetstore.WithLogger(logger.Named("store")))
	if err != nil {
		idx.close()
		return abandon(err)
	}
	if !resumed {
		// Record the empty bitmap so a resume always finds one
		if err := store.Flush(); err != nil {
			store.Close()
			idx.close()
			return abandon(err)
		}
	}

	profile := s.cfg.Profile
	cache, err := pagecache.New(store, profile.PageSize, profile.PageCount,
		pagecache.WithLogger(logger.Named("cache")))
	if err != nil {
		store.Close()
		idx.close()
		return abandon(err)
	}

	sched := scheduler.New(&scheduler.Config{
		ScanCount:    profile.ScanCount,
		StrictTokens: s.cfg.StrictTokens,
	}, store, cache, logger.Named("scheduler"))

	dl := downloader.New(&downloader.Config{
		Relays:                 relays,
		ThreadsPerRelay:        s.cfg.ThreadsPerRelay,
		URL:                    header.TargetURL(),
		Cookies:                header.Cookies,
		FileSize:               header.FileSize,
		SheetSize:              header.SheetSize,
		MaxConsecutiveFailures: s.cfg.MaxConsecutiveFailures,
		FailureBackoff:         s.cfg.FailureBackoff,
		CheckpointInterval:     s.cfg.CheckpointInterval,
	}, sched, s.newTransport, logger.Named("downloader"))

	logger.Info("download starting",
		zap.String("url", header.TargetURL()),
		zap.Int64("size", header.FileSize),
		zap.Int64("sheet_size", header.SheetSize),
		zap.Int64("done_sheets", store.DoneSheets()),
		zap.Int64("sheet_count", store.SheetCount()),
		zap.String("profile", profile.Name),
		zap.Int("relays", len(relays)),
		zap.Bool("resumed", resumed))

	if err := dl.Perform(context.WithoutCancel(ctx)); err != nil {
		store.Close()
		idx.close()
		if errors.Is(err, domain.ErrNoUsableRelay) {
			job.Close()
			return nil, stageError(StageRelays, err)
		}
		return abandon(err)
	}

	pageBytes := header.SheetSize * int64(profile.PageSize)
	snapshot := func() progress.Snapshot {
		cs := cache.Stats()
		done := sched.DoneSheets()
		return progress.Snapshot{
			DoneSheets:   done,
			SheetCount:   sched.SheetCount(),
			DoneBytes:    min(done*header.SheetSize, header.FileSize),
			TotalBytes:   header.FileSize,
			Speed:        dl.Speed(),
			CacheWorking: int64(cs.WorkingPages) * pageBytes,
			CacheAll:     int64(cs.PageCount) * pageBytes,
			Active:       dl.ActiveWorkers(),
		}
	}
	s.printf("Downloading %s (%s) to %s\n", header.TargetURL(), humanize.IBytes(uint64(header.FileSize)), savePath)
	reporter := progress.New(s.out, s.cfg.ProgressInterval, s.cfg.Quiet)
	reporter.Run(ctx, snapshot)

	interrupted := ctx.Err() != nil
	if interrupted {
		logger.Info("interrupted, stopping workers", zap.Duration("timeout", s.cfg.TerminateTimeout))
	}
	dl.Terminate(s.cfg.TerminateTimeout)

	// Teardown order: scheduler (cache, store, index) then store then job
	var teardown []error
	if err := dl.Flush(); err != nil {
		teardown = append(teardown, fmt.Errorf("flush: %w", err))
	}
	res.Done = sched.AllDone()
	res.DoneSheets = sched.DoneSheets()
	res.Failures = dl.TotalFailures()
	if err := store.Close(); err != nil {
		teardown = append(teardown, fmt.Errorf("close store: %w", err))
	}
	if res.Done && idx.remove != nil {
		if err := idx.remove(); err != nil {
			teardown = append(teardown, fmt.Errorf("remove index: %w", err))
		}
	}
	if err := idx.close(); err != nil {
		teardown = append(teardown, fmt.Errorf("close index: %w", err))
	}
	if res.Done {
		if err := job.Remove(); err != nil {
			teardown = append(teardown, err)
		}
	} else if err := job.Close(); err != nil {
		teardown = append(teardown, err)
	}
	res.Elapsed = time.Since(start)

	logger.Info("download stopped",
		zap.Bool("done", res.Done),
		zap.Int64("done_sheets", res.DoneSheets),
		zap.Int64("failures", res.Failures),
		zap.Duration("elapsed", res.Elapsed))

	if err := errors.Join(teardown...); err != nil {
		return res, stageError(StageEngine, err)
	}
	if interrupted && !res.Done {
		return res, stageError(StageInterrupted, domain.ErrInterrupted)
	}
	return res, nil
}

// openJob resumes the job of an existing output file or creates a new one
func (s *Session) openJob(savePath string, probe *httpclient.ProbeResult) (*jobfile.JobFile, bool, error) {
	if fs.Exists(savePath) {
		job, err := jobfile.Open(savePath)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotExists) {
				return nil, false, stageError(StageOutputExists, fmt.Errorf("%s: %w", savePath, domain.ErrOutputExists))
			}
			return nil, false, stageError(StageJobFile, err)
		}
		if h := job.Header(); h.FileSize != probe.FileSize {
			job.Close()
			return nil, false, stageError(StageJobFile,
				fmt.Errorf("job has %d bytes, target has %d: %w", h.FileSize, probe.FileSize, domain.ErrSizeChanged))
		}
		return job, true, nil
	}

	job, err := jobfile.Create(jobfile.Header{
		URL:              s.cfg.URL,
		RedirectedURL:    probe.FinalURL,
		Cookies:          s.cfg.Cookies,
		SavePath:         savePath,
		UseRedirectedURL: s.cfg.UseRedirectedURL,
		FileSize:         probe.FileSize,
		SheetSize:        s.cfg.Profile.SheetSize,
	})
	if err != nil {
		return nil, false, stageError(StageJobFile, err)
	}
	return job, false, nil
}

// checkSpace makes sure the bytes not yet allocated for the output fit on disk
func (s *Session) checkSpace(savePath string, size int64) error {
	needed := size
	if info, err := os.Stat(savePath); err == nil {
		needed -= info.Size()
	}

	result, err := s.space.CheckSpace(filepath.Dir(savePath), needed)
	if err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}
	if !result.HasSpace {
		return fmt.Errorf("need %s, %s free: %w",
			humanize.IBytes(uint64(result.NeededBytes)), humanize.IBytes(result.FreeBytes), domain.ErrInsufficientSpace)
	}
	return nil
}

// openIndex resolves the configured index backend. The job file always
// records the download parameters; the other backends hold only the bitmap.
func (s *Session) openIndex(ctx context.Context, savePath string, job *jobfile.JobFile) (*index, error) {
	sheetCount := job.Header().SheetCount()
	noop := func() error { return nil }

	switch s.cfg.Index.Backend {
	case "", config.BackendJob:
		return &index{storage: job, close: noop}, nil

	case config.BackendSQLite:
		dbPath := s.cfg.Index.SQLitePath
		if dbPath == "" {
			dbPath = filepath.Join(filepath.Dir(savePath), ".relayget.db")
		}
		db, err := sqlite.Open(dbPath)
		if err != nil {
			return nil, err
		}
		idx := db.Index(savePath, sheetCount)
		return &index{storage: idx, remove: idx.Delete, close: db.Close}, nil

	case config.BackendBlob:
		bucket, err := blobindex.OpenBucket(ctx, s.cfg.Index.BucketURL)
		if err != nil {
			return nil, err
		}
		idx := blobindex.New(bucket, savePath, sheetCount)
		return &index{storage: idx, remove: idx.Delete, close: bucket.Close}, nil

	default:
		return nil, fmt.Errorf("index backend %q: %w", s.cfg.Index.Backend, domain.ErrInvalidInput)
	}
}
