package maintenance

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/relayget/internal/adapter/jobfile"
	"github.com/vertextoedge/relayget/internal/adapter/sqlite"
	"github.com/vertextoedge/relayget/internal/fs"
)

// Catalog is a shared store of sheet indexes
type Catalog interface {
	List() ([]sqlite.Entry, error)
	Delete(savePath string) error
	DeleteOlderThan(age time.Duration, keep ...string) (int, error)
}

// Config contains maintenance configuration
type Config struct {
	// MaxAge removes indexes not updated for this long; 0 keeps them
	MaxAge time.Duration

	// DryRun reports what would be removed without removing it
	DryRun bool
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAge: 30 * 24 * time.Hour,
	}
}

// Report lists what a prune removed
type Report struct {
	Orphans []string
	Expired int
}

// Service cleans up indexes left behind by abandoned downloads
type Service struct {
	config  *Config
	catalog Catalog
	exists  func(path string) bool
	logger  *zap.Logger
}

// New creates a new maintenance Service
func New(cfg *Config, catalog Catalog, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:  cfg,
		catalog: catalog,
		exists:  fs.Exists,
		logger:  logger,
	}
}

// Prune removes indexes whose output file and job file are both gone, then
// indexes older than MaxAge. An index whose job file still exists is never
// expired, since the job can still be resumed from it.
func (s *Service) Prune() (*Report, error) {
	entries, err := s.catalog.List()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	var resumable []string
	for _, e := range entries {
		if s.exists(jobfile.PathFor(e.SavePath)) {
			resumable = append(resumable, e.SavePath)
			continue
		}
		if s.exists(e.SavePath) {
			continue
		}
		report.Orphans = append(report.Orphans, e.SavePath)
		if s.config.DryRun {
			continue
		}
		if err := s.catalog.Delete(e.SavePath); err != nil {
			return report, fmt.Errorf("failed to remove orphaned index: %w", err)
		}
		s.logger.Info("removed orphaned index", zap.String("path", e.SavePath))
	}

	if s.config.MaxAge > 0 && !s.config.DryRun {
		n, err := s.catalog.DeleteOlderThan(s.config.MaxAge, resumable...)
		if err != nil {
			return report, err
		}
		report.Expired = n
		if n > 0 {
			s.logger.Info("removed expired indexes",
				zap.Int("count", n),
				zap.Duration("max_age", s.config.MaxAge))
		}
	}
	return report, nil
}
