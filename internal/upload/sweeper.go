package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/observability/metrics"
)

const defaultSweepConcurrency = 4

// SweeperConfig describes a Sweeper.
type SweeperConfig struct {
	Fs        afero.Fs
	Directory string
	// MaxAge must exceed the longest realistic upload, since files still
	// being written are only recognised by their modification time. The sweep
	// worker forgets sessions idle for MaxAge by their last write, so a
	// session and its blob expire together.
	MaxAge      time.Duration
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned int
	Removed int
	Failed  int
}

// Sweeper deletes files in a directory whose modification time is older than
// a maximum age. It knows nothing about upload sessions.
type Sweeper struct {
	fs          afero.Fs
	dir         string
	maxAge      time.Duration
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("sweeper max age must be positive, got %s", cfg.MaxAge)
	}
	if cfg.Directory == "" {
		return nil, errors.New("sweeper directory is required")
	}
	s := &Sweeper{
		fs:          cfg.Fs,
		dir:         cfg.Directory,
		maxAge:      cfg.MaxAge,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultSweepConcurrency
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Sweeper) MaxAge() time.Duration {
	return s.maxAge
}

// Sweep removes every regular file older than the maximum age. A failure to
// remove one file is logged and counted but does not stop the sweep; only a
// failure to list the directory is returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list %s: %w", s.dir, err)
	}

	now := s.now()
	var removed, failed atomic.Int64
	var group errgroup.Group
	group.SetLimit(s.concurrency)

	scanned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		scanned++
		if !entry.ModTime().Add(s.maxAge).Before(now) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		path := filepath.Join(s.dir, entry.Name())
		age := now.Sub(entry.ModTime())
		group.Go(func() error {
			if err := s.fs.Remove(path); err != nil {
				failed.Add(1)
				s.logger.Warn("failed to remove expired upload", "path", path, "error", err)
				return nil
			}
			removed.Add(1)
			s.logger.Debug("removed expired upload", "path", path, "age", age.Round(time.Second).String())
			return nil
		})
	}
	_ = group.Wait()

	result := SweepResult{Scanned: scanned, Removed: int(removed.Load()), Failed: int(failed.Load())}
	s.metrics.SweepCompleted(result.Removed, result.Failed)
	if result.Removed > 0 || result.Failed > 0 {
		s.logger.Info("expired uploads swept",
			"scanned", result.Scanned,
			"removed", result.Removed,
			"failed", result.Failed)
	}
	return result, ctx.Err()
}
