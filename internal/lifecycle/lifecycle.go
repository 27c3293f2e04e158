// internal/lifecycle/lifecycle.go
//
// Background maintenance schedule.
//
// Context
// -------
// Three chores keep a long-running node healthy: the cache sweep (idle
// and LRU eviction), the request-count flush that folds in-memory
// tallies into the registry, and the temp sweep that clears staging
// directories a crashed or interrupted deploy left under uploads/tmp.
// The supervisor runs all three on a cron schedule and stops them as a
// unit at shutdown.
//
// Jobs receive the supervisor's context, so Stop cancels a sweep that
// is still walking the cache instead of waiting it out.  Stop blocks
// until every running job has returned.
//
// Oxford commas, two spaces after periods.

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cadence and age defaults.
const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultTmpInterval   = 6 * time.Hour
	DefaultTmpMaxAge     = 24 * time.Hour
	DefaultFlushInterval = time.Minute
)

// Cache is the slice of the tenant cache the supervisor drives.
type Cache interface {
	Sweep(ctx context.Context) []string
	FlushCounts(ctx context.Context)
}

// Config tunes the schedule.  Zero values select the defaults.
type Config struct {
	TmpDir        string
	SweepInterval time.Duration
	TmpInterval   time.Duration
	TmpMaxAge     time.Duration
	FlushInterval time.Duration
}

// Supervisor owns the maintenance cron.
type Supervisor struct {
	cfg    Config
	cache  Cache
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a supervisor.  Nothing runs until Start.
func New(cfg Config, cache Cache) *Supervisor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.TmpInterval <= 0 {
		cfg.TmpInterval = DefaultTmpInterval
	}
	if cfg.TmpMaxAge <= 0 {
		cfg.TmpMaxAge = DefaultTmpMaxAge
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		cache:  cache,
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the chores and clears stale staging entries once so a
// restart after a crash does not wait six hours for the first sweep.
func (s *Supervisor) Start() {
	s.cron.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		if evicted := s.cache.Sweep(s.ctx); len(evicted) > 0 {
			zap.S().Infow("idle sweep complete", "evicted", evicted)
		}
	}))
	s.cron.Schedule(cron.Every(s.cfg.FlushInterval), cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		s.cache.FlushCounts(s.ctx)
	}))
	s.cron.Schedule(cron.Every(s.cfg.TmpInterval), cron.FuncJob(func() {
		s.CleanTmp()
	}))
	s.cron.Start()

	go s.CleanTmp()
	zap.S().Infow("maintenance schedule started",
		"sweep_every", s.cfg.SweepInterval,
		"flush_every", s.cfg.FlushInterval,
		"tmp_every", s.cfg.TmpInterval,
		"tmp_max_age", s.cfg.TmpMaxAge,
	)
}

// Stop cancels the schedule and waits for any running job to return.
// A final count flush runs after the cron has drained, so tallies
// gathered up to shutdown reach the registry.
func (s *Supervisor) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cache.FlushCounts(flushCtx)
}

// CleanTmp removes staging entries older than the configured age and
// reports how many were deleted.  Failures are logged and skipped; a
// deploy racing the sweep keeps its directory because it is too young.
func (s *Supervisor) CleanTmp() int {
	entries, err := os.ReadDir(s.cfg.TmpDir)
	if err != nil {
		if !os.IsNotExist(err) {
			zap.S().Warnw("tmp sweep read failed", "dir", s.cfg.TmpDir, "err", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-s.cfg.TmpMaxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.TmpDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			zap.S().Warnw("tmp sweep remove failed", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		zap.S().Infow("tmp sweep complete", "removed", removed)
	}
	return removed
}
