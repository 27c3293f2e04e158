package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCache struct {
	sweeps  atomic.Int64
	flushes atomic.Int64
}

func (f *fakeCache) Sweep(ctx context.Context) []string {
	f.sweeps.Add(1)
	return nil
}

func (f *fakeCache) FlushCounts(ctx context.Context) { f.flushes.Add(1) }

func TestCleanTmpRemovesOnlyStaleEntries(t *testing.T) {
	tmp := t.TempDir()

	stale := filepath.Join(tmp, "shop-1700000000000")
	if err := os.MkdirAll(filepath.Join(stale, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh := filepath.Join(tmp, "blog-1800000000000")
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatalf("mkdir fresh: %v", err)
	}

	s := New(Config{TmpDir: tmp}, &fakeCache{})
	if got := s.CleanTmp(); got != 1 {
		t.Fatalf("CleanTmp removed = %d, want 1", got)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale entry survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh entry was removed: %v", err)
	}
}

func TestCleanTmpMissingDir(t *testing.T) {
	s := New(Config{TmpDir: filepath.Join(t.TempDir(), "absent")}, &fakeCache{})
	if got := s.CleanTmp(); got != 0 {
		t.Fatalf("CleanTmp removed = %d, want 0", got)
	}
}

func TestScheduleRunsAndStops(t *testing.T) {
	fc := &fakeCache{}
	s := New(Config{
		TmpDir:        t.TempDir(),
		SweepInterval: time.Second,
		FlushInterval: time.Second,
	}, fc)
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for fc.sweeps.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if fc.sweeps.Load() == 0 {
		t.Fatalf("no sweep observed within the deadline")
	}

	s.Stop()
	if fc.flushes.Load() == 0 {
		t.Fatalf("Stop did not run the final count flush")
	}
}

func TestDefaults(t *testing.T) {
	s := New(Config{}, &fakeCache{})
	if s.cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("SweepInterval = %v, want %v", s.cfg.SweepInterval, DefaultSweepInterval)
	}
	if s.cfg.TmpMaxAge != DefaultTmpMaxAge {
		t.Fatalf("TmpMaxAge = %v, want %v", s.cfg.TmpMaxAge, DefaultTmpMaxAge)
	}
}
