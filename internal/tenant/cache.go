// internal/tenant/cache.go
//
// Lazy tenant cache.
//
// Context
// -------
// Tenants load the first time a request or admin action asks for them,
// stay in a concurrent map while they are warm, and leave through
// exactly one door: Evict.  A singleflight group collapses concurrent
// misses for one slug into a single load whose result every waiter
// shares, and the per-app KeyedMutex keeps loads from interleaving
// with mutating admin operations on the same slug.
//
// Per slug the life cycle is unloaded → loading → loaded → evicted →
// unloaded.  A failed load leaves no entry behind, parks the row in
// error state, and surfaces the same error to every waiter; the next
// request simply tries again.
//
// Oxford commas, two spaces after periods.

package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/metrics"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/runner"
)

// Policy defaults.
const (
	DefaultIdleTTL    = 15 * time.Minute
	DefaultMaxEntries = 100
)

// Sentinel errors callers branch on.
var (
	ErrNotFound     = errors.New("tenant: app not found")
	ErrDisabled     = errors.New("tenant: app is disabled")
	ErrShuttingDown = errors.New("tenant: platform shutting down")
)

// Registry is the slice of the app store the cache needs.
type Registry interface {
	Get(ctx context.Context, slug string) (*registry.App, error)
	UpdateStatus(ctx context.Context, slug string, st registry.Status, lastError string) error
	AddRequests(ctx context.Context, slug string, n uint64) error
}

// EnvSource provides the per-app .env snapshot.
type EnvSource interface {
	Load(slug string) (map[string]string, error)
}

// EventSink records lifecycle events; *eventlog.Recorder satisfies it.
type EventSink interface {
	Record(ctx context.Context, slug, event, level, message string, meta eventlog.Meta)
}

// Deps are the cache's collaborators.  Spawn and Namespace are funcs
// rather than interfaces so main can close over the runner and the
// control-plane pool, and tests can stub them without a process or a
// server.
type Deps struct {
	Apps   Registry
	Env    EnvSource
	Events EventSink // may be nil

	// Spawn starts the app's child process; wired to runner.Runner.Start.
	Spawn func(ctx context.Context, sp runner.Spec) (Proc, error)

	// Namespace provisions and opens the app's database schema,
	// returning the pool and the mysql:// URL handed to the child.
	Namespace func(ctx context.Context, slug string) (*sqlx.DB, string, error)

	AppsDir string
	Dev     bool

	// Watch and Unwatch hook the file watcher; either may be nil.
	Watch   func(slug, dir string) error
	Unwatch func(slug string)
}

// Config tunes cache policy.  Zero values select the defaults.
type Config struct {
	IdleTTL    time.Duration
	MaxEntries int
}

// Cache is the process-wide slug → loaded tenant map.
type Cache struct {
	d          Deps
	idleTTL    time.Duration
	maxEntries int

	sfg    singleflight.Group
	live   sync.Map // slug → *Tenant
	locks  KeyedMutex
	closed atomic.Bool
}

// New builds a cache.  The sweep cadence lives with the lifecycle
// supervisor; the cache itself runs no timers.
func New(cfg Config, d Deps) *Cache {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Cache{d: d, idleTTL: cfg.IdleTTL, maxEntries: cfg.MaxEntries}
}

// Locks exposes the per-app mutex map shared with the admin API and
// the deploy pipeline's activation section.
func (c *Cache) Locks() *KeyedMutex { return &c.locks }

// IdleTTL reports the configured idle threshold.
func (c *Cache) IdleTTL() time.Duration { return c.idleTTL }

// GetOrLoad returns the loaded tenant for slug, loading it on demand.
// Concurrent callers for one slug share a single load and observe the
// same result, success or failure.
func (c *Cache) GetOrLoad(ctx context.Context, slug string) (*Tenant, error) {
	if c.closed.Load() {
		return nil, ErrShuttingDown
	}
	if t, ok := c.lookup(ctx, slug); ok {
		return t, nil
	}

	v, err, _ := c.sfg.Do(slug, func() (any, error) {
		// Double-check after the singleflight barrier.
		if t, ok := c.lookup(ctx, slug); ok {
			return t, nil
		}

		unlock := c.locks.Lock(slug)
		defer unlock()
		if c.closed.Load() {
			return nil, ErrShuttingDown
		}

		t, err := c.load(ctx, slug)
		if err != nil {
			metrics.AppLoadErrorsTotal.Inc()
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrDisabled) {
				if uerr := c.d.Apps.UpdateStatus(ctx, slug, registry.StatusError, err.Error()); uerr != nil {
					zap.S().Warnw("error-state update failed", "slug", slug, "err", uerr)
				}
				c.event(ctx, slug, eventlog.EventError, eventlog.LevelError,
					fmt.Sprintf("load failed: %v", err), nil)
			}
			return nil, err
		}

		c.live.Store(slug, t)
		metrics.AppLoadTotal.Inc()
		metrics.ActiveApps.Inc()
		c.event(ctx, slug, eventlog.EventLoad, eventlog.LevelInfo,
			"app loaded", eventlog.Meta{"kind": string(t.App.Kind)})
		zap.S().Infow("app loaded", "slug", slug, "kind", t.App.Kind)
		c.startWatch(t)
		c.watchDeath(slug, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tenant), nil
}

// lookup is the hot path: a cached, living tenant is touched and
// returned.  A cached tenant whose child died is cleared so the caller
// falls through to a fresh load.
func (c *Cache) lookup(ctx context.Context, slug string) (*Tenant, bool) {
	v, ok := c.live.Load(slug)
	if !ok {
		return nil, false
	}
	t := v.(*Tenant)
	if !t.Alive() {
		c.Evict(ctx, slug, "crashed")
		return nil, false
	}
	t.Touch()
	return t, true
}

// Evict removes and tears down one entry: the watcher is unregistered,
// the child process stopped, the pool closed, and the pending request
// tally folded into the row.  Idempotent; reports whether an entry was
// present.  Evict never takes the per-app lock, so the watcher path
// may call it without risking a deadlock against a load in progress.
func (c *Cache) Evict(ctx context.Context, slug, reason string) bool {
	v, ok := c.live.LoadAndDelete(slug)
	if !ok {
		return false
	}
	t := v.(*Tenant)
	if c.d.Unwatch != nil {
		c.d.Unwatch(slug)
	}
	t.shutdown()
	c.flushTenant(ctx, t)
	metrics.AppEvictTotal.WithLabelValues(reason).Inc()
	metrics.ActiveApps.Dec()
	c.event(ctx, slug, eventlog.EventUnload, eventlog.LevelInfo,
		"app unloaded", eventlog.Meta{"reason": reason})
	zap.S().Infow("app evicted", "slug", slug, "reason", reason)
	return true
}

// EvictIdle evicts every entry idle longer than threshold in one pass
// and returns the removed slugs, sorted.  threshold <= 0 selects the
// configured TTL.
func (c *Cache) EvictIdle(ctx context.Context, threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = c.idleTTL
	}
	now := time.Now()
	var evicted []string
	c.live.Range(func(key, value any) bool {
		if now.Sub(value.(*Tenant).lastUsedAt()) > threshold {
			if c.Evict(ctx, key.(string), "idle") {
				evicted = append(evicted, key.(string))
			}
		}
		return true
	})
	sort.Strings(evicted)
	return evicted
}

// List snapshots every cached entry, ordered by slug.
func (c *Cache) List() []Snapshot {
	now := time.Now()
	out := []Snapshot{}
	c.live.Range(func(_, value any) bool {
		out = append(out, value.(*Tenant).snapshot(now))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len reports how many tenants are loaded.
func (c *Cache) Len() int {
	n := 0
	c.live.Range(func(_, _ any) bool { n++; return true })
	return n
}

// FlushCounts folds every entry's unflushed request tally into the
// registry.  The supervisor calls it on a timer; eviction flushes the
// departing entry itself.  A store outage drops the delta rather than
// blocking anything.
func (c *Cache) FlushCounts(ctx context.Context) {
	c.live.Range(func(_, value any) bool {
		c.flushTenant(ctx, value.(*Tenant))
		return true
	})
}

func (c *Cache) flushTenant(ctx context.Context, t *Tenant) {
	n := t.takePending()
	if n == 0 {
		return
	}
	if err := c.d.Apps.AddRequests(ctx, t.App.Slug, n); err != nil {
		zap.S().Warnw("request-count flush failed", "slug", t.App.Slug, "n", n, "err", err)
	}
}

// Close refuses further loads and evicts everything.  Called once at
// shutdown, after the listener has stopped accepting.
func (c *Cache) Close(ctx context.Context) {
	c.closed.Store(true)
	c.live.Range(func(key, _ any) bool {
		c.Evict(ctx, key.(string), "shutdown")
		return true
	})
}

/*──────────────────────────── internals ───────────────────────────────────*/

func (c *Cache) event(ctx context.Context, slug, event, level, message string, meta eventlog.Meta) {
	if c.d.Events != nil {
		c.d.Events.Record(ctx, slug, event, level, message, meta)
	}
}

func (c *Cache) startWatch(t *Tenant) {
	if c.d.Watch == nil {
		return
	}
	if err := c.d.Watch(t.App.Slug, t.dir); err != nil {
		zap.S().Warnw("file watch failed", "slug", t.App.Slug, "err", err)
	}
}

// watchDeath evicts the entry when its child exits on its own.  The
// pointer comparison keeps a reload that already replaced the entry
// from being knocked out by its predecessor's death.
func (c *Cache) watchDeath(slug string, t *Tenant) {
	if t.proc == nil {
		return
	}
	go func() {
		<-t.proc.Done()
		if v, ok := c.live.Load(slug); ok && v.(*Tenant) == t && !c.closed.Load() {
			zap.S().Warnw("app process exited", "slug", slug)
			c.Evict(context.Background(), slug, "crashed")
		}
	}()
}
