// internal/tenant/entry.go
//
// Loaded tenant aggregate.
//
// Context
// -------
// A loaded Tenant is everything one request needs after routing has
// picked the slug: the app row as it looked at load time, the serving
// handler (child proxy for backend and fullstack, static handler for
// frontend), the immutable .env snapshot, and the per-app database
// pool.  The cache stores one Tenant per slug; usage fields are atomics
// so the request path never takes a lock.
//
// A Tenant is immutable after load.  Changing anything about an app
// means evicting and reloading it.
//
// Oxford commas, two spaces after periods.

package tenant

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/platformx/platformx/internal/registry"
)

// Proc is the slice of a runner.Process the cache needs.  Frontend
// tenants have none.
type Proc interface {
	Handler() http.Handler
	Done() <-chan struct{}
	Alive() bool
	Stop()
}

// Tenant is one loaded app.
type Tenant struct {
	App     registry.App      // row snapshot at load time
	Env     map[string]string // .env snapshot, do not mutate
	DB      *sqlx.DB          // per-app namespace pool, nil for frontend
	Handler http.Handler      // serving handler for tenant traffic

	proc     Proc   // nil for frontend
	dir      string // app tree on disk
	loadedAt time.Time
	lastUsed atomic.Int64  // UnixNano
	served   atomic.Uint64 // requests since load
	pending  atomic.Uint64 // requests not yet folded into the row
}

// Slug returns the app's identity.
func (t *Tenant) Slug() string { return t.App.Slug }

// Alive reports whether the tenant can still serve: frontend tenants
// always can, process-backed ones only while their child runs.
func (t *Tenant) Alive() bool { return t.proc == nil || t.proc.Alive() }

// Touch stamps the tenant as just used.
func (t *Tenant) Touch() { t.lastUsed.Store(time.Now().UnixNano()) }

// CountRequest tallies one served request.  The durable row catches up
// via the periodic flush and on eviction.
func (t *Tenant) CountRequest() {
	t.served.Add(1)
	t.pending.Add(1)
}

// takePending drains the unflushed tally.
func (t *Tenant) takePending() uint64 { return t.pending.Swap(0) }

// lastUsedAt converts the atomic stamp back to a time.
func (t *Tenant) lastUsedAt() time.Time { return time.Unix(0, t.lastUsed.Load()) }

// shutdown releases the tenant's process and pool.  Only the cache
// calls it, after the entry has left the map.
func (t *Tenant) shutdown() {
	if t.proc != nil {
		t.proc.Stop()
	}
	if t.DB != nil {
		t.DB.Close()
	}
}

// Snapshot is one listCached row.
type Snapshot struct {
	Slug         string        `json:"slug"`
	Kind         registry.Kind `json:"kind"`
	LoadedAt     time.Time     `json:"loadedAt"`
	LastUsedAt   time.Time     `json:"lastUsedAt"`
	RequestCount uint64        `json:"requestCount"`
	IdleMs       int64         `json:"idleMs"`
}

// snapshot captures the tenant's counters at one instant.
func (t *Tenant) snapshot(now time.Time) Snapshot {
	last := t.lastUsedAt()
	return Snapshot{
		Slug:         t.App.Slug,
		Kind:         t.App.Kind,
		LoadedAt:     t.loadedAt,
		LastUsedAt:   last,
		RequestCount: t.served.Load(),
		IdleMs:       now.Sub(last).Milliseconds(),
	}
}
