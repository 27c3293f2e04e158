// internal/tenant/evictor.go
//
// Cache maintenance pass.
//
// Sweep runs one pass over the map and removes:
//
//   - tenants idle longer than the configured TTL
//   - least-recently-used tenants when map size exceeds maxEntries
//
// The lifecycle supervisor drives the cadence (every ten minutes by
// default); the cache keeps no timer of its own.  Each eviction is
// logged, counted, and recorded like any other.

package tenant

import (
	"context"
	"sort"
)

// Sweep performs one maintenance pass and returns the evicted slugs.
func (c *Cache) Sweep(ctx context.Context) []string {
	// ----------------------------------------------------------------
	// Idle eviction pass
	// ----------------------------------------------------------------
	evicted := c.EvictIdle(ctx, c.idleTTL)

	// ----------------------------------------------------------------
	// LRU pressure pass
	// ----------------------------------------------------------------
	if c.maxEntries <= 0 {
		return evicted
	}
	type kv struct {
		slug string
		at   int64
	}
	var all []kv
	c.live.Range(func(key, value any) bool {
		all = append(all, kv{slug: key.(string), at: value.(*Tenant).lastUsed.Load()})
		return true
	})
	if len(all) <= c.maxEntries {
		return evicted
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at < all[j].at })
	for _, victim := range all[:len(all)-c.maxEntries] {
		if c.Evict(ctx, victim.slug, "lru") {
			evicted = append(evicted, victim.slug)
		}
	}
	return evicted
}
