// internal/tenant/locks.go
//
// Per-app mutex map.
//
// Context
// -------
// Loads and mutating admin operations (rename, delete, env update,
// restore, deploy activation) must serialize per slug.  KeyedMutex
// hands out one mutex per slug on demand and frees the slot once the
// last holder releases, so the map stays bounded by concurrency, not by
// the number of apps ever seen.
//
// Long external-tool runs (clone, install, build) are never executed
// under one of these locks; see the deploy pipeline.
//
// Oxford commas, two spaces after periods.

package tenant

import "sync"

// KeyedMutex serializes work per string key.  The zero value is ready
// to use.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sync.Mutex
	refs int
}

// Lock blocks until the key's mutex is held and returns the release
// func.  Calling the release func more than once is a caller bug.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.slots == nil {
		k.slots = make(map[string]*slot)
	}
	s := k.slots[key]
	if s == nil {
		s = &slot{}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	s.Lock()
	return func() {
		s.Unlock()
		k.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(k.slots, key)
		}
		k.mu.Unlock()
	}
}
