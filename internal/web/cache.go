// internal/web/cache.go
//
// Tenant cache introspection: list the hot entries, unload one, unload
// everything idle.  Unload is idempotent — asking for a slug that is
// not resident still answers 200 with unloaded=false.
//
// Oxford commas, two spaces after periods.

package web

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCachedList(w http.ResponseWriter, r *http.Request) {
	snaps := s.d.Cache.List()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Slug < snaps[j].Slug })
	writeOK(w, http.StatusOK, map[string]any{"apps": snaps, "count": len(snaps)})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	found := s.d.Cache.Evict(r.Context(), slug, "manual")
	writeOK(w, http.StatusOK, map[string]any{"slug": slug, "unloaded": found})
}

func (s *Server) handleUnloadIdle(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IdleThresholdMs int64 `json:"idleThresholdMs"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	threshold := s.d.Cache.IdleTTL()
	if in.IdleThresholdMs > 0 {
		threshold = time.Duration(in.IdleThresholdMs) * time.Millisecond
	}
	evicted := s.d.Cache.EvictIdle(r.Context(), threshold)
	if evicted == nil {
		evicted = []string{}
	}
	writeOK(w, http.StatusOK, map[string]any{"evicted": evicted, "count": len(evicted)})
}
