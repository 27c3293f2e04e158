// internal/web/apps.go
//
// App management handlers: list, inspect, patch, rename, delete, sync,
// and redeploy.
//
// Context
// -------
// Every mutating handler takes the per-app mutex shared with the tenant
// cache and the deploy pipeline, so an admin edit never races a load or
// a deploy on the same slug.  Redeploy is the exception: the pipeline
// locks internally.
//
// Delete follows a fixed order — evict, remove the tree, drop the row —
// and a tree that will not die leaves the row parked at status=error so
// the operator sees the wreckage instead of a half-deleted ghost.
//
// Oxford commas, two spaces after periods.

package web

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/routing"
	"github.com/platformx/platformx/internal/webhook"
)

/*──────────────────────────── reads ───────────────────────────────────────*/

func (s *Server) handleAppList(w http.ResponseWriter, r *http.Request) {
	var (
		apps []registry.App
		err  error
	)
	if q := r.URL.Query().Get("status"); q != "" {
		st := registry.Status(q)
		if !st.Valid() {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnum, "unknown status %q", q))
			return
		}
		apps, err = s.d.Apps.ListByStatus(r.Context(), st)
	} else {
		apps, err = s.d.Apps.List(r.Context())
	}
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"apps": apps, "count": len(apps)})
}

func (s *Server) handleAppGet(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	cached := false
	for _, snap := range s.d.Cache.List() {
		if snap.Slug == slug {
			cached = true
			break
		}
	}
	writeOK(w, http.StatusOK, map[string]any{"app": app, "cached": cached})
}

/*──────────────────────────── patch ───────────────────────────────────────*/

func (s *Server) handleAppPatch(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var in struct {
		Name           *string            `json:"name"`
		Status         *string            `json:"status"`
		EntryPath      *string            `json:"entryPath"`
		BuildOutputDir *string            `json:"buildOutputDir"`
		ProxyMap       *registry.ProxyMap `json:"proxyMap"`
		WebhookURL     *string            `json:"webhookUrl"`
		Branch         *string            `json:"branch"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}

	unlock := s.d.Cache.Locks().Lock(slug)
	defer unlock()

	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "name must not be empty"))
			return
		}
		app.Name = name
	}
	if in.Status != nil {
		st := registry.Status(*in.Status)
		if !st.Valid() {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnum, "unknown status %q", *in.Status))
			return
		}
		app.Status = st
		if st == registry.StatusActive {
			app.LastError = ""
		}
	}
	if in.EntryPath != nil {
		if err := relativePath(*in.EntryPath); err != nil {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "entryPath: %v", err))
			return
		}
		app.EntryPath = *in.EntryPath
	}
	if in.BuildOutputDir != nil {
		if err := relativePath(*in.BuildOutputDir); err != nil {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "buildOutputDir: %v", err))
			return
		}
		app.BuildOutputDir = *in.BuildOutputDir
	}
	if in.ProxyMap != nil {
		if err := validProxyMap(*in.ProxyMap); err != nil {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "proxyMap: %v", err))
			return
		}
		app.ProxyMap = *in.ProxyMap
	}
	if in.WebhookURL != nil {
		if *in.WebhookURL != "" {
			if err := validWebhookURL(*in.WebhookURL); err != nil {
				writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "webhookUrl: %v", err))
				return
			}
		}
		app.WebhookURL = *in.WebhookURL
	}
	if in.Branch != nil {
		app.Branch = *in.Branch
	}

	if err := s.d.Apps.Update(r.Context(), app); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	// The next request reloads against the fresh row.
	s.d.Cache.Evict(r.Context(), slug, "changed")
	writeOK(w, http.StatusOK, map[string]any{"app": app})
}

/*──────────────────────────── rename ──────────────────────────────────────*/

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	oldSlug := chi.URLParam(r, "slug")
	var in struct {
		NewName string `json:"newName"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	newSlug := in.NewName
	if err := routing.ValidateSlug(newSlug); err != nil {
		writeErr(w, r, slugErr(newSlug, err))
		return
	}
	if newSlug == oldSlug {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "new slug equals the current slug"))
		return
	}

	unlock := s.d.Cache.Locks().Lock(oldSlug)
	defer unlock()

	app, err := s.d.Apps.Get(r.Context(), oldSlug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	s.d.Cache.Evict(r.Context(), oldSlug, "manual")

	// The tree moves before the row: a failed move leaves the row
	// untouched, and a failed row update rolls the tree back, which
	// cannot hit a duplicate-key wall the way a row rollback can.
	oldDir := filepath.Join(s.cfg.Paths.Apps, oldSlug)
	newDir := filepath.Join(s.cfg.Paths.Apps, newSlug)
	if err := os.Rename(oldDir, newDir); err != nil {
		writeErr(w, r, fail(http.StatusInternalServerError, CodeFSFailed, "could not move the app directory"))
		return
	}
	if err := s.d.Apps.Rename(r.Context(), oldSlug, newSlug); err != nil {
		if rbErr := os.Rename(newDir, oldDir); rbErr != nil {
			zap.S().Errorw("rename rollback failed", "slug", oldSlug, "error", rbErr)
		}
		writeErr(w, r, storeErr(err))
		return
	}

	s.d.Events.Record(r.Context(), newSlug, eventlog.EventRename, eventlog.LevelInfo,
		fmt.Sprintf("renamed from %s", oldSlug), eventlog.Meta{"oldSlug": oldSlug})
	if app.WebhookURL != "" {
		s.d.Hooks.Notify(newSlug, app.WebhookURL, webhook.EventUpdated,
			map[string]any{"oldSlug": oldSlug, "newSlug": newSlug})
	}
	writeOK(w, http.StatusOK, map[string]any{"oldSlug": oldSlug, "newSlug": newSlug})
}

/*──────────────────────────── delete ──────────────────────────────────────*/

func (s *Server) handleAppDelete(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	unlock := s.d.Cache.Locks().Lock(slug)
	defer unlock()

	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	s.d.Cache.Evict(r.Context(), slug, "manual")

	dir := filepath.Join(s.cfg.Paths.Apps, slug)
	if err := os.RemoveAll(dir); err != nil {
		if stErr := s.d.Apps.UpdateStatus(r.Context(), slug, registry.StatusError,
			"delete failed: "+err.Error()); stErr != nil {
			zap.S().Errorw("delete: status update failed", "slug", slug, "error", stErr)
		}
		writeErr(w, r, fail(http.StatusInternalServerError, CodeFSFailed, "could not remove the app directory"))
		return
	}
	if err := s.d.Apps.Delete(r.Context(), slug); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	if err := s.d.Events.DeleteApp(r.Context(), slug); err != nil {
		zap.S().Warnw("delete: event log cleanup failed", "slug", slug, "error", err)
	}

	if app.WebhookURL != "" {
		s.d.Hooks.Notify(slug, app.WebhookURL, webhook.EventDeleted,
			map[string]any{"name": app.Name})
	}
	writeOK(w, http.StatusOK, map[string]any{"slug": slug, "deleted": true})
}

/*──────────────────────────── sync and redeploy ───────────────────────────*/

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AutoRename bool `json:"autoRename"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	rep, err := s.d.Sync(r.Context(), in.AutoRename)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"report": rep})
}

func (s *Server) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	res, err := s.d.Deploys.Redeploy(r.Context(), slug)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	payload := map[string]any{"app": res.App}
	if len(res.Warnings) > 0 {
		payload["warnings"] = res.Warnings
	}
	writeOK(w, http.StatusOK, payload)
}

/*──────────────────────────── field validation ────────────────────────────*/

// relativePath accepts tree-relative paths only.
func relativePath(p string) error {
	if p == "" {
		return nil
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("must be relative")
	}
	if p != filepath.Clean(p) || strings.HasPrefix(p, "..") {
		return fmt.Errorf("must stay inside the app directory")
	}
	return nil
}

// validProxyMap checks prefixes and upstream URLs before they are
// persisted; the static handler revalidates at load time.
func validProxyMap(m registry.ProxyMap) error {
	for prefix, target := range m {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("prefix %q must start with /", prefix)
		}
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("target %q must be an absolute http(s) URL", target)
		}
	}
	return nil
}

// validWebhookURL accepts absolute http(s) URLs.
func validWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}
