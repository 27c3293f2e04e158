// internal/web/deploy.go
//
// Ingest handlers: archive upload, git import, and git update.
//
// Context
// -------
// These routes run without the request wall clock; the pipeline's own
// step deadlines (clone, install, build) bound them instead.  The
// upload handler spools the archive part into the platform tmp
// directory with an exact byte check — an archive at the limit passes,
// one byte over is a 413 — before any extraction starts.
//
// POST /api/apps/upload doubles as the update path: an existing slug
// replaces that app's tree, a fresh slug registers a new app.
//
// Oxford commas, two spaces after periods.

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/platformx/platformx/internal/deploy"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/routing"
)

// DefaultMaxUploadBytes caps archive uploads when the config leaves
// http.max_upload_bytes unset.
const DefaultMaxUploadBytes int64 = 50 << 20

func (s *Server) maxUpload() int64 {
	if s.cfg.HTTP.MaxUploadBytes > 0 {
		return s.cfg.HTTP.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

/*──────────────────────────── upload ──────────────────────────────────────*/

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	max := s.maxUpload()

	// Whole-body guard: the archive limit plus slack for the form
	// fields.  The exact file-size check happens on the part below, so
	// multipart overhead never rejects an archive that is itself legal.
	r.Body = http.MaxBytesReader(w, r.Body, max+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, r, fail(http.StatusRequestEntityTooLarge, CodeTooLarge, "upload exceeds the size limit"))
			return
		}
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "malformed multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	slug := r.FormValue("slug")
	if err := routing.ValidateSlug(slug); err != nil {
		writeErr(w, r, slugErr(slug, err))
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = slug
	}
	ov, aerr := overridesFromForm(r)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	part, hdr, err := r.FormFile("file")
	if err != nil {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "missing file field"))
		return
	}
	defer part.Close()
	if !strings.EqualFold(filepath.Ext(hdr.Filename), ".zip") {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadArchive, "only .zip archives are accepted"))
		return
	}

	zipPath, err := s.spoolUpload(part, max)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer os.Remove(zipPath)

	exists, err := s.d.Apps.Exists(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	var (
		res    *deploy.Result
		status int
	)
	if exists {
		res, err = s.d.Deploys.UpdateUpload(r.Context(), slug, zipPath, ov)
		status = http.StatusOK
	} else {
		res, err = s.d.Deploys.DeployUpload(r.Context(), slug, name, zipPath, ov)
		status = http.StatusCreated
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, status, deployPayload(res))
}

// spoolUpload copies the archive part into the platform tmp directory,
// enforcing the byte limit exactly.
func (s *Server) spoolUpload(part io.Reader, max int64) (string, error) {
	tmp, err := os.CreateTemp(s.cfg.Paths.Tmp, "upload-*.zip")
	if err != nil {
		return "", fail(http.StatusInternalServerError, CodeFSFailed, "could not spool the upload")
	}
	n, copyErr := io.Copy(tmp, io.LimitReader(part, max+1))
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		return "", fail(http.StatusInternalServerError, CodeFSFailed, "could not spool the upload")
	}
	if n > max {
		os.Remove(tmp.Name())
		return "", fail(http.StatusRequestEntityTooLarge, CodeTooLarge, "archive exceeds %d bytes", max)
	}
	return tmp.Name(), nil
}

/*──────────────────────────── git import ──────────────────────────────────*/

func (s *Server) handleGitImport(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RepoURL        string            `json:"repoURL"`
		Branch         string            `json:"branch"`
		Slug           string            `json:"slug"`
		Name           string            `json:"name"`
		EntryPath      string            `json:"entryPath"`
		Kind           string            `json:"kind"`
		BuildOutputDir string            `json:"buildOutputDir"`
		ProxyMap       registry.ProxyMap `json:"proxyMap"`
		Token          string            `json:"token"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := routing.ValidateSlug(in.Slug); err != nil {
		writeErr(w, r, slugErr(in.Slug, err))
		return
	}
	if err := deploy.ValidateRepoURL(in.RepoURL); err != nil {
		writeErr(w, r, err)
		return
	}
	ov, aerr := overrides(in.Kind, in.EntryPath, in.BuildOutputDir, in.ProxyMap)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}
	ov.Token = in.Token
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Slug
	}

	res, err := s.d.Deploys.DeployGit(r.Context(), in.Slug, name, in.RepoURL, in.Branch, ov)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, deployPayload(res))
}

func (s *Server) handleGitUpdate(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var in struct {
		Branch string `json:"branch"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	res, err := s.d.Deploys.UpdateGit(r.Context(), slug, in.Branch)
	if err != nil {
		// In the update context a failed fetch is 6003, not 6001.
		if errors.Is(err, deploy.ErrCloneFailed) {
			writeErr(w, r, fail(http.StatusInternalServerError, CodeUpdateFailed, "repository update failed"))
			return
		}
		writeErr(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, deployPayload(res))
}

/*──────────────────────────── shared pieces ───────────────────────────────*/

// deployPayload shapes a pipeline result: slug and kind at the top
// level for quick consumers, the full row for the dashboard.
func deployPayload(res *deploy.Result) map[string]any {
	payload := map[string]any{
		"slug": res.App.Slug,
		"kind": res.App.Kind,
		"app":  res.App,
	}
	if len(res.Warnings) > 0 {
		payload["warnings"] = res.Warnings
	}
	return payload
}

func overridesFromForm(r *http.Request) (deploy.Overrides, *apiError) {
	var pm registry.ProxyMap
	if raw := r.FormValue("proxyMap"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &pm); err != nil {
			return deploy.Overrides{}, fail(http.StatusBadRequest, CodeBadRequest, "proxyMap: malformed JSON")
		}
	}
	return overrides(r.FormValue("kind"), r.FormValue("entryPath"), r.FormValue("buildOutputDir"), pm)
}

func overrides(kind, entryPath, buildOutputDir string, pm registry.ProxyMap) (deploy.Overrides, *apiError) {
	var ov deploy.Overrides
	if kind != "" {
		k := registry.Kind(kind)
		if !k.Valid() {
			return ov, fail(http.StatusBadRequest, CodeBadEnum, "unknown kind %q", kind)
		}
		ov.Kind = k
	}
	if entryPath != "" {
		if err := relativePath(entryPath); err != nil {
			return ov, fail(http.StatusBadRequest, CodeBadRequest, "entryPath: %v", err)
		}
		ov.EntryPath = entryPath
	}
	if buildOutputDir != "" {
		if err := relativePath(buildOutputDir); err != nil {
			return ov, fail(http.StatusBadRequest, CodeBadRequest, "buildOutputDir: %v", err)
		}
		ov.BuildOutputDir = buildOutputDir
	}
	if len(pm) > 0 {
		if err := validProxyMap(pm); err != nil {
			return ov, fail(http.StatusBadRequest, CodeBadRequest, "proxyMap: %v", err)
		}
		ov.ProxyMap = pm
	}
	return ov, nil
}
