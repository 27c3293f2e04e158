// internal/backup/backup.go
//
// Backup engine.
//
// Context
// -------
// A backup is one self-contained zip: the app tree as it sits under
// apps/<slug>, plus a metadata.json carrying the registry row at
// snapshot time.  The archive alone is enough to rebuild the app on
// any PlatformX install.  The engine owns the backups directory
// exclusively: archives are written through a temp-and-rename so a
// crashed snapshot never leaves a half-written .zip behind, and
// restores extract into staging first so a hostile or truncated
// archive cannot take down a live tree.
//
// Restore is a mutating admin operation and runs under the per-app
// lock; create only reads the tree and does not.
//
// Oxford commas, two spaces after periods.

package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/metrics"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/routing"
)

const (
	// timeLayout renders ISO-8601 basic format, colon-free for filenames.
	timeLayout = "20060102T150405Z"

	metadataName = "metadata.json"
)

var (
	// ErrNotFound means no archive by that name exists.
	ErrNotFound = errors.New("backup: archive not found")
	// ErrTargetExists blocks a restore onto a live slug without overwrite.
	ErrTargetExists = errors.New("backup: restore target exists")
	// ErrBadArchive covers unreadable, traversing, or metadata-less zips.
	ErrBadArchive = errors.New("backup: invalid archive")
	// ErrBadName rejects archive names that are not plain filenames.
	ErrBadName = errors.New("backup: invalid archive name")
)

// Info describes one archive on disk.
type Info struct {
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// Config is the filesystem layout the engine works in.
type Config struct {
	Dir     string // backups root
	AppsDir string
	TmpDir  string // restore staging
}

// EventSink is the slice of the event log the engine records to.
type EventSink interface {
	Record(ctx context.Context, slug, event, level, message string, meta eventlog.Meta)
}

// Deps are the restore-side collaborators.  Create needs none of them.
type Deps struct {
	Apps   *registry.Store
	Events EventSink
	// Evict drops the slug from the tenant cache before its tree is
	// replaced.  May be nil.
	Evict func(slug string)
	// Lock acquires the per-app mutex shared with the tenant cache and
	// the admin API.  May be nil.
	Lock func(slug string) (unlock func())
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg Config
	d   Deps
}

// New builds an engine.
func New(cfg Config, d Deps) *Engine { return &Engine{cfg: cfg, d: d} }

/*──────────────────────────── operations ──────────────────────────────────*/

// Create snapshots the app's tree and row into a new archive and
// returns its description.
func (e *Engine) Create(ctx context.Context, app *registry.App) (*Info, error) {
	src := filepath.Join(e.cfg.AppsDir, app.Slug)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("backup: app tree missing for %s", app.Slug)
	}
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", e.cfg.Dir, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	name := fmt.Sprintf("%s-%s.zip", app.Slug, now.Format(timeLayout))
	tmp := filepath.Join(e.cfg.Dir, name+".partial")
	if err := writeArchive(tmp, src, app); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	final := filepath.Join(e.cfg.Dir, name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("backup: finalize %s: %w", name, err)
	}

	fi, err := os.Stat(final)
	if err != nil {
		return nil, fmt.Errorf("backup: stat %s: %w", name, err)
	}
	metrics.BackupOperationsTotal.WithLabelValues("create").Inc()
	e.event(ctx, app.Slug, "backup created: "+name, eventlog.Meta{"name": name, "op": "create"})
	zap.S().Infow("backup created", "slug", app.Slug, "name", name, "bytes", fi.Size())
	return &Info{Name: name, Slug: app.Slug, CreatedAt: now, SizeBytes: fi.Size()}, nil
}

// List enumerates archives, newest first.  Partial files and strays
// that do not parse as <slug>-<timestamp>.zip stay invisible.
func (e *Engine) List() ([]Info, error) {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	out := []Info{}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		slug, ts, ok := parseName(ent.Name())
		if !ok {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: ent.Name(), Slug: slug, CreatedAt: ts, SizeBytes: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Restore rebuilds an app from an archive.  target overrides the slug
// recorded in the metadata; overwrite permits replacing a live app.
func (e *Engine) Restore(ctx context.Context, name, target string, overwrite bool) (*registry.App, error) {
	archive, err := e.archivePath(name)
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(archive)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = meta.Slug
	}
	if err := routing.ValidateSlug(target); err != nil {
		return nil, err
	}

	unlock := e.lockSlug(target)
	defer unlock()

	dest := filepath.Join(e.cfg.AppsDir, target)
	existing, err := e.d.Apps.Get(ctx, target)
	switch {
	case err == nil:
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrTargetExists, target)
		}
	case errors.Is(err, registry.ErrNotFound):
		existing = nil
		// A rowless leftover tree still blocks a plain restore.
		if _, statErr := os.Stat(dest); statErr == nil && !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrTargetExists, target)
		}
	default:
		return nil, fmt.Errorf("backup: look up %s: %w", target, err)
	}

	staging := filepath.Join(e.cfg.TmpDir, fmt.Sprintf("%s-restore-%d", target, time.Now().UnixMilli()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("backup: stage %s: %w", target, err)
	}
	defer os.RemoveAll(staging)
	if err := extractTree(archive, staging); err != nil {
		return nil, err
	}

	if existing != nil || dirExists(dest) {
		if e.d.Evict != nil {
			e.d.Evict(target)
		}
		if err := os.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("backup: clear %s: %w", target, err)
		}
		if existing != nil {
			if err := e.d.Apps.Delete(ctx, target); err != nil {
				return nil, fmt.Errorf("backup: drop row %s: %w", target, err)
			}
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		return nil, fmt.Errorf("backup: move restored tree for %s: %w", target, err)
	}

	app := *meta
	app.Slug = target
	if err := e.d.Apps.Create(ctx, &app); err != nil {
		return nil, fmt.Errorf("backup: register %s: %w", target, err)
	}
	if app.RequestCount > 0 {
		// Carry the lifetime counter across the restore.
		if err := e.d.Apps.AddRequests(ctx, target, app.RequestCount); err != nil {
			zap.S().Warnw("restored request count not applied", "slug", target, "err", err)
		}
	}

	metrics.BackupOperationsTotal.WithLabelValues("restore").Inc()
	e.event(ctx, target, "restored from "+name, eventlog.Meta{"name": name, "op": "restore", "sourceSlug": meta.Slug})
	zap.S().Infow("backup restored", "slug", target, "name", name, "overwrite", overwrite)

	restored, err := e.d.Apps.Get(ctx, target)
	if err != nil {
		return &app, nil
	}
	return restored, nil
}

// Delete removes one archive.
func (e *Engine) Delete(ctx context.Context, name string) error {
	archive, err := e.archivePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(archive); err != nil {
		return fmt.Errorf("backup: delete %s: %w", name, err)
	}
	metrics.BackupOperationsTotal.WithLabelValues("delete").Inc()
	if slug, _, ok := parseName(name); ok {
		e.event(ctx, slug, "backup deleted: "+name, eventlog.Meta{"name": name, "op": "delete"})
	}
	return nil
}

// Prune deletes archives older than the given age and reports how many
// went.  Age is judged by the filename timestamp, the same field List
// reports.
func (e *Engine) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	archives, err := e.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	pruned := 0
	for _, a := range archives {
		if a.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(e.cfg.Dir, a.Name)); err != nil {
			zap.S().Warnw("prune failed", "name", a.Name, "err", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		metrics.BackupOperationsTotal.WithLabelValues("prune").Inc()
		zap.S().Infow("backups pruned", "count", pruned, "olderThan", olderThan)
	}
	return pruned, nil
}

/*──────────────────────────── archive I/O ─────────────────────────────────*/

// writeArchive zips root plus the metadata document into dst.
func writeArchive(dst, root string, app *registry.App) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	meta, err := json.MarshalIndent(app, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: encode metadata: %w", err)
	}
	w, err := zw.Create(metadataName)
	if err != nil {
		return fmt.Errorf("backup: write metadata: %w", err)
	}
	if _, err := w.Write(meta); err != nil {
		return fmt.Errorf("backup: write metadata: %w", err)
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			// Sockets and links are not portable; the tree works without
			// them after an npm install.
			return nil
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("backup: archive %s: %w", root, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("backup: finalize archive: %w", err)
	}
	return out.Sync()
}

// readMetadata pulls the registry row snapshot out of an archive.
func readMetadata(archive string) (*registry.App, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != metadataName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrBadArchive, err)
		}
		defer rc.Close()
		var app registry.App
		if err := json.NewDecoder(rc).Decode(&app); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrBadArchive, err)
		}
		if app.Slug == "" {
			return nil, fmt.Errorf("%w: metadata carries no slug", ErrBadArchive)
		}
		return &app, nil
	}
	return nil, fmt.Errorf("%w: no %s entry", ErrBadArchive, metadataName)
}

// extractTree unpacks everything except the metadata document into
// dest, refusing traversal and symlink entries.
func extractTree(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := strings.TrimPrefix(filepath.ToSlash(f.Name), "/")
		if name == "" || name == metadataName {
			continue
		}
		cleaned := path.Clean(name)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
			return fmt.Errorf("%w: entry %q escapes the root", ErrBadArchive, f.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(cleaned))

		mode := f.Mode()
		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("backup: mkdir %s: %w", name, err)
			}
		case mode&os.ModeSymlink != 0:
			continue
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("backup: mkdir %s: %w", name, err)
			}
			if err := extractFile(f, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrBadArchive, f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", f.Name, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("backup: write %s: %w", f.Name, err)
	}
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

// archivePath validates a caller-supplied name and resolves it inside
// the backups directory.
func (e *Engine) archivePath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".zip") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	p := filepath.Join(e.cfg.Dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// parseName splits <slug>-<timestamp>.zip.  Slugs may contain hyphens,
// so the timestamp is anchored at the last one.
func parseName(name string) (string, time.Time, bool) {
	base, ok := strings.CutSuffix(name, ".zip")
	if !ok {
		return "", time.Time{}, false
	}
	i := strings.LastIndexByte(base, '-')
	if i <= 0 {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(timeLayout, base[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return base[:i], ts.UTC(), true
}

func (e *Engine) lockSlug(slug string) func() {
	if e.d.Lock == nil {
		return func() {}
	}
	return e.d.Lock(slug)
}

func (e *Engine) event(ctx context.Context, slug, message string, meta eventlog.Meta) {
	if e.d.Events != nil {
		e.d.Events.Record(ctx, slug, eventlog.EventBackup, eventlog.LevelInfo, message, meta)
	}
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
