// internal/registry/sync.go
//
// Filesystem reconciliation.
//
// Context
// -------
// The apps directory and the `apps` table can drift: operators drop folders
// in by hand, restores land mid-crash, rows outlive a deleted tree.  Sync
// walks the directory once and converges both sides:
//
//   - directory without a row   → register it, provided it holds a
//     recognized entry file and that file passes the code check,
//   - row without a directory   → delete the row,
//   - both present              → leave untouched.
//
// Folders whose names are not legal slugs are renamed to their sanitized
// form when autoRename is set, and skipped otherwise.  A sanitized name
// that collides with anything — another directory, a registered app, or an
// adoption earlier in the same pass — skips the folder rather than
// inventing a new name for it.  Skipped entries carry a reason and repeat
// on every pass until the operator fixes the underlying directory; added,
// removed, and renamed drain to zero, so a second run with no intervening
// change reports no deltas.
//
// Oxford commas, two spaces after periods.

package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/routing"
)

// InspectFunc probes an app directory for its serving mode.  The deploy
// package supplies the real implementation; tests stub it.  An empty
// entryPath means the directory holds no recognized entry file.
type InspectFunc func(dir string) (kind Kind, entryPath, buildOutputDir string)

// ValidateFunc checks a candidate entry file for forbidden constructs.  A
// nil return means the file is safe to register.
type ValidateFunc func(path string) error

// SyncReport summarizes what one reconciliation pass changed.  Skipped maps
// the directory (or slug) to the reason it was left alone.
type SyncReport struct {
	Added   []string          `json:"added"`
	Removed []string          `json:"removed,omitempty"`
	Renamed map[string]string `json:"renamed,omitempty"`
	Skipped map[string]string `json:"skipped,omitempty"`
}

// Reconcile converges the apps directory and the registry.
func Reconcile(ctx context.Context, st *Store, appsDir string, inspect InspectFunc, validate ValidateFunc, autoRename bool) (*SyncReport, error) {
	entries, err := os.ReadDir(appsDir)
	if err != nil {
		return nil, fmt.Errorf("registry: read apps dir: %w", err)
	}

	known, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]*App, len(known))
	for i := range known {
		rows[known[i].Slug] = &known[i]
	}

	rep := &SyncReport{Renamed: map[string]string{}, Skipped: map[string]string{}}
	onDisk := make(map[string]bool, len(entries))

	for _, ent := range entries {
		if !ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		name := ent.Name()

		if routing.ValidateSlug(name) == nil {
			onDisk[name] = true
			if _, ok := rows[name]; ok {
				continue
			}
		}

		kind, entry, outDir := KindBackend, "", ""
		if inspect != nil {
			kind, entry, outDir = inspect(filepath.Join(appsDir, name))
		}
		if entry == "" {
			rep.Skipped[name] = "no recognized entry file"
			continue
		}

		slug := name
		if routing.ValidateSlug(name) != nil {
			if !autoRename {
				rep.Skipped[name] = "name is not a valid slug"
				continue
			}
			slug, err = adoptDirectory(ctx, st, appsDir, name, onDisk)
			if err != nil {
				zap.S().Warnw("sync skipped directory", "dir", name, "err", err)
				rep.Skipped[name] = err.Error()
				continue
			}
			rep.Renamed[name] = slug
			onDisk[slug] = true
		}

		if validate != nil {
			if verr := validate(filepath.Join(appsDir, slug, filepath.FromSlash(entry))); verr != nil {
				rep.Skipped[slug] = verr.Error()
				continue
			}
		}

		app := &App{
			Slug:           slug,
			Name:           slug,
			Status:         StatusActive,
			Kind:           kind,
			EntryPath:      entry,
			BuildOutputDir: outDir,
			ProxyMap:       ProxyMap{},
			Source:         SourceManual,
		}
		if err := st.Create(ctx, app); err != nil {
			return nil, err
		}
		rep.Added = append(rep.Added, slug)
		zap.S().Infow("sync registered app", "slug", slug, "kind", kind)
	}

	for slug := range rows {
		if onDisk[slug] {
			continue
		}
		if err := st.Delete(ctx, slug); err != nil {
			return nil, err
		}
		rep.Removed = append(rep.Removed, slug)
		zap.S().Warnw("sync removed app with missing directory", "slug", slug)
	}

	return rep, nil
}

// adoptDirectory renames a folder whose name is not a legal slug to its
// sanitized form and returns the new slug.  A sanitized form that is
// still invalid, or that collides with an existing directory, a
// registered app, or an adoption earlier this pass, is an error; the
// caller skips the folder and the tree stays untouched.
func adoptDirectory(ctx context.Context, st *Store, appsDir, name string, claimed map[string]bool) (string, error) {
	slug := routing.Sanitize(name)
	if slug == "" {
		return "", fmt.Errorf("name %q sanitizes to nothing", name)
	}
	if len(slug) < routing.SlugMinLen {
		slug = "app-" + slug
	}
	if err := routing.ValidateSlug(slug); err != nil {
		return "", fmt.Errorf("sanitized name %q: %w", slug, err)
	}

	if claimed[slug] {
		return "", fmt.Errorf("sanitized name %q collides with another directory", slug)
	}
	if _, err := os.Stat(filepath.Join(appsDir, slug)); err == nil {
		return "", fmt.Errorf("sanitized name %q collides with an existing directory", slug)
	}
	taken, err := st.Exists(ctx, slug)
	if err != nil {
		return "", err
	}
	if taken {
		return "", fmt.Errorf("sanitized name %q collides with a registered app", slug)
	}

	if err := os.Rename(filepath.Join(appsDir, name), filepath.Join(appsDir, slug)); err != nil {
		return "", fmt.Errorf("rename %q: %w", name, err)
	}
	return slug, nil
}
