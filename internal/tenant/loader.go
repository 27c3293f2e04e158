// internal/tenant/loader.go
//
// Cache miss path.
//
// Context
// -------
// A load turns an app row into a serving Tenant.  Frontend apps bind a
// static handler over the build output; backend and fullstack apps are
// revalidated against the deploy-time entry screen, given a database
// namespace, and spawned as a child process.  Every step that can fail
// fails the load as a whole, and the caller parks the row in error
// state so operators can see why.
//
// The caller holds the per-app lock for the duration, so a load never
// races a deploy's activation or an admin mutation on the same slug.
//
// Oxford commas, two spaces after periods.

package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/codescan"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/runner"
)

// load executes the miss path for one slug.
func (c *Cache) load(ctx context.Context, slug string) (*Tenant, error) {
	app, err := c.d.Apps.Get(ctx, slug)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenant: look up %s: %w", slug, err)
	}
	if app.Status == registry.StatusDisabled {
		return nil, ErrDisabled
	}

	dir := filepath.Join(c.d.AppsDir, slug)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("tenant: app directory missing for %s", slug)
	}

	vars, err := c.d.Env.Load(slug)
	if err != nil {
		return nil, fmt.Errorf("tenant: env snapshot for %s: %w", slug, err)
	}

	t := &Tenant{App: *app, Env: vars, dir: dir, loadedAt: time.Now()}
	t.Touch()

	if app.Kind == registry.KindFrontend {
		h, err := NewStatic(filepath.Join(dir, app.BuildOutputDir), app.ProxyMap)
		if err != nil {
			return nil, err
		}
		t.Handler = h
	} else if err := c.loadProcess(ctx, t); err != nil {
		return nil, err
	}

	// A row parked in error state heals on the next successful load.
	if app.Status == registry.StatusError {
		if err := c.d.Apps.UpdateStatus(ctx, slug, registry.StatusActive, ""); err != nil {
			zap.S().Warnw("error-state clear failed", "slug", slug, "err", err)
		} else {
			t.App.Status = registry.StatusActive
			t.App.LastError = ""
		}
	}
	return t, nil
}

// loadProcess runs the backend and fullstack side of a load: screen
// the entry again, provision the namespace, then spawn the child.
func (c *Cache) loadProcess(ctx context.Context, t *Tenant) error {
	slug := t.App.Slug
	entry := t.App.EntryPath
	if entry == "" {
		return fmt.Errorf("tenant: %s has no entry file recorded", slug)
	}

	// The deploy-time screen runs again on every load.  A tree edited
	// on disk since deployment must not start binding ports.
	v, err := codescan.CheckFile(filepath.Join(t.dir, entry))
	if err != nil {
		return fmt.Errorf("tenant: validate %s: %w", slug, err)
	}
	if v != nil {
		return fmt.Errorf("tenant: %s: %s", slug, v.Reason())
	}

	var (
		db    *sqlx.DB
		dbURL string
	)
	if c.d.Namespace != nil {
		db, dbURL, err = c.d.Namespace(ctx, slug)
		if err != nil {
			return fmt.Errorf("tenant: namespace for %s: %w", slug, err)
		}
	}

	if c.d.Spawn == nil {
		if db != nil {
			db.Close()
		}
		return fmt.Errorf("tenant: no process runner configured")
	}
	proc, err := c.d.Spawn(ctx, runner.Spec{
		Slug:  slug,
		Dir:   t.dir,
		Entry: entry,
		Env:   runner.ChildEnv(c.d.Dev, t.Env, dbURL),
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return err
	}
	t.DB = db
	t.proc = proc
	t.Handler = proc.Handler()
	return nil
}
