// internal/registry/registry.go
//
// App registry store.
//
// Context
// -------
// Thin sqlx repository over the `apps` table.  The store carries no cache
// and no locking; request-path lookups go through the tenant cache, and
// mutating admin operations serialize on the per-slug locks owned by the
// HTTP layer.
//
// Oxford commas, two spaces after periods.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound = errors.New("registry: app not found")
	ErrExists   = errors.New("registry: slug already registered")
)

const appColumns = `
        slug, name, status, kind, entry_path, build_output_dir, proxy_map,
        source, repo_url, branch, webhook_url, request_count, last_error,
        created_at, updated_at, last_deployed_at`

// Store is safe for concurrent use; it owns no state beyond the pool.
type Store struct {
	db *sqlx.DB
}

// New wraps an open control-plane pool.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// List returns every registered app ordered by slug.
func (s *Store) List(ctx context.Context) ([]App, error) {
	const q = `SELECT` + appColumns + ` FROM apps ORDER BY slug`
	var rows []App
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return rows, nil
}

// ListByStatus returns only the apps in one operational state.
func (s *Store) ListByStatus(ctx context.Context, st Status) ([]App, error) {
	const q = `SELECT` + appColumns + ` FROM apps WHERE status = ? ORDER BY slug`
	var rows []App
	if err := s.db.SelectContext(ctx, &rows, q, st); err != nil {
		return nil, fmt.Errorf("registry: list by status: %w", err)
	}
	return rows, nil
}

// Get fetches a single app row.  Returns ErrNotFound when the slug is
// unregistered.
func (s *Store) Get(ctx context.Context, slug string) (*App, error) {
	const q = `SELECT` + appColumns + ` FROM apps WHERE slug = ? LIMIT 1`
	var rec App
	if err := s.db.GetContext(ctx, &rec, q, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get %s: %w", slug, err)
	}
	return &rec, nil
}

// Exists reports whether a slug is registered.
func (s *Store) Exists(ctx context.Context, slug string) (bool, error) {
	const q = `SELECT COUNT(*) FROM apps WHERE slug = ?`
	var n int
	if err := s.db.GetContext(ctx, &n, q, slug); err != nil {
		return false, fmt.Errorf("registry: exists %s: %w", slug, err)
	}
	return n > 0, nil
}

// Create inserts a new app row.  Returns ErrExists on a slug collision.
func (s *Store) Create(ctx context.Context, a *App) error {
	const q = `
        INSERT INTO apps
               (slug, name, status, kind, entry_path, build_output_dir,
                proxy_map, source, repo_url, branch, webhook_url, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		a.Slug, a.Name, a.Status, a.Kind, a.EntryPath, a.BuildOutputDir,
		a.ProxyMap, a.Source, a.RepoURL, a.Branch, a.WebhookURL, a.LastError)
	if err != nil {
		if isDuplicate(err) {
			return ErrExists
		}
		return fmt.Errorf("registry: create %s: %w", a.Slug, err)
	}
	return nil
}

// Update rewrites every mutable column of an existing row.
func (s *Store) Update(ctx context.Context, a *App) error {
	const q = `
        UPDATE apps
        SET    name = ?, status = ?, kind = ?, entry_path = ?,
               build_output_dir = ?, proxy_map = ?, source = ?, repo_url = ?,
               branch = ?, webhook_url = ?, last_error = ?
        WHERE  slug = ?`
	res, err := s.db.ExecContext(ctx, q,
		a.Name, a.Status, a.Kind, a.EntryPath, a.BuildOutputDir,
		a.ProxyMap, a.Source, a.RepoURL, a.Branch, a.WebhookURL, a.LastError,
		a.Slug)
	if err != nil {
		return fmt.Errorf("registry: update %s: %w", a.Slug, err)
	}
	return requireRow(res, a.Slug)
}

// UpdateStatus flips the operational state and replaces the error detail.
func (s *Store) UpdateStatus(ctx context.Context, slug string, st Status, lastError string) error {
	const q = `UPDATE apps SET status = ?, last_error = ? WHERE slug = ?`
	res, err := s.db.ExecContext(ctx, q, st, lastError, slug)
	if err != nil {
		return fmt.Errorf("registry: status %s: %w", slug, err)
	}
	return requireRow(res, slug)
}

// SetDeployed stamps a successful deploy and clears any stale error.
func (s *Store) SetDeployed(ctx context.Context, slug string, at time.Time) error {
	const q = `
        UPDATE apps
        SET    status = ?, last_error = '', last_deployed_at = ?
        WHERE  slug = ?`
	res, err := s.db.ExecContext(ctx, q, StatusActive, at.UTC(), slug)
	if err != nil {
		return fmt.Errorf("registry: set deployed %s: %w", slug, err)
	}
	return requireRow(res, slug)
}

// Rename moves a row to a new slug.  Returns ErrExists when the target slug
// is taken, ErrNotFound when the source row is gone.
func (s *Store) Rename(ctx context.Context, oldSlug, newSlug string) error {
	const q = `UPDATE apps SET slug = ? WHERE slug = ?`
	res, err := s.db.ExecContext(ctx, q, newSlug, oldSlug)
	if err != nil {
		if isDuplicate(err) {
			return ErrExists
		}
		return fmt.Errorf("registry: rename %s: %w", oldSlug, err)
	}
	return requireRow(res, oldSlug)
}

// Delete removes the row.  Idempotent: a missing row is not an error, the
// admin API treats delete as "make it gone".
func (s *Store) Delete(ctx context.Context, slug string) error {
	const q = `DELETE FROM apps WHERE slug = ?`
	if _, err := s.db.ExecContext(ctx, q, slug); err != nil {
		return fmt.Errorf("registry: delete %s: %w", slug, err)
	}
	return nil
}

// AddRequests folds an in-memory request tally into the persistent counter.
// Called by the periodic flusher and on eviction, never per request.
func (s *Store) AddRequests(ctx context.Context, slug string, n uint64) error {
	if n == 0 {
		return nil
	}
	const q = `UPDATE apps SET request_count = request_count + ? WHERE slug = ?`
	if _, err := s.db.ExecContext(ctx, q, n, slug); err != nil {
		return fmt.Errorf("registry: add requests %s: %w", slug, err)
	}
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func requireRow(res sql.Result, slug string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected %s: %w", slug, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicate matches MySQL error 1062 (duplicate key).
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
