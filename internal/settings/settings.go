// internal/settings/settings.go
//
// Platform-wide settings store.
//
// Context
// -------
// Operator-tunable key/value pairs (git credentials, backup retention,
// webhook toggles) live in the `settings` table rather than the process
// environment, so they can change without a restart.  Values flagged
// encrypted are either secrets or `vault:` references; listings mask them,
// and GetValue dereferences them through the optional resolver.
//
// Oxford commas, two spaces after periods.

package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/platformx/platformx/internal/vault"
)

// ErrNotFound is returned for unknown keys.
var ErrNotFound = errors.New("settings: key not found")

// Known categories.  Anything else is rejected at write time.
const (
	CategoryGeneral = "general"
	CategoryGitHub  = "github"
	CategorySystem  = "system"
	CategoryBackup  = "backup"
	CategoryWebhook = "webhook"
)

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c string) bool {
	switch c {
	case CategoryGeneral, CategoryGitHub, CategorySystem, CategoryBackup, CategoryWebhook:
		return true
	}
	return false
}

// Setting mirrors one row in the `settings` table.
type Setting struct {
	Key         string    `db:"key"         json:"key"`
	Value       string    `db:"value"       json:"value"`
	Category    string    `db:"category"    json:"category"`
	Encrypted   bool      `db:"encrypted"   json:"encrypted"`
	Description string    `db:"description" json:"description,omitempty"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updatedAt"`
}

const mask = "********"

// Redacted returns a copy safe for listings: encrypted values are replaced
// with a fixed mask so their length leaks nothing.
func (s Setting) Redacted() Setting {
	if s.Encrypted && s.Value != "" {
		s.Value = mask
	}
	return s
}

// Resolver dereferences indirect secret values.  *vault.Client satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, s string, ttl time.Duration) (string, error)
}

// Store is safe for concurrent use.
type Store struct {
	db       *sqlx.DB
	resolver Resolver
}

// New wraps the control-plane pool.  resolver may be nil when the
// deployment runs without Vault.
func New(db *sqlx.DB, resolver Resolver) *Store {
	return &Store{db: db, resolver: resolver}
}

// All returns every setting ordered by category then key.  Values are not
// masked here; the HTTP layer redacts before serializing.
func (s *Store) All(ctx context.Context) ([]Setting, error) {
	const q = `
        SELECT ` + "`key`" + `, value, category, encrypted, description, updated_at
        FROM   settings
        ORDER  BY category, ` + "`key`"
	var rows []Setting
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	return rows, nil
}

// ByCategory returns the settings of one category ordered by key.
func (s *Store) ByCategory(ctx context.Context, category string) ([]Setting, error) {
	const q = `
        SELECT ` + "`key`" + `, value, category, encrypted, description, updated_at
        FROM   settings
        WHERE  category = ?
        ORDER  BY ` + "`key`"
	var rows []Setting
	if err := s.db.SelectContext(ctx, &rows, q, category); err != nil {
		return nil, fmt.Errorf("settings: list %s: %w", category, err)
	}
	return rows, nil
}

// Get fetches one setting row, mask-free.
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	const q = `
        SELECT ` + "`key`" + `, value, category, encrypted, description, updated_at
        FROM   settings
        WHERE  ` + "`key`" + ` = ?
        LIMIT  1`
	var row Setting
	if err := s.db.GetContext(ctx, &row, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return &row, nil
}

// GetValue returns the usable value of a key: unknown keys yield "", and
// `vault:` references resolve through the resolver when one is wired.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	row, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if vault.IsRef(row.Value) {
		if s.resolver == nil {
			return "", fmt.Errorf("settings: %s is a vault reference but no resolver is configured", key)
		}
		return s.resolver.Resolve(ctx, row.Value, 5*time.Minute)
	}
	return row.Value, nil
}

// Set upserts a setting.
func (s *Store) Set(ctx context.Context, in Setting) error {
	if in.Key == "" {
		return fmt.Errorf("settings: key must not be empty")
	}
	if in.Category == "" {
		in.Category = CategoryGeneral
	}
	if !ValidCategory(in.Category) {
		return fmt.Errorf("settings: unknown category %q", in.Category)
	}
	const q = `
        INSERT INTO settings (` + "`key`" + `, value, category, encrypted, description)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
               value = VALUES(value), category = VALUES(category),
               encrypted = VALUES(encrypted), description = VALUES(description)`
	if _, err := s.db.ExecContext(ctx, q,
		in.Key, in.Value, in.Category, in.Encrypted, in.Description); err != nil {
		return fmt.Errorf("settings: set %s: %w", in.Key, err)
	}
	return nil
}

// Delete removes a key.  Missing keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	const q = "DELETE FROM settings WHERE `key` = ?"
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	return nil
}
