// internal/database/database.go
//
// Control-plane database handle.
//
// Context
// -------
// PlatformX keeps its own records (apps, settings, event logs) in a single
// MySQL schema, while every hosted app gets a private schema named
// `app_<slug>`.  This file owns the control-plane connection plus the
// helpers that derive and provision the per-app namespaces.  Both the
// driver's native DSN form and the `mysql://` URL form are accepted, and
// each app's namespace is handed to its process as a `mysql://` URL,
// which is what Node clients expect.
//
// Oxford commas, two spaces after periods.

package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

/*──────────────────── control-plane pool ────────────────────*/

// Options tunes the behaviour of the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultOptions returns sane defaults for the control-plane pool.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    15,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Open connects with DefaultOptions.
func Open(dsn string) (*sqlx.DB, error) {
	return OpenWithOptions(dsn, DefaultOptions())
}

// OpenWithOptions opens a MySQL pool, applies the pool limits, and verifies
// connectivity with a short ping.  The DSN is normalized so DATETIME columns
// scan into time.Time regardless of what the operator wrote.
func OpenWithOptions(dsn string, opt Options) (*sqlx.DB, error) {
	normalized, err := normalizeDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parse dsn: %w", err)
	}

	db, err := sqlx.Open("mysql", normalized)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opt.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return db, nil
}

// normalizeDSN forces parseTime on so the driver hands back time.Time, and
// ClientFoundRows so RowsAffected means "matched" rather than "changed".
// Idempotent UPDATEs must not read as missing rows.
func normalizeDSN(dsn string) (string, error) {
	cfg, err := parseAny(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// parseAny accepts the driver's native DSN form and the mysql:// URL
// form operators habitually put in DATABASE_URL.
func parseAny(dsn string) (*mysql.Config, error) {
	if !strings.HasPrefix(dsn, "mysql://") {
		return mysql.ParseDSN(dsn)
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" {
		cfg.Addr = net.JoinHostPort(u.Hostname(), "3306")
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	return cfg, nil
}

/*──────────────────── per-app namespaces ────────────────────*/

// NamespaceName returns the MySQL schema name for an app slug.  Hyphens are
// not legal in unquoted identifiers, so they map to underscores.
func NamespaceName(slug string) string {
	return "app_" + strings.ReplaceAll(slug, "-", "_")
}

// NamespaceDSN rewrites the control-plane DSN to point at the app's schema.
func NamespaceDSN(dsn, slug string) (string, error) {
	cfg, err := parseAny(dsn)
	if err != nil {
		return "", fmt.Errorf("database: parse dsn: %w", err)
	}
	cfg.DBName = NamespaceName(slug)
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// NamespaceURL renders the app's schema as a mysql:// URL, the shape
// Node database clients consume.  Injected into each app's environment
// as DATABASE_URL.
func NamespaceURL(dsn, slug string) (string, error) {
	cfg, err := parseAny(dsn)
	if err != nil {
		return "", fmt.Errorf("database: parse dsn: %w", err)
	}
	u := url.URL{
		Scheme: "mysql",
		Host:   cfg.Addr,
		Path:   "/" + NamespaceName(slug),
	}
	if cfg.User != "" {
		u.User = url.User(cfg.User)
		if cfg.Passwd != "" {
			u.User = url.UserPassword(cfg.User, cfg.Passwd)
		}
	}
	return u.String(), nil
}

// EnsureNamespace creates the app's schema when it does not exist yet.  The
// slug has already passed validation, so interpolating the derived name is
// safe; MySQL does not allow placeholders in DDL.
func EnsureNamespace(ctx context.Context, db *sqlx.DB, slug string) error {
	stmt := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		NamespaceName(slug),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("database: ensure namespace %s: %w", NamespaceName(slug), err)
	}
	return nil
}
