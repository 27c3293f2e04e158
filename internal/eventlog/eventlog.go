// internal/eventlog/eventlog.go
//
// Per-app event history.
//
// Context
// -------
// Everything notable that happens to an app (deploys, evictions, runtime
// errors, webhook deliveries) is recorded twice: a structured row in
// `event_logs` for the admin API, and a plain line in logs/<slug>.log for
// operators tailing a single app.  The file side rotates through
// lumberjack so a crash-looping app cannot fill the disk.
//
// Oxford commas, two spaces after periods.

package eventlog

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

/*──────────────────────────── vocabulary ──────────────────────────────────*/

// Event names recorded by the platform.
const (
	EventLoad          = "load"
	EventUnload        = "unload"
	EventDeploy        = "deploy"
	EventRedeploy      = "redeploy"
	EventEnvUpdate     = "env-update"
	EventGitImport     = "git-import"
	EventArchiveUpload = "archive-upload"
	EventError         = "error"
	EventDelete        = "delete"
	EventRename        = "rename"
	EventBackup        = "backup"
	EventWebhook       = "webhook"
)

// Levels for filtering.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Meta is free-form context attached to an entry.  Stored as JSON text.
type Meta map[string]any

// Value implements driver.Valuer; empty metadata stores as "{}".
func (m Meta) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Meta) Scan(src any) error {
	if src == nil {
		*m = Meta{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("eventlog: cannot scan %T into Meta", src)
	}
	if len(raw) == 0 {
		*m = Meta{}
		return nil
	}
	out := Meta{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("eventlog: decode metadata: %w", err)
	}
	*m = out
	return nil
}

// Entry mirrors one row in `event_logs`.
type Entry struct {
	ID        uint64    `db:"id"         json:"id"`
	Slug      string    `db:"slug"       json:"slug"`
	Event     string    `db:"event"      json:"event"`
	Level     string    `db:"level"      json:"level"`
	Message   string    `db:"message"    json:"message"`
	Metadata  Meta      `db:"metadata"   json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

/*──────────────────────────── recorder ────────────────────────────────────*/

// Recorder writes entries to the database and the per-app files.  Safe for
// concurrent use.
type Recorder struct {
	db      *sqlx.DB
	logsDir string

	mu    sync.Mutex
	sinks map[string]*lumberjack.Logger
}

// New builds a recorder rooted at the platform logs directory; per-app
// files sit beside the rotated platform log as <slug>.log.
func New(db *sqlx.DB, logsDir string) *Recorder {
	return &Recorder{
		db:      db,
		logsDir: logsDir,
		sinks:   make(map[string]*lumberjack.Logger),
	}
}

// Record persists one event.  File-sink failures are logged and swallowed;
// the database row is the durable copy.
func (r *Recorder) Record(ctx context.Context, slug, event, level, message string, meta Meta) {
	const q = `
        INSERT INTO event_logs (slug, event, level, message, metadata)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, slug, event, level, message, meta); err != nil {
		zap.S().Errorw("event log insert failed",
			"slug", slug, "event", event, "err", err)
	}
	r.appendLine(slug, event, level, message, meta)
}

// Recent returns up to limit entries for one app, newest first, optionally
// filtered by level.
func (r *Recorder) Recent(ctx context.Context, slug string, limit int, level string) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows []Entry
		err  error
	)
	if level != "" {
		const q = `
        SELECT id, slug, event, level, message, metadata, created_at
        FROM   event_logs
        WHERE  slug = ? AND level = ?
        ORDER  BY id DESC
        LIMIT  ?`
		err = r.db.SelectContext(ctx, &rows, q, slug, level, limit)
	} else {
		const q = `
        SELECT id, slug, event, level, message, metadata, created_at
        FROM   event_logs
        WHERE  slug = ?
        ORDER  BY id DESC
        LIMIT  ?`
		err = r.db.SelectContext(ctx, &rows, q, slug, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent %s: %w", slug, err)
	}
	return rows, nil
}

// PruneBefore drops rows older than the cutoff across all apps.
func (r *Recorder) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM event_logs WHERE created_at < ?`
	res, err := r.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteApp removes an app's history and its file sink.  Called when the
// app itself is deleted.
func (r *Recorder) DeleteApp(ctx context.Context, slug string) error {
	const q = `DELETE FROM event_logs WHERE slug = ?`
	if _, err := r.db.ExecContext(ctx, q, slug); err != nil {
		return fmt.Errorf("eventlog: delete %s: %w", slug, err)
	}

	r.mu.Lock()
	if lj, ok := r.sinks[slug]; ok {
		lj.Close()
		delete(r.sinks, slug)
	}
	r.mu.Unlock()

	if err := os.Remove(filepath.Join(r.logsDir, slug+".log")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("eventlog: remove log %s: %w", slug, err)
	}
	return nil
}

// AppWriter exposes the app's rotating file sink as a plain writer.
// The subprocess runner points child stdout and stderr here so app
// console output lands in the same logs/<slug>.log as lifecycle events.
func (r *Recorder) AppWriter(slug string) io.Writer { return r.sink(slug) }

// Close flushes and closes every open file sink.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slug, lj := range r.sinks {
		lj.Close()
		delete(r.sinks, slug)
	}
}

/*──────────────────────────── file sink ───────────────────────────────────*/

func (r *Recorder) appendLine(slug, event, level, message string, meta Meta) {
	line := fmt.Sprintf("%s [%s] %s: %s",
		time.Now().UTC().Format(time.RFC3339), level, event, message)
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			line += " " + string(b)
		}
	}
	line += "\n"

	if _, err := r.sink(slug).Write([]byte(line)); err != nil {
		zap.S().Warnw("app log write failed", "slug", slug, "err", err)
	}
}

func (r *Recorder) sink(slug string) *lumberjack.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lj, ok := r.sinks[slug]; ok {
		return lj
	}
	_ = os.MkdirAll(r.logsDir, 0o755)
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(r.logsDir, slug+".log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}
	r.sinks[slug] = lj
	return lj
}
