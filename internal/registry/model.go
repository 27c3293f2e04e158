// internal/registry/model.go
//
// App record and its enumerations.
//
// Context
// -------
// One row in the `apps` table describes everything the platform knows about
// a hosted app: identity, serving mode, deploy provenance, and operational
// state.  The row is the source of truth; the directory under apps/<slug>
// is just the bytes.
//
// Oxford commas, two spaces after periods.

package registry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

/*──────────────────────────── enumerations ────────────────────────────────*/

// Status is the operational state of an app.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisabled, StatusError:
		return true
	}
	return false
}

// Kind is the serving mode of an app.
type Kind string

const (
	KindBackend   Kind = "backend"   // Node process behind the forwarder.
	KindFrontend  Kind = "frontend"  // static files served in-process.
	KindFullstack Kind = "fullstack" // Node process that also owns its assets.
)

// Valid reports whether k is one of the known serving modes.
func (k Kind) Valid() bool {
	switch k {
	case KindBackend, KindFrontend, KindFullstack:
		return true
	}
	return false
}

// Source records how the app's bytes arrived.  Sync-adopted directories
// are "manual"; rows predating provenance tracking stay "unknown".
type Source string

const (
	SourceUpload  Source = "archive-upload"
	SourceGit     Source = "git-import"
	SourceManual  Source = "manual"
	SourceUnknown Source = "unknown"
)

// Valid reports whether s is one of the known provenance values.
func (s Source) Valid() bool {
	switch s {
	case SourceUpload, SourceGit, SourceManual, SourceUnknown:
		return true
	}
	return false
}

/*──────────────────────────── proxy map ───────────────────────────────────*/

// ProxyMap maps URL path prefixes to upstream targets for frontend apps.
// It serializes as JSON text in the `proxy_map` column.
type ProxyMap map[string]string

// Value implements driver.Valuer.  An empty map stores as "{}" so the
// column is never NULL.
func (m ProxyMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for TEXT and NULL columns alike.
func (m *ProxyMap) Scan(src any) error {
	if src == nil {
		*m = ProxyMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("registry: cannot scan %T into ProxyMap", src)
	}
	if len(raw) == 0 {
		*m = ProxyMap{}
		return nil
	}
	out := ProxyMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("registry: decode proxy map: %w", err)
	}
	*m = out
	return nil
}

/*──────────────────────────── record ──────────────────────────────────────*/

// App mirrors one row in the `apps` table.
type App struct {
	Slug           string     `db:"slug"             json:"slug"`
	Name           string     `db:"name"             json:"name"`
	Status         Status     `db:"status"           json:"status"`
	Kind           Kind       `db:"kind"             json:"kind"`
	EntryPath      string     `db:"entry_path"       json:"entryPath"`
	BuildOutputDir string     `db:"build_output_dir" json:"buildOutputDir"`
	ProxyMap       ProxyMap   `db:"proxy_map"        json:"proxyMap"`
	Source         Source     `db:"source"           json:"source"`
	RepoURL        string     `db:"repo_url"         json:"repoUrl,omitempty"`
	Branch         string     `db:"branch"           json:"branch,omitempty"`
	WebhookURL     string     `db:"webhook_url"      json:"webhookUrl,omitempty"`
	RequestCount   uint64     `db:"request_count"    json:"requestCount"`
	LastError      string     `db:"last_error"       json:"lastError,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updatedAt"`
	LastDeployedAt *time.Time `db:"last_deployed_at" json:"lastDeployedAt,omitempty"`
}

// Servable reports whether requests may reach the app at all.  Disabled and
// errored apps park behind a status page instead of loading.
func (a *App) Servable() bool { return a.Status == StatusActive }
