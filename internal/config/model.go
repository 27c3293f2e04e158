// internal/config/model.go
//
// Typed configuration model for PlatformX.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `conf/.env`                         – dotenv values,
//   • optional `conf/platformx.yaml`               – static file,
//   • `PLATFORMX_`-prefixed environment overrides  – highest precedence,
//
// plus a small explicit overlay for the flat operator variables
// (DATABASE_URL, PLATFORM_HOST, PORT, ADMIN_USERNAME, ADMIN_PASSWORD,
// JWT_SECRET, PLATFORMX_MODE, WEBHOOKS_ENABLED) documented in the
// operations guide.
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client *before* unmarshalling, so the model never
// stores Vault URIs—only plain strings.
//
// Validation happens immediately after unmarshal; the process fails
// fast if required fields are missing.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`—Koanf ignores `yaml`
//     tags unless configured otherwise.
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
//   • Oxford commas, two spaces after periods.  No em-dash.

package config

import "time"

//
// HTTP section
//

// HTTP holds front-door tunables.
type HTTP struct {
	ListenAddr     string        `koanf:"listen_addr" validate:"required,hostname_port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`
}

//
// Platform section
//

// Platform identifies the apex host and the runtime mode.  Watch is a
// tri-state ("auto", "on", "off"): in auto mode the file watcher runs
// only under development.
type Platform struct {
	Apex            string `koanf:"apex" validate:"required"`
	Mode            string `koanf:"mode" validate:"oneof=development production"`
	WebhooksEnabled bool   `koanf:"webhooks_enabled"`
	Watch           string `koanf:"watch" validate:"oneof=auto on off"`
}

//
// Database section
//

// Database holds the control-plane DSN.  Per-tenant namespaces are
// derived from it at load time, so only one URL is configured.
type Database struct {
	URL string `koanf:"url" validate:"required"`
}

//
// Admin section
//

// Admin carries the bootstrap operator credentials and the JWT signing
// secret.  Password and PasswordHash are mutually exclusive; when the
// hash is set it wins and must be a bcrypt digest.
type Admin struct {
	Username     string `koanf:"username" validate:"required"`
	Password     string `koanf:"password"`
	PasswordHash string `koanf:"password_hash"`
	JWTSecret    string `koanf:"jwt_secret" validate:"required"`
}

//
// Cache section
//

// Cache tunes the loaded-tenant cache: idle TTL, sweep cadence, and the
// LRU pressure cap.
type Cache struct {
	IdleTTL       time.Duration `koanf:"idle_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxEntries    int           `koanf:"max_entries"`
}

//
// Deploy section
//

// Deploy caps the external tool invocations of the build pipeline and
// names the binaries so jails with unusual layouts can override them.
type Deploy struct {
	CloneTimeout   time.Duration `koanf:"clone_timeout"`
	BuildTimeout   time.Duration `koanf:"build_timeout"`
	InstallTimeout time.Duration `koanf:"install_timeout"`
	NodeBin        string        `koanf:"node_bin"`
	NpmBin         string        `koanf:"npm_bin"`
	GitBin         string        `koanf:"git_bin"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime—never set in YAML or env.  The loader
// discovers `Root` (PLATFORMX_ROOT override or directory climb) and
// derives the state directories from it.
type Paths struct {
	Root    string // PLATFORMX_ROOT or discovered parent
	Apps    string // <root>/apps
	Backups string // <root>/backups
	Tmp     string // <root>/uploads/tmp
	Logs    string // <root>/logs
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the process lifetime.
type Config struct {
	HTTP     HTTP     `koanf:"http"`
	Platform Platform `koanf:"platform"`
	Database Database `koanf:"database"`
	Admin    Admin    `koanf:"admin"`
	Cache    Cache    `koanf:"cache"`
	Deploy   Deploy   `koanf:"deploy"`
	Paths    Paths    `koanf:"-"` // not loaded from config files
}

// Dev reports whether the platform runs in development mode.
func (c *Config) Dev() bool { return c.Platform.Mode == "development" }

// WatchEnabled resolves the watch tri-state against the runtime mode.
func (c *Config) WatchEnabled() bool {
	switch c.Platform.Watch {
	case "on":
		return true
	case "off":
		return false
	default: // auto
		return c.Dev()
	}
}
