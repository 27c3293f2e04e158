// internal/config/loader.go
//
// Configuration loader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from three layers (highest
precedence last):

  1. Optional `conf/.env` dotenv file.
  2. Optional `conf/platformx.yaml`.
  3. Environment variables prefixed `PLATFORMX_`, where `__` maps to “.”
     (e.g., `PLATFORMX_HTTP__LISTEN_ADDR → http.listen_addr`), plus the
     flat operator variables (DATABASE_URL, PLATFORM_HOST, PORT,
     ADMIN_USERNAME, ADMIN_PASSWORD, JWT_SECRET, PLATFORMX_MODE,
     WEBHOOKS_ENABLED) mapped onto their koanf keys.

After merging, `vault:` values are resolved, the tree is unmarshalled
into strongly-typed structs, defaulted, validated, enriched with the
runtime root path, and cached in an `atomic.Pointer` for lock-free
reads.  `Reload()` simply calls `Load()` again and swaps the pointer.

Instrumentation
---------------
  • DEBUG spans — root discovery, YAML read, env overlay.
  • ERROR spans — YAML parse, env overlay, unmarshal, validation failures.
  • INFO  span  — final “config loaded” with key highlights.
  • Logs use the global *sugared* logger (`zap.S()`) so early boot issues
    surface even before the file logger is installed (bootstrap console).

Notes
-----
  • `rootDir()` climbs the cwd tree until it finds `conf/platformx.yaml`;
    this lets `go run ./cmd/platformx` work from any sub-directory.
  • Defaults are applied in Go after unmarshal so a bare environment
    (DATABASE_URL + JWT_SECRET + admin credentials) is a valid install.
  • Oxford commas, two spaces after periods.
*/
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/vault"
)

var current atomic.Pointer[Config]

// flatVars maps the documented operator environment variables onto their
// koanf keys.  They sit above the PLATFORMX_ overlay so a bare
// `DATABASE_URL=… PORT=5001 platformx` works without a config file.
var flatVars = map[string]string{
	"DATABASE_URL":     "database.url",
	"PLATFORM_HOST":    "platform.apex",
	"ADMIN_USERNAME":   "admin.username",
	"ADMIN_PASSWORD":   "admin.password",
	"ADMIN_PASSWORD_HASH": "admin.password_hash",
	"JWT_SECRET":       "admin.jwt_secret",
	"PLATFORMX_MODE":   "platform.mode",
	"WEBHOOKS_ENABLED": "platform.webhooks_enabled",
}

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves PLATFORMX_ROOT or climbs directories until
// conf/platformx.yaml is found.  Falls back to executable heuristic for
// production layout.
func rootDir() string {
	if r := os.Getenv("PLATFORMX_ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", "platformx.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

// Load reads .env, YAML, env overrides, resolves secrets, validates, and
// caches Config.
func Load() (*Config, error) {
	root := rootDir()
	zap.S().Debugw("config root resolved", "root", root)

	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	yamlPath := filepath.Join(root, "conf", "platformx.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
			return nil, err
		}
		zap.S().Debugw("config yaml loaded", "file", yamlPath)
	}

	// Env overrides: PLATFORMX_HTTP__LISTEN_ADDR → http.listen_addr
	if err := k.Load(env.Provider("PLATFORMX_", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, "PLATFORMX_"), "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}

	// Flat operator variables win over everything else.
	for name, key := range flatVars {
		if v := os.Getenv(name); v != "" {
			_ = k.Set(key, v)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		_ = k.Set("http.listen_addr", ":"+port)
	}

	if err := resolveVaultValues(k); err != nil {
		zap.S().Errorw("config vault resolution failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	applyDefaults(&cfg)
	resolvePaths(&cfg, root)

	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"listen_addr", cfg.HTTP.ListenAddr,
		"apex", cfg.Platform.Apex,
		"mode", cfg.Platform.Mode,
		"watch", cfg.WatchEnabled(),
		"root", cfg.Paths.Root,
	)
	return &cfg, nil
}

/*──────────────────────────── defaults ────────────────────────────────────*/

// applyDefaults fills every tunable the operator left unset.  The values
// mirror the documented platform defaults.
func applyDefaults(c *Config) {
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":5000"
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = 30 * time.Second
	}
	if c.HTTP.MaxUploadBytes == 0 {
		c.HTTP.MaxUploadBytes = 50 << 20 // 50 MB
	}
	if c.Platform.Apex == "" {
		c.Platform.Apex = "platformx.localhost"
	}
	if c.Platform.Mode == "" {
		c.Platform.Mode = "development"
	}
	if c.Platform.Watch == "" {
		c.Platform.Watch = "auto"
	}
	if c.Cache.IdleTTL == 0 {
		c.Cache.IdleTTL = 15 * time.Minute
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 10 * time.Minute
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 100
	}
	if c.Deploy.CloneTimeout == 0 {
		c.Deploy.CloneTimeout = 2 * time.Minute
	}
	if c.Deploy.BuildTimeout == 0 {
		c.Deploy.BuildTimeout = 10 * time.Minute
	}
	if c.Deploy.InstallTimeout == 0 {
		c.Deploy.InstallTimeout = 5 * time.Minute
	}
	if c.Deploy.NodeBin == "" {
		c.Deploy.NodeBin = "node"
	}
	if c.Deploy.NpmBin == "" {
		c.Deploy.NpmBin = "npm"
	}
	if c.Deploy.GitBin == "" {
		c.Deploy.GitBin = "git"
	}
}

// resolvePaths derives the state directory layout from the root.
func resolvePaths(c *Config, root string) {
	c.Paths.Root = root
	c.Paths.Apps = filepath.Join(root, "apps")
	c.Paths.Backups = filepath.Join(root, "backups")
	c.Paths.Tmp = filepath.Join(root, "uploads", "tmp")
	c.Paths.Logs = filepath.Join(root, "logs")
}

/*──────────────────────────── vault overlay ───────────────────────────────*/

// resolveVaultValues replaces every `vault:<mount/path>#<key>` string in
// the merged tree with the secret it names.  Requires VAULT_ADDR; a
// vault-prefixed value without a reachable Vault is a fatal
// misconfiguration, not a silent fallback.
func resolveVaultValues(k *koanf.Koanf) error {
	var pending []string
	for key, val := range k.All() {
		if s, ok := val.(string); ok && vault.IsRef(s) {
			pending = append(pending, key)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if os.Getenv("VAULT_ADDR") == "" {
		return fmt.Errorf("config references vault secrets but VAULT_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := vault.New(ctx, zap.S().Infof)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}

	for _, key := range pending {
		path, field, err := vault.ParseRef(k.String(key))
		if err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
		secret, err := cli.GetKV(ctx, path, field, 0)
		if err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
		_ = k.Set(key, secret)
	}
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func Get() *Config  { return current.Load() }
func Reload() error { _, err := Load(); return err }
