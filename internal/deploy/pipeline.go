// internal/deploy/pipeline.go
//
// Deploy pipeline.
//
// Context
// -------
// Every ingest, first or repeat, follows the same track: fetch the tree
// into a staging directory under uploads/tmp, screen its dependencies,
// decide the kind, screen the entry file, build and install as the kind
// demands, then move the tree into apps/<slug> in one rename.  A failing
// step leaves the platform exactly as it was: a failed first deploy
// registers nothing, and a failed update keeps the old tree while parking
// the app in error state.
//
// Callers may override any detected field (kind, entry, build output,
// proxy map); detection only fills what the request left blank.
//
// Locking: the pipeline takes the per-app lock (Deps.Lock) only around
// the short activation section.  The long tool runs, clone, install,
// and build, execute unlocked so a slow build cannot starve tenant
// loads or other admin operations on the same slug.
//
// Oxford commas, two spaces after periods.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/codescan"
	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/metrics"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/routing"
	"github.com/platformx/platformx/internal/webhook"
)

var (
	// ErrNoEntry means a backend tree offers no servable entry file.
	ErrNoEntry = errors.New("deploy: no entry file found")
	// ErrNoOutput means a frontend tree has no index.html to serve.
	ErrNoOutput = errors.New("deploy: no build output with an index.html found")
	// ErrNotGitApp rejects git updates on apps that were not imported
	// from a repository.
	ErrNotGitApp = errors.New("deploy: app was not imported from git")
	// ErrBadOverride rejects malformed caller-supplied fields.
	ErrBadOverride = errors.New("deploy: invalid override")
)

// CodeViolation carries a forbidden-pattern hit as a deploy error.
type CodeViolation struct {
	V *codescan.Violation
}

func (e *CodeViolation) Error() string { return "deploy: " + e.V.Reason() }

// tokenSettingKey is where the platform-wide VCS token lives.
const tokenSettingKey = "github.token"

// Config carries the filesystem layout, tool paths, and step deadlines.
type Config struct {
	AppsDir        string
	TmpDir         string
	MaxUploadBytes int64
	NpmBin         string
	GitBin         string
	CloneTimeout   time.Duration
	InstallTimeout time.Duration
	BuildTimeout   time.Duration
}

// Overrides are the optional fields of an ingest request.  A set field
// wins over auto-detection; a zero field is detected.  Token is a
// one-shot clone credential that beats the stored platform token.
type Overrides struct {
	Kind           registry.Kind
	EntryPath      string
	BuildOutputDir string
	ProxyMap       registry.ProxyMap
	Token          string
}

// EventSink is the slice of the event log the pipeline records to.
type EventSink interface {
	Record(ctx context.Context, slug, event, level, message string, meta eventlog.Meta)
}

// Notifier delivers webhooks; *webhook.Dispatcher satisfies it.
type Notifier interface {
	Notify(slug, url, event string, data map[string]any)
}

// TokenSource resolves the stored VCS token; *settings.Store satisfies it.
type TokenSource interface {
	GetValue(ctx context.Context, key string) (string, error)
}

// Deps are the collaborators, all optional except the registry.
type Deps struct {
	Apps            *registry.Store
	Events          EventSink
	Notify          Notifier
	Tokens          TokenSource
	EnsureNamespace func(ctx context.Context, slug string) error
	Evict           func(slug string)
	// Lock acquires the per-app mutex shared with the tenant cache and
	// the admin API; the returned func releases it.  May be nil.
	Lock func(slug string) (unlock func())
}

// Pipeline is safe for concurrent use across distinct slugs.
type Pipeline struct {
	cfg Config
	d   Deps
}

// New builds a pipeline.
func New(cfg Config, d Deps) *Pipeline { return &Pipeline{cfg: cfg, d: d} }

// Result is a successful deploy: the fresh registry row plus any
// non-fatal dependency warnings.
type Result struct {
	App      *registry.App
	Warnings []string
}

/*──────────────────────────── public operations ───────────────────────────*/

// DeployUpload registers a new app from an uploaded archive.
func (p *Pipeline) DeployUpload(ctx context.Context, slug, name, zipPath string, ov Overrides) (*Result, error) {
	return p.create(ctx, slug, name, registry.SourceUpload, "", "", ov, func(dest string) error {
		return ExtractZip(zipPath, dest, p.cfg.MaxUploadBytes)
	})
}

// DeployGit registers a new app from a repository.
func (p *Pipeline) DeployGit(ctx context.Context, slug, name, repoURL, branch string, ov Overrides) (*Result, error) {
	if err := ValidateRepoURL(repoURL); err != nil {
		return nil, err
	}
	return p.create(ctx, slug, name, registry.SourceGit, repoURL, branch, ov, func(dest string) error {
		return p.clone(ctx, repoURL, branch, ov.Token, dest)
	})
}

// UpdateUpload replaces an existing app's tree from an archive.  The app
// becomes upload-sourced; any previous git linkage is cleared.
func (p *Pipeline) UpdateUpload(ctx context.Context, slug, zipPath string, ov Overrides) (*Result, error) {
	app, err := p.d.Apps.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	return p.update(ctx, app, registry.SourceUpload, "", "", ov, func(dest string) error {
		return ExtractZip(zipPath, dest, p.cfg.MaxUploadBytes)
	})
}

// UpdateGit re-clones a git-sourced app from the requested branch, or the
// stored one when branch is empty.
func (p *Pipeline) UpdateGit(ctx context.Context, slug, branch string) (*Result, error) {
	app, err := p.d.Apps.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if app.Source != registry.SourceGit || app.RepoURL == "" {
		return nil, ErrNotGitApp
	}
	if branch == "" {
		branch = app.Branch
	}
	return p.update(ctx, app, registry.SourceGit, app.RepoURL, branch, Overrides{}, func(dest string) error {
		return p.clone(ctx, app.RepoURL, branch, "", dest)
	})
}

// Redeploy reruns the pipeline for an app without new source:
// git-sourced apps are freshly cloned, everything else is rebuilt in
// place from the tree already under apps/<slug>.
func (p *Pipeline) Redeploy(ctx context.Context, slug string) (*Result, error) {
	app, err := p.d.Apps.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if app.Source == registry.SourceGit && app.RepoURL != "" {
		return p.UpdateGit(ctx, slug, "")
	}
	return p.rebuildInPlace(ctx, app)
}

/*──────────────────────────── core flows ──────────────────────────────────*/

func (p *Pipeline) create(ctx context.Context, slug, name string, src registry.Source, repoURL, branch string, ov Overrides, fetch func(string) error) (*Result, error) {
	if err := routing.ValidateSlug(slug); err != nil {
		return nil, err
	}
	taken, err := p.d.Apps.Exists(ctx, slug)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, registry.ErrExists
	}
	if name == "" {
		name = slug
	}

	p.event(ctx, slug, ingestEvent(src), eventlog.LevelInfo,
		"ingest started", eventlog.Meta{"source": string(src)})

	staging, det, warnings, err := p.prepare(ctx, slug, "", ov, fetch)
	if err != nil {
		p.fail(ctx, slug, "", src, false, err)
		return nil, err
	}
	defer os.RemoveAll(staging)

	unlock := p.lockSlug(slug)
	defer unlock()

	if det.Kind != registry.KindFrontend {
		if err := p.ensureNamespace(ctx, slug); err != nil {
			p.fail(ctx, slug, "", src, false, err)
			return nil, err
		}
	}

	finalDir := filepath.Join(p.cfg.AppsDir, slug)
	if err := os.Rename(staging, finalDir); err != nil {
		err = fmt.Errorf("deploy: activate %s: %w", slug, err)
		p.fail(ctx, slug, "", src, false, err)
		return nil, err
	}

	app := &registry.App{
		Slug:           slug,
		Name:           name,
		Status:         registry.StatusActive,
		Kind:           det.Kind,
		EntryPath:      det.EntryPath,
		BuildOutputDir: det.BuildOutputDir,
		ProxyMap:       proxyMapOrEmpty(ov.ProxyMap),
		Source:         src,
		RepoURL:        repoURL,
		Branch:         branch,
	}
	if err := p.d.Apps.Create(ctx, app); err != nil {
		// A first deploy must leave no trace on failure.
		os.RemoveAll(finalDir)
		p.fail(ctx, slug, "", src, false, err)
		return nil, err
	}

	now := time.Now().UTC()
	if err := p.d.Apps.SetDeployed(ctx, slug, now); err != nil {
		zap.S().Warnw("deploy stamp failed", "slug", slug, "err", err)
	}
	app.LastDeployedAt = &now

	metrics.DeploysTotal.WithLabelValues(string(src), "success").Inc()
	p.event(ctx, slug, eventlog.EventDeploy, eventlog.LevelInfo,
		"deploy succeeded", eventlog.Meta{"kind": string(det.Kind), "source": string(src)})
	zap.S().Infow("app deployed", "slug", slug, "kind", det.Kind, "source", src)

	return &Result{App: app, Warnings: warnings}, nil
}

func (p *Pipeline) update(ctx context.Context, app *registry.App, src registry.Source, repoURL, branch string, ov Overrides, fetch func(string) error) (*Result, error) {
	slug := app.Slug

	p.event(ctx, slug, ingestEvent(src), eventlog.LevelInfo,
		"ingest started", eventlog.Meta{"source": string(src), "update": true})

	staging, det, warnings, err := p.prepare(ctx, slug, app.WebhookURL, ov, fetch)
	if err != nil {
		p.fail(ctx, slug, app.WebhookURL, src, true, err)
		return nil, err
	}

	unlock := p.lockSlug(slug)
	defer unlock()

	// The env file survives every redeploy.
	current := filepath.Join(p.cfg.AppsDir, slug)
	if err := copyFile(filepath.Join(current, ".env"), filepath.Join(staging, ".env"), 0o600); err != nil {
		os.RemoveAll(staging)
		p.fail(ctx, slug, app.WebhookURL, src, true, err)
		return nil, err
	}

	if det.Kind != registry.KindFrontend {
		if err := p.ensureNamespace(ctx, slug); err != nil {
			os.RemoveAll(staging)
			p.fail(ctx, slug, app.WebhookURL, src, true, err)
			return nil, err
		}
	}

	// Stop serving from the old tree before it moves.
	p.evictApp(slug)

	if err := p.swap(slug, staging); err != nil {
		os.RemoveAll(staging)
		p.fail(ctx, slug, app.WebhookURL, src, true, err)
		return nil, err
	}

	app.Kind = det.Kind
	app.EntryPath = det.EntryPath
	app.BuildOutputDir = det.BuildOutputDir
	if ov.ProxyMap != nil {
		app.ProxyMap = ov.ProxyMap
	}
	app.Source = src
	app.RepoURL = repoURL
	app.Branch = branch
	app.Status = registry.StatusActive
	app.LastError = ""
	if err := p.d.Apps.Update(ctx, app); err != nil {
		p.fail(ctx, slug, app.WebhookURL, src, true, err)
		return nil, err
	}

	now := time.Now().UTC()
	if err := p.d.Apps.SetDeployed(ctx, slug, now); err != nil {
		zap.S().Warnw("deploy stamp failed", "slug", slug, "err", err)
	}
	app.LastDeployedAt = &now

	metrics.DeploysTotal.WithLabelValues(string(src), "success").Inc()
	p.event(ctx, slug, eventlog.EventRedeploy, eventlog.LevelInfo,
		"redeploy succeeded", eventlog.Meta{"kind": string(det.Kind), "source": string(src)})
	p.notify(slug, app.WebhookURL, webhook.EventUpdated,
		map[string]any{"kind": string(det.Kind)})
	zap.S().Infow("app updated", "slug", slug, "kind", det.Kind, "source", src)

	return &Result{App: app, Warnings: warnings}, nil
}

// rebuildInPlace reruns install, build, and the code screen inside the
// live tree.  There is no staged copy to fall back to, so a failure here
// parks the app in error state with whatever the tools left behind.
func (p *Pipeline) rebuildInPlace(ctx context.Context, app *registry.App) (*Result, error) {
	slug := app.Slug
	dir := filepath.Join(p.cfg.AppsDir, slug)

	p.event(ctx, slug, eventlog.EventRedeploy, eventlog.LevelInfo,
		"redeploy started", eventlog.Meta{"source": string(app.Source)})

	// The lock is dropped while the tools run; a load arriving mid-
	// rebuild sees the tree as the tools left it, which is the price of
	// rebuilding in place.
	unlock := p.lockSlug(slug)
	p.evictApp(slug)
	unlock()

	det, warnings, err := p.buildTree(ctx, slug, dir, app.WebhookURL, Overrides{
		Kind:           app.Kind,
		EntryPath:      app.EntryPath,
		BuildOutputDir: app.BuildOutputDir,
	})
	if err != nil {
		p.fail(ctx, slug, app.WebhookURL, app.Source, true, err)
		return nil, err
	}

	unlock = p.lockSlug(slug)
	defer unlock()

	app.Kind = det.Kind
	app.EntryPath = det.EntryPath
	app.BuildOutputDir = det.BuildOutputDir
	app.Status = registry.StatusActive
	app.LastError = ""
	if err := p.d.Apps.Update(ctx, app); err != nil {
		p.fail(ctx, slug, app.WebhookURL, app.Source, true, err)
		return nil, err
	}

	now := time.Now().UTC()
	if err := p.d.Apps.SetDeployed(ctx, slug, now); err != nil {
		zap.S().Warnw("deploy stamp failed", "slug", slug, "err", err)
	}
	app.LastDeployedAt = &now

	metrics.DeploysTotal.WithLabelValues(string(app.Source), "success").Inc()
	p.event(ctx, slug, eventlog.EventRedeploy, eventlog.LevelInfo,
		"redeploy succeeded", eventlog.Meta{"kind": string(det.Kind)})
	p.notify(slug, app.WebhookURL, webhook.EventDeployed,
		map[string]any{"kind": string(det.Kind)})
	zap.S().Infow("app redeployed", "slug", slug, "kind", det.Kind)

	return &Result{App: app, Warnings: warnings}, nil
}

// prepare fetches into a fresh staging directory and runs the tree
// through buildTree.  On success the staging directory is the caller's to
// move; on failure it is already gone.
func (p *Pipeline) prepare(ctx context.Context, slug, webhookURL string, ov Overrides, fetch func(string) error) (string, Detection, []string, error) {
	staging := filepath.Join(p.cfg.TmpDir, fmt.Sprintf("%s-%d", slug, time.Now().UnixMilli()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", Detection{}, nil, fmt.Errorf("deploy: stage %s: %w", slug, err)
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(staging)
		}
	}()

	if err := fetch(staging); err != nil {
		return "", Detection{}, nil, err
	}

	det, warnings, err := p.buildTree(ctx, slug, staging, webhookURL, ov)
	if err != nil {
		return "", Detection{}, warnings, err
	}

	ok = true
	return staging, det, warnings, nil
}

// buildTree takes a fetched tree through screening, kind resolution, the
// entry-file code check, build, and install, and returns the serving
// decision.  Overrides win over detection field by field.
func (p *Pipeline) buildTree(ctx context.Context, slug, dir, webhookURL string, ov Overrides) (Detection, []string, error) {
	pkg, err := ReadPackageJSON(dir)
	if err != nil {
		return Detection{}, nil, fmt.Errorf("deploy: read package.json: %w", err)
	}

	fatal, warnings := CheckDependencies(pkg)
	if fatal != nil {
		return Detection{}, warnings, fatal
	}

	kind := ov.Kind
	if kind == "" {
		kind = DetectKind(dir, pkg)
	} else if !kind.Valid() {
		return Detection{}, warnings, fmt.Errorf("%w: kind %q", ErrBadOverride, ov.Kind)
	}

	det := Detection{Kind: kind}
	if kind != registry.KindFrontend {
		entry, err := p.resolveEntry(dir, pkg, ov.EntryPath)
		if err != nil {
			return Detection{}, warnings, err
		}
		det.EntryPath = entry

		v, err := codescan.CheckFile(filepath.Join(dir, filepath.FromSlash(entry)))
		if err != nil {
			return Detection{}, warnings, err
		}
		if v != nil {
			return Detection{}, warnings, &CodeViolation{V: v}
		}
	}

	hasDeps := pkg != nil && (len(pkg.Dependencies) > 0 || len(pkg.DevDependencies) > 0)

	if kind != registry.KindBackend && pkg.HasBuildScript() {
		if hasDeps {
			if err := Install(ctx, p.cfg.NpmBin, dir, false, p.cfg.InstallTimeout); err != nil {
				return Detection{}, warnings, err
			}
		}
		if err := Build(ctx, p.cfg.NpmBin, dir, p.cfg.BuildTimeout); err != nil {
			p.notify(slug, webhookURL, webhook.EventBuildFailed,
				map[string]any{"error": err.Error()})
			return Detection{}, warnings, err
		}
		p.notify(slug, webhookURL, webhook.EventBuildCompleted, nil)
	}

	if kind != registry.KindFrontend && hasDeps {
		if err := Install(ctx, p.cfg.NpmBin, dir, true, p.cfg.InstallTimeout); err != nil {
			return Detection{}, warnings, err
		}
	}

	if kind != registry.KindBackend {
		out := ov.BuildOutputDir
		if out == "" {
			out = FindBuildOutput(dir)
		}
		if out == "" && kind == registry.KindFrontend {
			if !fileExists(filepath.Join(dir, "index.html")) {
				return Detection{}, warnings, ErrNoOutput
			}
			out = "."
		}
		det.BuildOutputDir = out
	}

	return det, warnings, nil
}

// resolveEntry picks the override when given, otherwise probes the tree.
// Overrides must name an existing file inside the tree.
func (p *Pipeline) resolveEntry(dir string, pkg *PackageJSON, override string) (string, error) {
	if override != "" {
		cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(override)))
		if filepath.IsAbs(override) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return "", fmt.Errorf("%w: entry path %q escapes the app root", ErrBadOverride, override)
		}
		if !fileExists(filepath.Join(dir, filepath.FromSlash(cleaned))) {
			return "", fmt.Errorf("%w: entry file %q not found", ErrBadOverride, override)
		}
		return cleaned, nil
	}
	entry := FindEntry(dir, pkg)
	if entry == "" {
		return "", ErrNoEntry
	}
	return entry, nil
}

// swap replaces apps/<slug> with the staged tree.  The displaced tree is
// parked under the temp dir (swept by the supervisor) so a crash between
// the renames can be rolled back by hand.
func (p *Pipeline) swap(slug, staging string) error {
	current := filepath.Join(p.cfg.AppsDir, slug)
	parked := filepath.Join(p.cfg.TmpDir, fmt.Sprintf("%s-old-%d", slug, time.Now().UnixMilli()))

	if err := os.Rename(current, parked); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deploy: park old tree %s: %w", slug, err)
	}
	if err := os.Rename(staging, current); err != nil {
		if rb := os.Rename(parked, current); rb != nil && !os.IsNotExist(rb) {
			zap.S().Errorw("swap rollback failed", "slug", slug, "err", rb)
		}
		return fmt.Errorf("deploy: swap %s: %w", slug, err)
	}
	os.RemoveAll(parked)
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func (p *Pipeline) clone(ctx context.Context, repoURL, branch, tokenOverride, dest string) error {
	token := tokenOverride
	if token == "" && p.d.Tokens != nil {
		t, err := p.d.Tokens.GetValue(ctx, tokenSettingKey)
		if err != nil {
			zap.S().Warnw("git token lookup failed", "err", err)
		} else {
			token = t
		}
	}
	return Clone(ctx, p.cfg.GitBin, repoURL, branch, token, dest, p.cfg.CloneTimeout)
}

func (p *Pipeline) fail(ctx context.Context, slug, webhookURL string, src registry.Source, isUpdate bool, err error) {
	metrics.DeploysTotal.WithLabelValues(string(src), "failure").Inc()
	p.event(ctx, slug, eventlog.EventError, eventlog.LevelError, err.Error(), nil)
	zap.S().Errorw("deploy failed", "slug", slug, "update", isUpdate, "err", err)

	if isUpdate {
		if serr := p.d.Apps.UpdateStatus(ctx, slug, registry.StatusError, err.Error()); serr != nil {
			zap.S().Errorw("deploy error state not recorded", "slug", slug, "err", serr)
		}
		p.notify(slug, webhookURL, webhook.EventError,
			map[string]any{"error": err.Error()})
	}
}

func (p *Pipeline) event(ctx context.Context, slug, event, level, message string, meta eventlog.Meta) {
	if p.d.Events != nil {
		p.d.Events.Record(ctx, slug, event, level, message, meta)
	}
}

func (p *Pipeline) notify(slug, url, event string, data map[string]any) {
	if p.d.Notify != nil && url != "" {
		p.d.Notify.Notify(slug, url, event, data)
	}
}

func (p *Pipeline) evictApp(slug string) {
	if p.d.Evict != nil {
		p.d.Evict(slug)
	}
}

func (p *Pipeline) lockSlug(slug string) func() {
	if p.d.Lock == nil {
		return func() {}
	}
	return p.d.Lock(slug)
}

func (p *Pipeline) ensureNamespace(ctx context.Context, slug string) error {
	if p.d.EnsureNamespace == nil {
		return nil
	}
	return p.d.EnsureNamespace(ctx, slug)
}

// ingestEvent maps the source to its event-log name.
func ingestEvent(src registry.Source) string {
	if src == registry.SourceGit {
		return eventlog.EventGitImport
	}
	return eventlog.EventArchiveUpload
}

func proxyMapOrEmpty(m registry.ProxyMap) registry.ProxyMap {
	if m == nil {
		return registry.ProxyMap{}
	}
	return m
}

// copyFile copies src to dst with the given mode.  A missing source is a
// no-op.
func copyFile(src, dst string, mode os.FileMode) error {
	raw, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deploy: read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, raw, mode); err != nil {
		return fmt.Errorf("deploy: write %s: %w", dst, err)
	}
	return nil
}
