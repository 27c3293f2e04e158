// internal/deploy/detect.go
//
// App shape detection.
//
// Context
// -------
// After the tree is staged we decide how to serve it.  The manifest tells
// most of the story: a meta-framework or a frontend library next to
// express means a Node process that also owns assets, a frontend library
// with a build script means static serving, and express or a conventional
// entry file means a plain backend.  Kind is decided before any build
// runs, so the build-output probe is separate; it only makes sense once
// dist/ or its siblings exist.  A tree with nothing but a root index.html
// is a static site served from ".".
//
// Oxford commas, two spaces after periods.

package deploy

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/platformx/platformx/internal/registry"
)

// entryCandidates are probed in order when package.json names no usable
// main file.
var entryCandidates = []string{"server.js", "app.js", "index.js", "main.js"}

// outputCandidates are probed in order for a built index.html.
var outputCandidates = []string{"dist", "build", "out", ".next", "public", "www", "_site"}

// Dependency markers the kind rules key on.
var (
	metaFrameworks = []string{"next", "nuxt"}
	frontendLibs   = []string{"react", "vue", "@angular/core", "angular", "svelte"}
	serverLibs     = []string{"express"}
)

// PackageJSON is the slice of package.json the platform reads.
type PackageJSON struct {
	Name            string            `json:"name"`
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// HasBuildScript reports whether `npm run build` would do anything.
func (p *PackageJSON) HasBuildScript() bool {
	return p != nil && p.Scripts["build"] != ""
}

// hasDep reports whether any named package appears in dependencies or
// devDependencies.
func (p *PackageJSON) hasDep(names ...string) bool {
	if p == nil {
		return false
	}
	for _, n := range names {
		if _, ok := p.Dependencies[n]; ok {
			return true
		}
		if _, ok := p.DevDependencies[n]; ok {
			return true
		}
	}
	return false
}

// ReadPackageJSON parses dir/package.json.  A missing file returns
// (nil, nil); a malformed one is an error.
func ReadPackageJSON(dir string) (*PackageJSON, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pkg PackageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// DetectKind applies the shape rules in priority order.
func DetectKind(dir string, pkg *PackageJSON) registry.Kind {
	switch {
	case pkg.hasDep(metaFrameworks...):
		return registry.KindFullstack
	case pkg.hasDep(frontendLibs...) && pkg.hasDep(serverLibs...):
		return registry.KindFullstack
	case pkg.hasDep(frontendLibs...) && pkg.HasBuildScript():
		return registry.KindFrontend
	case pkg.hasDep(serverLibs...) || FindEntry(dir, pkg) != "":
		return registry.KindBackend
	case pkg.HasBuildScript():
		return registry.KindFrontend
	default:
		return registry.KindBackend
	}
}

// FindEntry resolves the Node entry file: package.json main when the file
// exists, then the conventional candidates in order.  Empty when nothing
// matches.
func FindEntry(dir string, pkg *PackageJSON) string {
	if pkg != nil && pkg.Main != "" {
		main := filepath.Clean(pkg.Main)
		if fileExists(filepath.Join(dir, main)) {
			return filepath.ToSlash(main)
		}
	}
	for _, c := range entryCandidates {
		if fileExists(filepath.Join(dir, c)) {
			return c
		}
	}
	return ""
}

// FindBuildOutput returns the first output candidate holding an
// index.html.  Run it after the build, not before.
func FindBuildOutput(dir string) string {
	for _, c := range outputCandidates {
		if fileExists(filepath.Join(dir, c, "index.html")) {
			return c
		}
	}
	return ""
}

// Detection is the serving decision for one app tree.
type Detection struct {
	Kind           registry.Kind
	EntryPath      string // relative, empty for pure frontends
	BuildOutputDir string // relative, empty for pure backends
}

// Detect inspects a finished tree in one shot.  The deploy pipeline calls
// the pieces separately around its build step; this form serves sync and
// anything else looking at an already-built directory.
func Detect(dir string) Detection {
	pkg, err := ReadPackageJSON(dir)
	if err != nil {
		pkg = nil // malformed manifest: fall back to the file probes
	}

	d := Detection{Kind: DetectKind(dir, pkg)}
	switch d.Kind {
	case registry.KindBackend:
		d.EntryPath = FindEntry(dir, pkg)
	case registry.KindFrontend:
		d.BuildOutputDir = FindBuildOutput(dir)
		if d.BuildOutputDir == "" && fileExists(filepath.Join(dir, "index.html")) {
			d.BuildOutputDir = "."
		}
	case registry.KindFullstack:
		d.EntryPath = FindEntry(dir, pkg)
		d.BuildOutputDir = FindBuildOutput(dir)
	}
	return d
}

// Inspect adapts Detect to the registry's reconciliation callback.
func Inspect(dir string) (registry.Kind, string, string) {
	d := Detect(dir)
	return d.Kind, d.EntryPath, d.BuildOutputDir
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
