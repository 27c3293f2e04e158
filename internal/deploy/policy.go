// internal/deploy/policy.go
//
// Dependency policy.
//
// Context
// -------
// Process managers in a hosted app fight the platform for its own job, so
// they fail the deploy outright.  Packages that are merely abandoned
// upstream produce warnings that travel back in the deploy response but
// never block it.

package deploy

import (
	"fmt"
	"sort"
)

// forbiddenDeps fail a deploy.  Value is the operator-facing reason.
var forbiddenDeps = map[string]string{
	"pm2":     "process managers conflict with platform-owned lifecycles",
	"forever": "process managers conflict with platform-owned lifecycles",
	"nodemon": "file-watching restarters conflict with platform-owned lifecycles",
}

// deprecatedDeps only warn.
var deprecatedDeps = map[string]string{
	"request":   "archived upstream, use fetch or undici",
	"node-sass": "unmaintained, use sass",
}

// PolicyViolation is returned as the deploy error for a forbidden package.
type PolicyViolation struct {
	Package string
	Reason  string
}

func (v *PolicyViolation) Error() string {
	return fmt.Sprintf("deploy: forbidden dependency %s: %s", v.Package, v.Reason)
}

// CheckDependencies screens both dependency sections.  The first forbidden
// package (alphabetically, for stable output) is fatal; warnings list every
// deprecated package found.
func CheckDependencies(pkg *PackageJSON) (*PolicyViolation, []string) {
	if pkg == nil {
		return nil, nil
	}

	names := make([]string, 0, len(pkg.Dependencies)+len(pkg.DevDependencies))
	seen := map[string]bool{}
	for name := range pkg.Dependencies {
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	for name := range pkg.DevDependencies {
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		if reason, ok := forbiddenDeps[name]; ok {
			return &PolicyViolation{Package: name, Reason: reason}, warnings
		}
		if reason, ok := deprecatedDeps[name]; ok {
			warnings = append(warnings, fmt.Sprintf("%s is deprecated: %s", name, reason))
		}
	}
	return nil, warnings
}
