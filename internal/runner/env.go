// internal/runner/env.go
//
// Child environment policy.
//
// Context
// -------
// App processes never inherit the platform's environment, which holds
// operator credentials: the control-plane DATABASE_URL, JWT_SECRET,
// and the admin password.  A child receives exactly PATH, HOME, and
// LANG from the parent, NODE_ENV derived from the platform mode, the
// app's own .env snapshot, and the app's namespaced DATABASE_URL.  The
// harness variables (PLATFORMX_SOCKET, PLATFORMX_ENTRY, PLATFORMX_APP)
// are appended at spawn time in Start.
//
// Oxford commas, two spaces after periods.

package runner

import (
	"os"
	"sort"
)

// passthrough lists the only parent variables a child may see.
var passthrough = []string{"PATH", "HOME", "LANG"}

// ChildEnv builds the scrubbed environment for an app process.  vars
// is the app's .env snapshot and wins over the inherited base, so an
// app may pin its own NODE_ENV; databaseURL is platform-owned and wins
// over everything.  The result is sorted, which keeps spawns
// reproducible.
func ChildEnv(dev bool, vars map[string]string, databaseURL string) []string {
	env := map[string]string{}
	for _, k := range passthrough {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	if dev {
		env["NODE_ENV"] = "development"
	} else {
		env["NODE_ENV"] = "production"
	}
	for k, v := range vars {
		env[k] = v
	}
	if databaseURL != "" {
		env["DATABASE_URL"] = databaseURL
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
