// internal/deploy/npm.go
//
// npm install and build steps.
//
// Context
// -------
// Both steps run in the staging directory with their own deadline; a
// runaway install or build kills the deploy, never the platform.  Only the
// tail of the tool output is kept, which is the part that actually names
// the failure.
//
// Oxford commas, two spaces after periods.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

var (
	// ErrInstallFailed wraps npm install failures.
	ErrInstallFailed = errors.New("deploy: dependency install failed")
	// ErrBuildFailed wraps npm run build failures.
	ErrBuildFailed = errors.New("deploy: build failed")
)

// Install runs `npm ci` when a lockfile is present, otherwise
// `npm install`.  With prodOnly set, devDependencies are omitted and
// NODE_ENV is production, which is how serving trees are installed; the
// pre-build install runs with prodOnly unset so build tooling lands too.
func Install(ctx context.Context, npmBin, dir string, prodOnly bool, timeout time.Duration) error {
	sub := "install"
	if fileExists(filepath.Join(dir, "package-lock.json")) {
		sub = "ci"
	}
	args := []string{sub, "--no-audit", "--no-fund"}
	env := "NODE_ENV=development"
	if prodOnly {
		args = append(args, "--omit=dev")
		env = "NODE_ENV=production"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out tailWriter
	cmd := exec.CommandContext(ctx, npmBin, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), env, "CI=true")

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: npm %s timed out after %s", ErrInstallFailed, sub, timeout)
		}
		return fmt.Errorf("%w: %s", ErrInstallFailed, out.String())
	}
	return nil
}

// Build runs `npm run build`.
func Build(ctx context.Context, npmBin, dir string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out tailWriter
	cmd := exec.CommandContext(ctx, npmBin, "run", "build")
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), "NODE_ENV=production", "CI=true")

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %s", ErrBuildFailed, timeout)
		}
		return fmt.Errorf("%w: %s", ErrBuildFailed, out.String())
	}
	return nil
}

/*──────────────────────────── output capture ──────────────────────────────*/

const tailLimit = 8 << 10

// tailWriter keeps the last tailLimit bytes written through it.
type tailWriter struct {
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - tailLimit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(w.buf)
}
