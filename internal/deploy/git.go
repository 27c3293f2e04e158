// internal/deploy/git.go
//
// Git intake.
//
// Context
// -------
// Git-sourced apps are fetched with a shallow, single-branch clone and the
// history is stripped immediately, so deployed trees never carry a .git
// directory.  A platform-wide access token (settings key github.token) is
// spliced into http(s) clone URLs on supported provider hosts and
// scrubbed from every error message before it can reach a log line or an
// API response.
//
// Oxford commas, two spaces after periods.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrBadRepoURL rejects malformed or unsupported remotes.
	ErrBadRepoURL = errors.New("deploy: invalid repository URL")
	// ErrCloneFailed wraps git's own failures, timeouts included.
	ErrCloneFailed = errors.New("deploy: clone failed")
)

// tokenProviders are the hosts the platform-wide token is trusted for.
// Splicing it into an arbitrary remote would hand the token to whoever
// runs that remote.
var tokenProviders = map[string]bool{
	"github.com": true,
	"gitlab.com": true,
}

// ValidateRepoURL accepts https, http, and git scheme URLs with a host
// and a repository path, plus scp-style git@host:path remotes.  Local
// paths and everything else stay out.
func ValidateRepoURL(raw string) error {
	switch {
	case strings.HasPrefix(raw, "git@"):
		host, path, ok := strings.Cut(strings.TrimPrefix(raw, "git@"), ":")
		if !ok || host == "" || path == "" {
			return fmt.Errorf("%w: scp-style remote needs host:path", ErrBadRepoURL)
		}
		return nil
	case strings.HasPrefix(raw, "https://"),
		strings.HasPrefix(raw, "http://"),
		strings.HasPrefix(raw, "git://"):
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadRepoURL, err)
		}
		if u.Host == "" || u.Path == "" || u.Path == "/" {
			return fmt.Errorf("%w: missing host or repository path", ErrBadRepoURL)
		}
		if u.User != nil {
			return fmt.Errorf("%w: credentials belong in the github.token setting, not the URL", ErrBadRepoURL)
		}
		return nil
	default:
		return fmt.Errorf("%w: must start with https://, http://, git://, or git@", ErrBadRepoURL)
	}
}

// injectToken splices the access token into an http(s) URL pointing at a
// supported provider.  Other remotes, git and ssh style included, pass
// through untouched.
func injectToken(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if (u.Scheme != "https" && u.Scheme != "http") || !tokenProviders[u.Hostname()] {
		return raw
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// redact removes the token from arbitrary text (git echoes the remote URL
// into its stderr).
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "********")
}

// Clone performs a shallow single-branch clone of repoURL into dest and
// strips the history.  branch may be empty for the remote default.
func Clone(ctx context.Context, gitBin, repoURL, branch, token, dest string, timeout time.Duration) error {
	if err := ValidateRepoURL(repoURL); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, injectToken(repoURL, token), dest)

	var out tailWriter
	cmd := exec.CommandContext(ctx, gitBin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %s", ErrCloneFailed, timeout)
		}
		return fmt.Errorf("%w: %s", ErrCloneFailed, redact(out.String(), token))
	}
	return StripHistory(dest)
}

// StripHistory removes the .git directory from a cloned tree.
func StripHistory(dir string) error {
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		return fmt.Errorf("deploy: strip history: %w", err)
	}
	return nil
}
