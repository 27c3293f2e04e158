// internal/runner/runner.go
//
// Node subprocess runner.
//
// Context
// -------
// Backend and fullstack apps execute out of process.  Each loaded app
// gets one `node harness.js` child rooted in its own directory and
// serving HTTP on a private unix socket; the platform proxies tenant
// traffic to that socket (proxy.go) and the child never opens a TCP
// port.  An app that crashes, leaks, or spins takes its own process
// with it, not the platform.
//
// Start spawns the child with a scrubbed environment (env.go), then
// polls the socket until it accepts.  Stop signals the child's process
// group with SIGTERM, escalates to SIGKILL after a grace period, and
// removes the socket.  Stop is idempotent.
//
// Oxford commas, two spaces after periods.

package runner

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

//go:embed harness.js
var harnessJS []byte

const (
	// DefaultStartTimeout bounds how long Start waits for the child's
	// socket to accept before giving up.
	DefaultStartTimeout = 15 * time.Second

	// DefaultStopGrace is how long a SIGTERMed child may take to exit
	// before Stop escalates to SIGKILL.
	DefaultStopGrace = 5 * time.Second

	harnessName = "harness.js"
	probeEvery  = 50 * time.Millisecond
)

// Config tunes the runner.  Zero values select the defaults.
type Config struct {
	NodeBin      string        // node executable, default "node"
	RunDir       string        // sockets and the materialized harness live here
	StartTimeout time.Duration //
	StopGrace    time.Duration //
	// Output returns the sink for one child's stdout and stderr.  May
	// be nil, in which case output is kept only in the in-memory tail.
	Output func(slug string) io.Writer
}

// Runner spawns and terminates app processes.  Safe for concurrent use;
// it holds no per-app state, the tenant cache does.
type Runner struct {
	nodeBin      string
	runDir       string
	harness      string
	startTimeout time.Duration
	stopGrace    time.Duration
	output       func(slug string) io.Writer
}

// New prepares the run directory and materializes the embedded harness
// into it, since node needs a real file to execute.
func New(cfg Config) (*Runner, error) {
	if cfg.NodeBin == "" {
		cfg.NodeBin = "node"
	}
	if cfg.RunDir == "" {
		cfg.RunDir = filepath.Join(os.TempDir(), "platformx")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if err := os.MkdirAll(cfg.RunDir, 0o700); err != nil {
		return nil, fmt.Errorf("runner: create run dir: %w", err)
	}
	harness := filepath.Join(cfg.RunDir, harnessName)
	if err := os.WriteFile(harness, harnessJS, 0o644); err != nil {
		return nil, fmt.Errorf("runner: write harness: %w", err)
	}
	return &Runner{
		nodeBin:      cfg.NodeBin,
		runDir:       cfg.RunDir,
		harness:      harness,
		startTimeout: cfg.StartTimeout,
		stopGrace:    cfg.StopGrace,
		output:       cfg.Output,
	}, nil
}

// SocketPath returns where an app's socket lives.  Unix socket paths
// are capped near 108 bytes, which is why sockets sit under a short
// run directory instead of inside the app tree.
func (r *Runner) SocketPath(slug string) string {
	return filepath.Join(r.runDir, slug+".sock")
}

// Spec describes one child to spawn.
type Spec struct {
	Slug  string
	Dir   string   // app root; becomes the child's working directory
	Entry string   // entry module, relative to Dir
	Env   []string // scrubbed environment, see ChildEnv
}

// Process is one running app child.
type Process struct {
	slug    string
	socket  string
	proc    *os.Process
	handler http.Handler
	output  *tail
	grace   time.Duration

	done     chan struct{}
	exitErr  error // set before done closes
	stopOnce sync.Once
}

// Start spawns the harness for one app and waits for its socket to
// accept.  On any failure the child is torn down before returning, so
// a failed Start leaves nothing behind.
func (r *Runner) Start(ctx context.Context, sp Spec) (*Process, error) {
	socket := r.SocketPath(sp.Slug)
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("runner: remove stale socket %s: %w", socket, err)
	}

	out := &tail{}
	var sink io.Writer = out
	if r.output != nil {
		sink = io.MultiWriter(out, r.output(sp.Slug))
	}

	cmd := exec.Command(r.nodeBin, r.harness)
	cmd.Dir = sp.Dir
	cmd.Env = append(append([]string{}, sp.Env...),
		"PLATFORMX_SOCKET="+socket,
		"PLATFORMX_ENTRY="+sp.Entry,
		"PLATFORMX_APP="+sp.Slug,
	)
	cmd.Stdin = nil
	cmd.Stdout = sink
	cmd.Stderr = sink
	// Children go into their own process group so Stop can signal the
	// app and anything it spawned in one shot.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: start %s: %w", sp.Slug, err)
	}

	p := &Process{
		slug:    sp.Slug,
		socket:  socket,
		proc:    cmd.Process,
		handler: newSocketProxy(sp.Slug, socket),
		output:  out,
		grace:   r.stopGrace,
		done:    make(chan struct{}),
	}
	go p.reap(cmd)

	if err := waitReady(ctx, socket, r.startTimeout, p.done); err != nil {
		p.Stop()
		if tail := out.String(); tail != "" {
			return nil, fmt.Errorf("runner: %s not ready: %w\n%s", sp.Slug, err, tail)
		}
		return nil, fmt.Errorf("runner: %s not ready: %w", sp.Slug, err)
	}
	return p, nil
}

// reap owns cmd.Wait; nothing else may call it.
func (p *Process) reap(cmd *exec.Cmd) {
	p.exitErr = cmd.Wait()
	close(p.done)
}

// waitReady polls the socket until it accepts, the child dies, or time
// runs out.
func waitReady(ctx context.Context, socket string, timeout time.Duration, died <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(probeEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-died:
			return errors.New("process exited before the socket came up")
		case <-deadline.C:
			return errors.New("timed out waiting for the socket")
		case <-tick.C:
			conn, err := net.DialTimeout("unix", socket, probeEvery)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}

// Handler proxies requests to the child.
func (p *Process) Handler() http.Handler { return p.handler }

// Slug returns the app this process serves.
func (p *Process) Slug() string { return p.slug }

// Socket returns the unix socket path the child listens on.
func (p *Process) Socket() string { return p.socket }

// Done closes when the child exits, however it exits.  The tenant
// cache watches it to drop entries whose process died underneath them.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop terminates the child: SIGTERM to the process group, SIGKILL
// after the grace period, then the socket is removed.  Blocks until
// the child is reaped.  Idempotent, and safe to call on a child that
// already exited.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		// ESRCH here just means the child beat us to the exit.
		_ = syscall.Kill(-p.proc.Pid, syscall.SIGTERM)
		grace := time.NewTimer(p.grace)
		defer grace.Stop()
		select {
		case <-p.done:
		case <-grace.C:
			_ = syscall.Kill(-p.proc.Pid, syscall.SIGKILL)
			<-p.done
		}
		os.Remove(p.socket)
	})
}

/*──────────────────────────── output tail ─────────────────────────────────*/

const tailLimit = 4 << 10

// tail keeps the last few KB of child output so a failed start can say
// why.  Locked because Start may read it while the exec copier writes.
type tail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - tailLimit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
