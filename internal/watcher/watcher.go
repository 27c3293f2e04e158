// internal/watcher/watcher.go
//
// Per-app file watching.
//
// Context
// -------
// Development mode reloads an app when its tree changes on disk.  The
// watcher holds one recursive watch per loaded app, ignores
// node_modules and version-control metadata, and coalesces event
// bursts with a stability window (300 ms by default) so an npm install
// or an editor save storm produces one reload, not hundreds.
//
// The watcher only observes and reports.  It emits (slug, kind) items
// on Changes(); a consumer goroutine owned by main drains the channel
// and asks the tenant cache to evict.  Nothing here ever takes a
// per-app lock, so a reload can never deadlock against a load or an
// admin operation in flight.
//
// Oxford commas, two spaces after periods.

package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the stability window applied per app.
const DefaultDebounce = 300 * time.Millisecond

// Directories whose contents never trigger a reload.
var ignoredDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".hg":          {},
	".svn":         {},
}

// Change is one debounced filesystem event for one app.
type Change struct {
	Slug string
	Kind string // create, modify, or delete
}

// Watcher multiplexes every app's tree onto one fsnotify instance.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	out      chan Change
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	roots    map[string]string // slug → app dir
	timers   map[string]*time.Timer
	lastKind map[string]string
}

// New opens the watcher and starts its event loop.
func New(debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		debounce: debounce,
		out:      make(chan Change, 16),
		done:     make(chan struct{}),
		roots:    map[string]string{},
		timers:   map[string]*time.Timer{},
		lastKind: map[string]string{},
	}
	go w.run()
	return w, nil
}

// Changes delivers one item per debounced change.  The channel stays
// open for the watcher's lifetime.
func (w *Watcher) Changes() <-chan Change { return w.out }

// Watch registers an app's directory tree.  Idempotent per slug.
func (w *Watcher) Watch(slug, dir string) error {
	w.mu.Lock()
	if _, ok := w.roots[slug]; ok {
		w.mu.Unlock()
		return nil
	}
	w.roots[slug] = dir
	w.mu.Unlock()

	if err := w.addTree(dir); err != nil {
		w.Unwatch(slug)
		return err
	}
	return nil
}

// Unwatch drops the app's watches and any pending debounce.  Safe to
// call for a slug that was never watched.
func (w *Watcher) Unwatch(slug string) {
	w.mu.Lock()
	root, ok := w.roots[slug]
	delete(w.roots, slug)
	if t, found := w.timers[slug]; found {
		t.Stop()
		delete(w.timers, slug)
	}
	delete(w.lastKind, slug)
	w.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range w.fs.WatchList() {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			// The watch may already be gone with its directory.
			_ = w.fs.Remove(p)
		}
	}
}

// Close tears down every watch.  Pending debounce timers fire into the
// void.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.fs.Close()
}

/*──────────────────────────── event loop ──────────────────────────────────*/

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			zap.S().Warnw("file watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ignored(ev.Name) {
		return
	}
	slug := w.owner(ev.Name)
	if slug == "" {
		return
	}
	// A directory created inside a watched tree must be watched too;
	// fsnotify watches are not recursive.
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				zap.S().Warnw("watch new directory failed", "dir", ev.Name, "err", err)
			}
		}
	}
	w.bump(slug, kindOf(ev.Op))
}

// bump restarts the app's stability window.  The emitted kind is the
// last event's; for a reload it only matters that something changed.
func (w *Watcher) bump(slug, kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[slug]; !ok {
		return
	}
	w.lastKind[slug] = kind
	if t, ok := w.timers[slug]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[slug] = time.AfterFunc(w.debounce, func() { w.emit(slug) })
}

func (w *Watcher) emit(slug string) {
	w.mu.Lock()
	kind := w.lastKind[slug]
	delete(w.lastKind, slug)
	delete(w.timers, slug)
	_, watched := w.roots[slug]
	w.mu.Unlock()
	if !watched {
		return
	}
	select {
	case w.out <- Change{Slug: slug, Kind: kind}:
	case <-w.done:
	}
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

// addTree walks root and watches every directory not on the ignore
// list.  Unreadable subtrees are skipped; a missing root is an error.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("watcher: %s: %w", root, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := ignoredDirs[d.Name()]; skip && path != root {
			return fs.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watcher: add %s: %w", path, err)
		}
		return nil
	})
}

// owner maps an event path back to the app whose root contains it.
func (w *Watcher) owner(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for slug, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return slug
		}
	}
	return ""
}

func ignored(path string) bool {
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if _, ok := ignoredDirs[seg]; ok {
			return true
		}
	}
	return false
}

func kindOf(op fsnotify.Op) string {
	switch {
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return "delete"
	case op&fsnotify.Create != 0:
		return "create"
	default:
		return "modify"
	}
}
