// internal/tenant/static.go
//
// Frontend tenant handler.
//
// Context
// -------
// Frontend apps never get a child process.  Their requests resolve in
// three stages: proxy rules first (longest configured prefix wins),
// then a file under the build output directory, then the SPA fallback
// to index.html so client-side routes deep-link cleanly.  A proxy rule
// whose upstream is down answers 502 with a short diagnostic instead
// of dressing up as an app response.
//
// Oxford commas, two spaces after periods.

package tenant

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/registry"
)

// proxyRule is one compiled path-prefix forward.
type proxyRule struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// Static serves one frontend tenant.
type Static struct {
	root  string
	index string
	rules []proxyRule
}

// NewStatic compiles the proxy map and binds the handler to the build
// output directory.  An unparsable upstream fails the load rather than
// leaving a silently dead route.
func NewStatic(root string, rules registry.ProxyMap) (*Static, error) {
	s := &Static{root: root, index: filepath.Join(root, "index.html")}
	for prefix, target := range rules {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("tenant: proxy target %q for prefix %q is not an absolute URL", target, prefix)
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		p := httputil.NewSingleHostReverseProxy(u)
		p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			zap.S().Warnw("frontend proxy failed", "prefix", prefix, "target", target, "err", err)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintf(w, "Proxy to %s failed: %v\n", target, err)
		}
		s.rules = append(s.rules, proxyRule{prefix: prefix, proxy: p})
	}
	// Longest prefix first, so nested rules resolve deterministically.
	sort.Slice(s.rules, func(i, j int) bool { return len(s.rules[i].prefix) > len(s.rules[j].prefix) })
	return s, nil
}

func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rule := range s.rules {
		if matchesPrefix(r.URL.Path, rule.prefix) {
			rule.proxy.ServeHTTP(w, r)
			return
		}
	}

	// Clean against "/" first; the join cannot escape the root.
	rel := filepath.Clean("/" + r.URL.Path)
	path := filepath.Join(s.root, rel)
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		http.ServeFile(w, r, path)
		return
	}

	// SPA fallback: unmatched routes get the app shell.
	if _, err := os.Stat(s.index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, s.index)
}

// matchesPrefix treats /api as matching /api and /api/users, never
// /apiary.
func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || prefix == "/" || path[len(prefix)] == '/'
}
