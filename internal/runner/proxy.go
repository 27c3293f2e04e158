// internal/runner/proxy.go
//
// Reverse proxy over an app's unix socket.
//
// Context
// -------
// The harness serves plain HTTP on a filesystem socket, so the proxy
// is a stock httputil.ReverseProxy whose transport dials that socket
// regardless of what the request URL says.  The app sees the original
// Host, path, and query; hop-by-hop header handling stays
// ReverseProxy's problem.
//
// Oxford commas, two spaces after periods.

package runner

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"
)

// newSocketProxy builds the handler that forwards one app's tenant
// traffic to its harness socket.
func newSocketProxy(slug, socket string) http.Handler {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			// The URL host is never dialed, but ReverseProxy requires
			// one to build the outbound request.
			req.URL.Scheme = "http"
			req.URL.Host = "unix"
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			zap.S().Errorw("app proxy failed",
				"slug", slug, "path", req.URL.Path, "err", err)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			// The only deadline on a tenant request is the front-door
			// wall clock, so its expiry is a request timeout, not an
			// upstream fault.
			if req.Context().Err() == context.DeadlineExceeded {
				w.WriteHeader(http.StatusRequestTimeout)
				w.Write([]byte("App timed out.\n"))
				return
			}
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("App process unavailable.\n"))
		},
	}
}
