// internal/web/forwarder.go
//
// Tenant request path: subdomain traffic → cache → app handler.
//
// Context
// -------
// By the time forward runs the host has already resolved to a valid
// slug, so the remaining work is loading the tenant (or finding it hot
// in the cache), decorating the request context with the loaded entry,
// and handing off to the tenant's handler — a socket proxy for
// process-backed apps, the static file server for frontends.
//
// Load refusals stay plain text: this is end-user traffic, not the
// admin API, so no JSON envelope.  A load failure shows its diagnostic
// only in development mode.
//
// Oxford commas, two spaces after periods.

package web

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/platformx/platformx/internal/metrics"
	"github.com/platformx/platformx/internal/tenant"
)

func (s *Server) forward(w http.ResponseWriter, r *http.Request, slug string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	t, err := s.d.Cache.GetOrLoad(ctx, slug)
	if err != nil {
		s.refuse(w, err)
		return
	}

	sw := &statusWriter{ResponseWriter: w}
	t.Handler.ServeHTTP(sw, r.WithContext(tenant.NewContext(ctx, t)))

	// The durable row catches up via the periodic flush; the response
	// never waits on a store write.
	t.CountRequest()
	metrics.AppRequestsTotal.WithLabelValues(outcome(sw.status())).Inc()
}

// refuse writes the status page for a tenant that could not be served.
func (s *Server) refuse(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		metrics.AppRequestsTotal.WithLabelValues("not_found").Inc()
		http.Error(w, "404 app not found", http.StatusNotFound)
	case errors.Is(err, tenant.ErrDisabled):
		metrics.AppRequestsTotal.WithLabelValues("disabled").Inc()
		http.Error(w, "503 app disabled", http.StatusServiceUnavailable)
	case errors.Is(err, tenant.ErrShuttingDown):
		metrics.AppRequestsTotal.WithLabelValues("error").Inc()
		http.Error(w, "503 platform shutting down", http.StatusServiceUnavailable)
	default:
		metrics.AppRequestsTotal.WithLabelValues("load_failed").Inc()
		msg := "500 app failed to load"
		if s.cfg.Dev() {
			msg += "\n\n" + err.Error()
		}
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func outcome(status int) string {
	switch {
	case status == http.StatusRequestTimeout:
		return "timeout"
	case status >= 500:
		return "error"
	default:
		return "ok"
	}
}

/*──────────────────────────── status capture ──────────────────────────────*/

// statusWriter records the status code for the outcome metric while
// staying transparent to streaming and websocket upgrades.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	return sw.ResponseWriter.Write(p)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	sw.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (sw *statusWriter) status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}
