// internal/web/middleware.go
//
// Admin-API middleware: request IDs, security headers, panic recovery,
// bearer-token authentication, and the request wall clock.
//
// Context
// -------
// The chain is deliberately small and ordered:
//
//	requestID → secureHeaders → recoverPanics → [authenticate] → [withTimeout]
//
// requestID runs first so every later failure envelope can carry the
// ID; recovery runs before auth so a panicking verifier still yields a
// JSON 500 instead of a dropped connection.  Authentication and the
// wall clock are attached per route group, not globally: health probes
// and login stay open, and ingest routes run without the 30 s cap
// because their pipeline steps carry their own deadlines.
//
// Notes
// -----
// • Headers go on before the handler runs.  Anything added after the
//   first Write is silently lost, which is exactly the bug this order
//   avoids.
// • Oxford commas, two spaces after periods.

package web

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/auth"
)

/*──────────────────────────── request IDs ─────────────────────────────────*/

type requestIDKey struct{}

// RequestID returns the ID minted (or echoed) for this request, or ""
// outside the middleware chain.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestID tags the request and the response.  An inbound X-Request-ID
// is echoed so upstream proxies can correlate; otherwise a fresh UUID
// is minted.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

/*──────────────────────────── security headers ────────────────────────────*/

// secureHeaders sets the transport-hardening headers on every admin
// response.
func secureHeaders(next http.Handler) http.Handler {
	const (
		hsts  = "max-age=63072000; includeSubDomains; preload"
		xfo   = "DENY"
		nosn  = "nosniff"
		refer = "strict-origin-when-cross-origin"
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", hsts)
		h.Set("X-Frame-Options", xfo)
		h.Set("X-Content-Type-Options", nosn)
		h.Set("Referrer-Policy", refer)
		next.ServeHTTP(w, r)
	})
}

/*──────────────────────────── panic recovery ──────────────────────────────*/

// recoverPanics converts handler panics into 7001 envelopes.  The one
// panic passed through is http.ErrAbortHandler, which the server uses
// internally to abandon a connection.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			zap.S().Errorw("handler panic",
				"method", r.Method, "path", r.URL.Path,
				"panic", p, "stack", string(debug.Stack()))
			writeErr(w, r, fail(http.StatusInternalServerError, CodeInternal, "internal error"))
		}()
		next.ServeHTTP(w, r)
	})
}

/*──────────────────────────── authentication ──────────────────────────────*/

// authenticate gates a route group behind a bearer token.  The claims
// land in the request context for handlers that care who is acting.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeErr(w, r, fail(http.StatusUnauthorized, CodeBadToken, "missing bearer token"))
			return
		}
		claims, err := auth.Verify(s.cfg.Admin.JWTSecret, raw)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), claims)))
	})
}

// bearerToken pulls the token out of the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

/*──────────────────────────── wall clock ──────────────────────────────────*/

// withTimeout caps the request context.  Handlers surface the expired
// deadline as a 408 envelope via toAPIError; nothing here races the
// ResponseWriter.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
