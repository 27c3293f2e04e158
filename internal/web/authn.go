// internal/web/authn.go
//
// Login and token verification.
//
// Login is the only credential-bearing route, so it gets the extra
// treatment: a per-IP limiter consulted before the password check, and
// an audit record of every attempt — pass or fail — enriched with the
// caller's user agent and geo lookup.
//
// Oxford commas, two spaces after periods.

package web

import (
	"net/http"

	"github.com/platformx/platformx/internal/auth"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := ""
	if parsed := auth.ClientIP(r); parsed != nil {
		ip = parsed.String()
	}
	if s.d.Limiter != nil && !s.d.Limiter.Allow(ip) {
		writeErr(w, r, fail(http.StatusTooManyRequests, CodeRateLimited, "too many login attempts; try again later"))
		return
	}

	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}

	ok := s.d.Creds.Check(in.Username, in.Password)
	if s.d.Auditor != nil {
		s.d.Auditor.LogAttempt(r, in.Username, ok)
	}
	if !ok {
		writeErr(w, r, fail(http.StatusUnauthorized, CodeBadCredentials, "invalid credentials"))
		return
	}

	token, exp, err := auth.Issue(s.cfg.Admin.JWTSecret, in.Username)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": exp,
		"username":  in.Username,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.Identity(r.Context())
	if !ok {
		writeErr(w, r, fail(http.StatusUnauthorized, CodeBadToken, "missing identity"))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"username":  claims.Username,
		"expiresAt": claims.ExpiresAt.Time,
	})
}
