// internal/auth/audit.go
//
// Login audit trail.
//
// Context
// -------
// Every login attempt, successful or not, is logged with the client IP,
// a parsed user-agent fingerprint, and (when a GeoLite2 database is
// available) a country and city hint.  The geo lookup is best-effort; a
// missing database only drops those two fields.
//
// Oxford commas, two spaces after periods.

package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/platformx/platformx/internal/ua"
)

// Auditor enriches and writes login audit lines.
type Auditor struct {
	geo *geoip2.Reader // nil when no database is configured
}

// NewAuditor opens the GeoLite2 database at dbPath.  An empty path (or an
// unreadable file) yields an auditor without geolocation.
func NewAuditor(dbPath string) *Auditor {
	if dbPath == "" {
		return &Auditor{}
	}
	rdr, err := geoip2.Open(dbPath)
	if err != nil {
		zap.S().Warnw("geoip database unavailable", "path", dbPath, "err", err)
		return &Auditor{}
	}
	return &Auditor{geo: rdr}
}

// Close releases the GeoLite2 handle.
func (a *Auditor) Close() {
	if a.geo != nil {
		a.geo.Close()
	}
}

// LogAttempt writes one audit line for a login attempt.
func (a *Auditor) LogAttempt(r *http.Request, username string, ok bool) {
	ip := ClientIP(r)
	agent := ua.Parse(r.UserAgent())

	fields := []any{
		"username", username,
		"ip", ip.String(),
		"browser", agent.Browser,
		"browser_version", agent.Version,
		"os", agent.OS,
		"device", agent.Device,
		"bot", agent.IsBot,
	}
	if a.geo != nil && ip != nil {
		if rec, err := a.geo.City(ip); err == nil {
			fields = append(fields,
				"country", rec.Country.IsoCode,
				"city", rec.City.Names["en"])
		}
	}

	if ok {
		zap.S().Infow("admin login succeeded", fields...)
	} else {
		zap.S().Warnw("admin login failed", fields...)
	}
}

// ClientIP extracts the left-most address from X-Forwarded-For or
// X-Real-IP, falling back to r.RemoteAddr ("ip:port").
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip
			}
		}
	}
	if xrip := r.Header.Get("X-Real-Ip"); xrip != "" {
		if ip := net.ParseIP(strings.TrimSpace(xrip)); ip != nil {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return net.ParseIP(host)
	}
	return nil
}
