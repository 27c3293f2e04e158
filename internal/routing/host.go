// internal/routing/host.go
//
// Host-header resolution: the single decision point that splits traffic
// between the platform admin API (apex host) and tenant subdomains.
//
// Workflow
// --------
//  1. Strip any :port suffix and lowercase.
//  2. Exact apex match        → TargetPlatform.
//  3. “<label>.<apex>” suffix → validate label as a slug → TargetApp.
//  4. Anything else           → TargetReject (the edge answers 404).
//
// A label that parses as a slug but is reserved, too short, or contains
// “--” is rejected here rather than later, so unknown-host probes never
// reach the registry.

package routing

import "strings"

// Target classifies what a request's Host header resolves to.
type Target int

const (
	// TargetReject means the host is neither the apex nor a valid
	// tenant subdomain; the edge responds 404 without further lookups.
	TargetReject Target = iota
	// TargetPlatform routes to the admin API served on the apex host.
	TargetPlatform
	// TargetApp routes to the tenant named by the accompanying slug.
	TargetApp
)

// ResolveHost classifies host against the platform apex and returns the
// tenant slug for TargetApp results (empty otherwise).
func ResolveHost(host, apex string) (Target, string) {
	host = strings.ToLower(StripPort(host))
	apex = strings.ToLower(apex)

	if host == apex {
		return TargetPlatform, ""
	}

	label, ok := strings.CutSuffix(host, "."+apex)
	if !ok || label == "" {
		return TargetReject, ""
	}
	if err := ValidateSlug(label); err != nil {
		return TargetReject, ""
	}
	return TargetApp, label
}

// StripPort removes any “:port” suffix from the Host header.
func StripPort(h string) string {
	if i := strings.IndexByte(h, ':'); i != -1 {
		return h[:i]
	}
	return h
}
