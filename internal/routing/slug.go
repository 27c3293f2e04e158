// internal/routing/slug.go
//
// Slug rules shared by the host parser, the registry, and the deploy
// pipeline.
//
// A slug is the URL-safe tenant identifier that becomes the left-most
// host label (<slug>.<apex>) and the on-disk directory name under the
// apps root.
//
// Rules (ValidateSlug)
// --------------------
// 1. 3–63 characters.
// 2. Matches ^[a-z0-9]([a-z0-9-]*[a-z0-9])?$ — lowercase alphanumerics
//    and single dashes, never leading or trailing.
// 3. No “--” anywhere (reserved for future punycode-style encodings).
// 4. Not in the reserved set (api, admin, www, …).
//
// Rules (Sanitize)
// ----------------
// 1. Lower-case everything.
// 2. Spaces, underscores, and dashes become one “-”.
// 3. Strip every other character outside [a-z0-9].
// 4. Collapse consecutive “-” to a single “-”.
// 5. Trim leading / trailing “-”, cap at 63 characters.
//
// Notes
// -----
// • Sanitize may return a string that still fails ValidateSlug (too
//   short, reserved); callers must re-validate.
// • Oxford commas, two spaces after periods.

package routing

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// SlugMinLen and SlugMaxLen bound the accepted slug length.  63 is
	// the DNS label limit; 3 keeps one- and two-letter vanity names out
	// of the tenant namespace.
	SlugMinLen = 3
	SlugMaxLen = 63
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reserved holds host labels that can never be tenant slugs because the
// platform (or common infrastructure) claims them.
var reserved = map[string]struct{}{
	"api": {}, "admin": {}, "www": {}, "ftp": {}, "mail": {},
	"platformx": {}, "platform": {}, "dashboard": {}, "console": {},
	"auth": {}, "login": {}, "logout": {}, "register": {}, "signup": {},
	"static": {}, "assets": {}, "public": {}, "cdn": {}, "blog": {},
	"localhost": {},
}

// IsReserved reports whether s is a platform-reserved label.
func IsReserved(s string) bool {
	_, ok := reserved[s]
	return ok
}

// ValidateSlug returns nil when s is an acceptable tenant slug, or a
// descriptive error suitable for API responses and sync reports.
func ValidateSlug(s string) error {
	if len(s) < SlugMinLen || len(s) > SlugMaxLen {
		return fmt.Errorf("slug must be %d-%d characters, got %d", SlugMinLen, SlugMaxLen, len(s))
	}
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("slug %q must be lowercase alphanumerics and single dashes", s)
	}
	if strings.Contains(s, "--") {
		return fmt.Errorf("slug %q must not contain consecutive dashes", s)
	}
	if IsReserved(s) {
		return fmt.Errorf("slug %q is reserved", s)
	}
	return nil
}

// Sanitize converts an arbitrary directory or display name into slug
// form.  Used by registry sync when autoRename is requested.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastWasDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasDash = false
		case r == ' ', r == '_', r == '-':
			if !lastWasDash {
				b.WriteRune('-')
				lastWasDash = true
			}
		default:
			// every other rune is dropped, not dashed
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > SlugMaxLen {
		slug = strings.TrimRight(slug[:SlugMaxLen], "-")
	}
	return slug
}
