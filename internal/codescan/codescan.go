// internal/codescan/codescan.go
//
// Static screening of uploaded app code.
//
// Context
// -------
// Hosted apps must not open their own listeners; the platform owns every
// socket and hands each app its endpoint.  Before an app goes live we
// screen its declared entry file for the call shapes that grab a port.
// Only the entry file is screened; what an app requires beyond it, node
// modules included, is its own business.  The screen is textual: comments
// are stripped first so commented-out examples do not block a deploy,
// while string literals keep their content and can still trip a match.
// That bias is deliberate; a false rejection is cheaper than a stolen
// port.
//
// Oxford commas, two spaces after periods.

package codescan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// forbidden pairs a compiled matcher with the human-readable shape that
// lands in the rejection reason.
type forbidden struct {
	re    *regexp.Regexp
	shape string
}

var forbiddenCalls = []forbidden{
	{regexp.MustCompile(`\bapp\s*\.\s*listen\s*\(`), "app.listen("},
	{regexp.MustCompile(`\bserver\s*\.\s*listen\s*\(`), "server.listen("},
	{regexp.MustCompile(`\bexpress\s*\(\s*\)\s*\.\s*listen\s*\(`), "express().listen("},
	{regexp.MustCompile(`\bhttp\s*\.\s*createServer\s*\(`), "http.createServer("},
	{regexp.MustCompile(`\bhttps\s*\.\s*createServer\s*\(`), "https.createServer("},
}

// Violation names the first forbidden call found.
type Violation struct {
	File    string `json:"file"`
	Pattern string `json:"pattern"`
}

// Reason renders the violation for error payloads.
func (v *Violation) Reason() string {
	return fmt.Sprintf("forbidden call %s in %s", v.Pattern, v.File)
}

// CheckSource scans one file's bytes.  Returns nil when clean.
func CheckSource(src []byte) *Violation {
	clean := StripComments(src)
	for _, f := range forbiddenCalls {
		if f.re.Match(clean) {
			return &Violation{Pattern: f.shape}
		}
	}
	return nil
}

// CheckFile screens one entry file.  A clean file returns (nil, nil); an
// unreadable file is an error, not a violation.
func CheckFile(path string) (*Violation, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("codescan: read %s: %w", path, err)
	}
	v := CheckSource(src)
	if v != nil {
		v.File = filepath.Base(path)
	}
	return v, nil
}

/*──────────────────────────── comment stripping ───────────────────────────*/

// StripComments removes // and /* */ comments from JavaScript source while
// leaving string and template literals intact.  Comment bytes are replaced
// with spaces (newlines survive) so any later diagnostics keep their line
// numbers.
func StripComments(src []byte) []byte {
	const (
		code = iota
		lineComment
		blockComment
		singleQuote
		doubleQuote
		backtick
	)

	out := make([]byte, len(src))
	copy(out, src)
	state := code

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch state {
		case code:
			switch {
			case c == '/' && i+1 < len(src) && src[i+1] == '/':
				state = lineComment
				out[i], out[i+1] = ' ', ' '
				i++
			case c == '/' && i+1 < len(src) && src[i+1] == '*':
				state = blockComment
				out[i], out[i+1] = ' ', ' '
				i++
			case c == '\'':
				state = singleQuote
			case c == '"':
				state = doubleQuote
			case c == '`':
				state = backtick
			}
		case lineComment:
			if c == '\n' {
				state = code
			} else {
				out[i] = ' '
			}
		case blockComment:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				out[i], out[i+1] = ' ', ' '
				i++
				state = code
			} else if c != '\n' {
				out[i] = ' '
			}
		case singleQuote:
			if c == '\\' {
				i++
			} else if c == '\'' || c == '\n' {
				state = code
			}
		case doubleQuote:
			if c == '\\' {
				i++
			} else if c == '"' || c == '\n' {
				state = code
			}
		case backtick:
			if c == '\\' {
				i++
			} else if c == '`' {
				state = code
			}
		}
	}
	return out
}
