// internal/envfile/envfile.go
//
// Per-app environment files.
//
// Context
// -------
// Every app may carry an apps/<slug>/.env holding the variables injected
// into its process (or made visible to its static build).  The platform is
// the only writer; apps read the file through their runtime environment.
//
// Reads go through godotenv so the accepted syntax matches what Node
// tooling expects.  Writes use our own marshaller because the on-disk
// format quotes a value only when it needs quoting, and godotenv.Marshal
// quotes unconditionally.
//
// Oxford commas, two spaces after periods.

package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// keyPattern is the only accepted shape for variable names.
var keyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ValidateKey rejects names that could not survive a shell export.
func ValidateKey(k string) error {
	if k == "" {
		return fmt.Errorf("env key must not be empty")
	}
	if !keyPattern.MatchString(k) {
		return fmt.Errorf("env key %q must match %s", k, keyPattern.String())
	}
	return nil
}

// Store reads and writes the .env files under one apps directory.
type Store struct {
	appsDir  string
	onChange func(slug string)
}

// NewStore binds the store to the platform's apps directory.
func NewStore(appsDir string) *Store { return &Store{appsDir: appsDir} }

// OnChange registers a hook that runs synchronously after every successful
// write, before the mutation returns.  The tenant cache hangs its eviction
// here so a caller never sees a success while a stale process is still
// serving the old environment.
func (s *Store) OnChange(fn func(slug string)) { s.onChange = fn }

// Path returns the absolute .env location for a slug.
func (s *Store) Path(slug string) string {
	return filepath.Join(s.appsDir, slug, ".env")
}

// Load parses the app's .env.  A missing file is an empty environment, not
// an error; a missing app directory is still an error.
func (s *Store) Load(slug string) (map[string]string, error) {
	raw, err := os.ReadFile(s.Path(slug))
	if os.IsNotExist(err) {
		if _, dirErr := os.Stat(filepath.Join(s.appsDir, slug)); dirErr != nil {
			return nil, fmt.Errorf("envfile: app %s: %w", slug, dirErr)
		}
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("envfile: read %s: %w", slug, err)
	}
	vars, err := godotenv.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("envfile: parse %s: %w", slug, err)
	}
	return vars, nil
}

// Save replaces the whole file with exactly the given variables.  Keys
// are validated as a batch; on any invalid key nothing is written.
func (s *Store) Save(slug string, vars map[string]string) error {
	for k := range vars {
		if err := ValidateKey(k); err != nil {
			return err
		}
	}
	if _, err := os.Stat(filepath.Join(s.appsDir, slug)); err != nil {
		return fmt.Errorf("envfile: app %s: %w", slug, err)
	}
	return s.write(slug, vars)
}

// Merge validates the updates as a batch, folds them over the current file,
// and writes the result atomically.  On any invalid key nothing is written.
// Returns the resulting environment.
func (s *Store) Merge(slug string, updates map[string]string) (map[string]string, error) {
	for k := range updates {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
	}

	vars, err := s.Load(slug)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return vars, nil
	}
	for k, v := range updates {
		vars[k] = v
	}
	if err := s.write(slug, vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// DeleteKeys removes the named variables.  Unknown keys are ignored; the
// file is rewritten only when something actually changed.  Deleting the
// last key leaves an empty file in place, not a missing one.
func (s *Store) DeleteKeys(slug string, keys []string) (map[string]string, error) {
	vars, err := s.Load(slug)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, k := range keys {
		if _, ok := vars[k]; ok {
			delete(vars, k)
			changed = true
		}
	}
	if changed {
		if err := s.write(slug, vars); err != nil {
			return nil, err
		}
	}
	return vars, nil
}

// Remove deletes the .env file outright.  Missing files are fine.  The
// change hook still fires: a removed environment invalidates a loaded
// app exactly like a rewritten one.
func (s *Store) Remove(slug string) error {
	if err := os.Remove(s.Path(slug)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("envfile: remove %s: %w", slug, err)
	}
	if s.onChange != nil {
		s.onChange(slug)
	}
	return nil
}

// write lands the serialized file atomically next to its final location.
// Mode 0600: these files hold credentials.
func (s *Store) write(slug string, vars map[string]string) error {
	path := s.Path(slug)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".env-*")
	if err != nil {
		return fmt.Errorf("envfile: temp %s: %w", slug, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Marshal(vars)); err != nil {
		tmp.Close()
		return fmt.Errorf("envfile: write %s: %w", slug, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("envfile: chmod %s: %w", slug, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("envfile: close %s: %w", slug, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("envfile: rename %s: %w", slug, err)
	}
	if s.onChange != nil {
		s.onChange(slug)
	}
	return nil
}

/*──────────────────────────── serialization ───────────────────────────────*/

// Marshal renders the environment sorted by key, one KEY=value per line.
// Values are double-quoted only when they contain characters the bare
// syntax cannot carry.
func Marshal(vars map[string]string) []byte {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(renderValue(vars[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func renderValue(v string) string {
	if !needsQuoting(v) {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(v string) bool {
	if v == "" {
		return false
	}
	return strings.ContainsAny(v, " \t\n#\"'\\")
}

// Environ flattens an environment map into KEY=value pairs sorted by key,
// ready for exec.Cmd.Env.
func Environ(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
