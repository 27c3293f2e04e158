// internal/deploy/archive.go
//
// Zip intake.
//
// Context
// -------
// Uploads arrive as .zip archives capped at the configured size.  The
// extractor defends against the usual archive tricks: path traversal,
// symlinks, and headers that lie about their uncompressed size.  Archives
// that wrap the whole app in a single top-level folder (the way desktop
// zip tools do) are flattened so the entry file lands at the app root.
//
// Oxford commas, two spaces after periods.

package deploy

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrArchiveTooLarge maps to the payload-too-large response.
	ErrArchiveTooLarge = errors.New("deploy: archive exceeds the size limit")
	// ErrBadArchive covers unreadable or hostile archives.
	ErrBadArchive = errors.New("deploy: invalid archive")
)

// ExtractZip unpacks src into dest (created if missing).  maxBytes bounds
// the total uncompressed size.
func ExtractZip(src, dest string, maxBytes int64) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	defer zr.Close()

	// Header-declared total first; the copy loop re-checks real bytes in
	// case the headers lie.
	var declared int64
	for _, f := range zr.File {
		declared += int64(f.UncompressedSize64)
	}
	if declared > maxBytes {
		return ErrArchiveTooLarge
	}

	prefix := commonTopDir(zr.File)

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("deploy: create %s: %w", dest, err)
	}

	var written int64
	for _, f := range zr.File {
		name := sanitizeEntryName(f.Name, prefix)
		if name == "" {
			continue
		}
		target, err := secureJoin(dest, name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("deploy: mkdir %s: %w", name, err)
			}
		case mode&os.ModeSymlink != 0:
			// Symlinks could point anywhere; uploads do not need them.
			continue
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("deploy: mkdir %s: %w", name, err)
			}
			n, err := extractFile(f, target, maxBytes-written)
			if err != nil {
				return err
			}
			written += n
			if written > maxBytes {
				return ErrArchiveTooLarge
			}
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrBadArchive, f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("deploy: create %s: %w", f.Name, err)
	}
	defer out.Close()

	// budget+1 so an over-budget file is detected rather than truncated.
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, fmt.Errorf("deploy: write %s: %w", f.Name, err)
	}
	if n > budget {
		return n, ErrArchiveTooLarge
	}
	return n, nil
}

// commonTopDir returns the single shared first path segment, or "" when
// entries live at the archive root or under mixed folders.  macOS metadata
// entries do not count.
func commonTopDir(files []*zip.File) string {
	top := ""
	for _, f := range files {
		name := normalizeName(f.Name)
		if name == "" || isJunk(name) {
			continue
		}
		seg, rest, hasRest := strings.Cut(name, "/")
		if !hasRest || rest == "" {
			if f.FileInfo().IsDir() {
				seg = strings.TrimSuffix(name, "/")
			} else {
				return "" // file at the root, nothing to flatten
			}
		}
		if seg == ".." || seg == "." {
			// Never flatten a traversal prefix; secureJoin rejects it.
			return ""
		}
		if top == "" {
			top = seg
		} else if top != seg {
			return ""
		}
	}
	return top
}

func sanitizeEntryName(raw, prefix string) string {
	name := normalizeName(raw)
	if name == "" || isJunk(name) {
		return ""
	}
	if prefix != "" {
		if name == prefix || name == prefix+"/" {
			return ""
		}
		name = strings.TrimPrefix(name, prefix+"/")
	}
	return name
}

func normalizeName(raw string) string {
	name := strings.TrimPrefix(filepath.ToSlash(raw), "/")
	return strings.TrimPrefix(name, "./")
}

func isJunk(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || name == "__MACOSX" {
		return true
	}
	base := path.Base(name)
	return base == ".DS_Store" || base == "Thumbs.db"
}

// secureJoin resolves name under root and rejects traversal.
func secureJoin(root, name string) (string, error) {
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: entry %q escapes the archive root", ErrBadArchive, name)
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}
