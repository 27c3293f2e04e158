// internal/deploy/archive_test.go

package deploy

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type zipEntry struct {
	name    string
	body    string
	symlink bool
}

// writeZip builds a real archive on disk and returns its path.
func writeZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		if e.symlink {
			fh := &zip.FileHeader{Name: e.name, Method: zip.Store}
			fh.SetMode(os.ModeSymlink | 0o777)
			w, err := zw.CreateHeader(fh)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
			continue
		}
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractZip(t *testing.T) {
	src := writeZip(t, []zipEntry{
		{name: "index.html", body: "<h1>hi</h1>"},
		{name: "css/site.css", body: "body{}"},
	})
	dest := t.TempDir()

	if err := ExtractZip(src, dest, 1<<20); err != nil {
		t.Fatalf("ExtractZip error: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dest, "css", "site.css"))
	if err != nil || string(raw) != "body{}" {
		t.Fatalf("site.css = (%q, %v), want body{}", raw, err)
	}
}

func TestExtractZipFlattensSingleTopDir(t *testing.T) {
	src := writeZip(t, []zipEntry{
		{name: "myapp/", body: ""},
		{name: "myapp/server.js", body: "// srv"},
		{name: "myapp/lib/util.js", body: "// util"},
		{name: "__MACOSX/myapp/._server.js", body: "junk"},
	})
	dest := t.TempDir()

	if err := ExtractZip(src, dest, 1<<20); err != nil {
		t.Fatalf("ExtractZip error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "server.js")); err != nil {
		t.Fatalf("server.js not flattened to the root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "lib", "util.js")); err != nil {
		t.Fatalf("lib/util.js missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "myapp")); !os.IsNotExist(err) {
		t.Fatalf("wrapper directory survived, err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "__MACOSX")); !os.IsNotExist(err) {
		t.Fatalf("macOS metadata extracted, err = %v", err)
	}
}

func TestExtractZipKeepsMixedTopLevel(t *testing.T) {
	src := writeZip(t, []zipEntry{
		{name: "index.html", body: "<html></html>"},
		{name: "assets/app.js", body: "// app"},
	})
	dest := t.TempDir()

	if err := ExtractZip(src, dest, 1<<20); err != nil {
		t.Fatalf("ExtractZip error: %v", err)
	}
	// A root-level file means nothing gets flattened.
	if _, err := os.Stat(filepath.Join(dest, "index.html")); err != nil {
		t.Fatalf("index.html missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "assets", "app.js")); err != nil {
		t.Fatalf("assets/app.js missing: %v", err)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	src := writeZip(t, []zipEntry{
		{name: "../evil.js", body: "// escape"},
	})
	dest := t.TempDir()

	if err := ExtractZip(src, dest, 1<<20); !errors.Is(err, ErrBadArchive) {
		t.Fatalf("traversal err = %v, want ErrBadArchive", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "..", "evil.js")); !os.IsNotExist(err) {
		t.Fatalf("traversal entry written, err = %v", err)
	}
}

func TestExtractZipRejectsOversize(t *testing.T) {
	big := make([]byte, 4096)
	src := writeZip(t, []zipEntry{
		{name: "blob.bin", body: string(big)},
	})

	if err := ExtractZip(src, t.TempDir(), 100); !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("oversize err = %v, want ErrArchiveTooLarge", err)
	}
}

func TestExtractZipSkipsSymlinks(t *testing.T) {
	src := writeZip(t, []zipEntry{
		{name: "index.html", body: "<html></html>"},
		{name: "passwd", body: "/etc/passwd", symlink: true},
	})
	dest := t.TempDir()

	if err := ExtractZip(src, dest, 1<<20); err != nil {
		t.Fatalf("ExtractZip error: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dest, "passwd")); !os.IsNotExist(err) {
		t.Fatalf("symlink extracted, err = %v", err)
	}
}

func TestExtractZipRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a.zip")
	if err := os.WriteFile(path, []byte("definitely not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ExtractZip(path, t.TempDir(), 1<<20); !errors.Is(err, ErrBadArchive) {
		t.Fatalf("garbage err = %v, want ErrBadArchive", err)
	}
}
