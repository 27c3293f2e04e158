package tenant

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/platformx/platformx/internal/registry"
)

// buildRoot lays out a minimal build output tree.
func buildRoot(t *testing.T, withIndex bool) string {
	t.Helper()
	root := t.TempDir()
	if withIndex {
		if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>shell</html>"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func get(t *testing.T, h http.Handler, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	res := rec.Result()
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	return res, string(body)
}

func TestStaticServesFiles(t *testing.T) {
	s, err := NewStatic(buildRoot(t, true), nil)
	if err != nil {
		t.Fatal(err)
	}

	res, body := get(t, s, "/assets/app.js")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if body != "console.log(1)" {
		t.Fatalf("body = %q", body)
	}
}

func TestStaticSPAFallback(t *testing.T) {
	s, err := NewStatic(buildRoot(t, true), nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/", "/settings/profile", "/missing.png/deep"} {
		res, body := get(t, s, path)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, res.StatusCode)
		}
		if body != "<html>shell</html>" {
			t.Fatalf("%s: body = %q, want app shell", path, body)
		}
	}
}

func TestStaticNoIndexIs404(t *testing.T) {
	s, err := NewStatic(buildRoot(t, false), nil)
	if err != nil {
		t.Fatal(err)
	}

	res, _ := get(t, s, "/nowhere")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestStaticTraversalStaysInRoot(t *testing.T) {
	root := buildRoot(t, true)
	if err := os.WriteFile(filepath.Join(filepath.Dir(root), "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewStatic(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, body := get(t, s, "/../secret.txt")
	if body == "nope" {
		t.Fatal("path traversal escaped the build root")
	}
	if res.StatusCode == http.StatusOK && body != "<html>shell</html>" {
		t.Fatalf("unexpected 200 with body %q", body)
	}
}

func TestStaticProxyRule(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "api:"+r.URL.Path)
	}))
	defer upstream.Close()

	s, err := NewStatic(buildRoot(t, true), registry.ProxyMap{"/api": upstream.URL})
	if err != nil {
		t.Fatal(err)
	}

	res, body := get(t, s, "/api/users")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if body != "api:/api/users" {
		t.Fatalf("body = %q, want proxied response", body)
	}

	// Unrelated paths still fall through to the shell.
	if _, body := get(t, s, "/apiary"); body != "<html>shell</html>" {
		t.Fatalf("near-miss prefix proxied: %q", body)
	}
}

func TestStaticProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	s, err := NewStatic(buildRoot(t, true), registry.ProxyMap{"/api": upstream.URL})
	if err != nil {
		t.Fatal(err)
	}

	res, _ := get(t, s, "/api/users")
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", res.StatusCode)
	}
}

func TestStaticRejectsBadTarget(t *testing.T) {
	if _, err := NewStatic(t.TempDir(), registry.ProxyMap{"/api": "not a url"}); err == nil {
		t.Fatal("relative proxy target accepted")
	}
}

func TestMatchesPrefix(t *testing.T) {
	cases := []struct {
		path, prefix string
		want         bool
	}{
		{"/api", "/api", true},
		{"/api/users", "/api", true},
		{"/apiary", "/api", false},
		{"/anything", "/", true},
		{"/", "/", true},
	}
	for _, c := range cases {
		if got := matchesPrefix(c.path, c.prefix); got != c.want {
			t.Errorf("matchesPrefix(%q, %q) = %v, want %v", c.path, c.prefix, got, c.want)
		}
	}
}
