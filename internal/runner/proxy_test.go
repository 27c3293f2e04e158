package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSocketProxyForwardsOverUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "shop.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s host=%s", r.Method, r.URL.RequestURI(), r.Host)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	proxy := newSocketProxy("shop", socket)
	req := httptest.NewRequest(http.MethodGet, "http://shop.platformx.localhost/items?page=2", nil)
	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	want := "GET /items?page=2 host=shop.platformx.localhost"
	if rr.Body.String() != want {
		t.Fatalf("body = %q, want %q", rr.Body.String(), want)
	}
}

func TestSocketProxyBadGatewayWhenSocketGone(t *testing.T) {
	proxy := newSocketProxy("shop", filepath.Join(t.TempDir(), "missing.sock"))
	req := httptest.NewRequest(http.MethodGet, "http://shop.platformx.localhost/", nil)
	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unavailable") {
		t.Fatalf("body = %q, want unavailable notice", rr.Body.String())
	}
}

func TestSocketProxyRequestTimeoutOnExpiredDeadline(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "slow.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	})}
	go srv.Serve(ln)
	defer srv.Close()
	defer close(release)

	proxy := newSocketProxy("slow", socket)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "http://slow.platformx.localhost/", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rr.Code)
	}
}
