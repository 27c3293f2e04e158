// internal/routing/host_test.go
//
// Table tests for host-header resolution.
//
// Run: go test ./internal/routing -v

package routing

import "testing"

const apex = "platformx.localhost"

func TestResolveHost_Apex(t *testing.T) {
	for _, host := range []string{apex, apex + ":5000", "PlatformX.Localhost"} {
		target, slug := ResolveHost(host, apex)
		if target != TargetPlatform {
			t.Fatalf("ResolveHost(%q) target = %v, want TargetPlatform", host, target)
		}
		if slug != "" {
			t.Fatalf("ResolveHost(%q) slug = %q, want empty", host, slug)
		}
	}
}

func TestResolveHost_App(t *testing.T) {
	cases := []struct {
		host string
		slug string
	}{
		{"shop." + apex, "shop"},
		{"shop." + apex + ":5000", "shop"},
		{"My-Store.platformx.localhost", "my-store"},
		{"a1b." + apex, "a1b"},
	}
	for _, c := range cases {
		target, slug := ResolveHost(c.host, apex)
		if target != TargetApp {
			t.Fatalf("ResolveHost(%q) target = %v, want TargetApp", c.host, target)
		}
		if slug != c.slug {
			t.Fatalf("ResolveHost(%q) slug = %q, want %q", c.host, slug, c.slug)
		}
	}
}

func TestResolveHost_Reject(t *testing.T) {
	cases := []string{
		"example.com",
		"otherhost.localhost",
		"." + apex,
		"foo--bar." + apex,       // double dash
		"ab." + apex,             // too short
		"api." + apex,            // reserved
		"Shop_1." + apex,         // underscore fails the pattern
		"-shop." + apex,          // leading dash
		"deep.shop." + apex,      // nested label
		"shopplatformx.localhost", // missing dot separator
	}
	for _, host := range cases {
		target, slug := ResolveHost(host, apex)
		if target != TargetReject {
			t.Fatalf("ResolveHost(%q) = (%v, %q), want TargetReject", host, target, slug)
		}
	}
}

func TestStripPort(t *testing.T) {
	if got := StripPort("shop.platformx.localhost:8443"); got != "shop.platformx.localhost" {
		t.Fatalf("StripPort = %q", got)
	}
	if got := StripPort("shop.platformx.localhost"); got != "shop.platformx.localhost" {
		t.Fatalf("StripPort without port = %q", got)
	}
}
