package blocklist

import "testing"

func TestHosts(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		h := New([]string{" Example.org "})
		if h == nil {
			t.Fatalf("expected blocklist to be created")
		}
		if !h.Blocked("https://example.org/page") {
			t.Fatalf("expected example.org to be blocked")
		}
		if h.Blocked("https://sub.example.org/") {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		h := New([]string{"*.ru", ".internal"})
		cases := []struct {
			url     string
			blocked bool
		}{
			{"http://example.ru", true},
			{"http://sub.domain.ru:8080/x", true},
			{"http://ru", true},
			{"http://svc.internal", true},
			{"http://example.com", false},
			{"http://notru", false},
		}
		for _, tc := range cases {
			if got := h.Blocked(tc.url); got != tc.blocked {
				t.Fatalf("url %q blocked=%v, want %v", tc.url, got, tc.blocked)
			}
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		if New([]string{"", "  ", "*."}) != nil {
			t.Fatalf("expected nil blocklist")
		}
	})

	t.Run("nil blocklist", func(t *testing.T) {
		var h *Hosts
		if h.Blocked("https://anything.example") {
			t.Fatalf("nil blocklist should never block")
		}
	})

	t.Run("unparseable url", func(t *testing.T) {
		if New([]string{"example.org"}).Blocked("://bad") {
			t.Fatalf("unparseable url should not be blocked")
		}
	})
}
