// Package blocklist matches URLs against configured host patterns.
package blocklist

import (
	"net/url"
	"slices"
	"strings"
)

// Hosts blocks exact host names and wildcard suffixes ("*.example.com" or
// ".example.com"). A nil *Hosts blocks nothing.
type Hosts struct {
	exact    map[string]struct{}
	suffixes []string
}

// New compiles patterns. It returns nil when no pattern survives trimming.
func New(patterns []string) *Hosts {
	h := &Hosts{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		suffix, wildcard := strings.CutPrefix(p, "*.")
		if !wildcard {
			suffix, wildcard = strings.CutPrefix(p, ".")
		}
		switch {
		case suffix == "":
		case wildcard:
			if !slices.Contains(h.suffixes, suffix) {
				h.suffixes = append(h.suffixes, suffix)
			}
		default:
			h.exact[p] = struct{}{}
		}
	}
	if len(h.exact) == 0 && len(h.suffixes) == 0 {
		return nil
	}
	return h
}

// Blocked reports whether rawURL's host matches a pattern. Unparseable URLs
// are not blocked; the fetch itself reports them.
func (h *Hosts) Blocked(rawURL string) bool {
	if h == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if _, ok := h.exact[host]; ok {
		return true
	}
	return slices.ContainsFunc(h.suffixes, func(suffix string) bool {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	})
}
