package scrape

import (
	"net/url"
	"strings"
)

// HostFilter matches URLs whose host equals or is a subdomain of a listed
// domain.
type HostFilter struct {
	domains []string
}

// NewHostFilter creates a filter from bare domains such as "linkedin.com".
func NewHostFilter(domains []string) *HostFilter {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, ".")))
		if d != "" {
			out = append(out, d)
		}
	}
	return &HostFilter{domains: out}
}

// Match reports whether rawURL belongs to a listed domain. Unparseable URLs
// match so callers skip them.
func (f *HostFilter) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range f.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
