// Package egress models the outbound host allowlist a WASI HTTP proxy
// component is typically deployed behind. A real wasi:http/outgoing-handler import would be
// refused by the host itself for a disallowed authority; this
// reimplementation enforces the same boundary in-process so fetch() can
// reject disallowed hosts with a network error without a live host
// environment. Grounded on _examples/CirtusX-ctrl-ai-v1's use of
// github.com/gobwas/glob for proxy rule matching.
package egress

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Policy is a glob-pattern allowlist matched against request authorities
// (host, or host:port).
type Policy struct {
	patterns []glob.Glob
	allowAll bool
}

// NewPolicy compiles patterns (e.g. "*.example.com", "api.internal:8443")
// into a Policy. An empty pattern list denies every authority.
func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, pat := range patterns {
		g, err := glob.Compile(pat, '.', ':')
		if err != nil {
			return nil, fmt.Errorf("egress: compile pattern %q: %w", pat, err)
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// AllowAll returns a Policy that permits every authority, for use when no
// allowlist is configured (local development / cmd/starling run without
// a config file).
func AllowAll() *Policy { return &Policy{patterns: nil, allowAll: true} }

// Allowed reports whether authority (e.g. "example.com" or
// "example.com:8443") may be contacted.
func (p *Policy) Allowed(authority string) bool {
	if p == nil {
		return false
	}
	if p.allowAll {
		return true
	}
	for _, g := range p.patterns {
		if g.Match(authority) {
			return true
		}
	}
	return false
}
