package egress

import "testing"

func TestAllowAllPermitsAnything(t *testing.T) {
	p := AllowAll()
	if !p.Allowed("anything.example:9999") {
		t.Error("AllowAll() should permit any authority")
	}
}

func TestWildcardSubdomainPattern(t *testing.T) {
	p, err := NewPolicy([]string{"*.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Allowed("api.example.com") {
		t.Error("api.example.com should match *.example.com")
	}
	if p.Allowed("example.com") {
		t.Error("bare example.com should not match *.example.com")
	}
	if p.Allowed("api.example.org") {
		t.Error("api.example.org should not match *.example.com")
	}
}

func TestExactAuthorityWithPort(t *testing.T) {
	p, err := NewPolicy([]string{"internal.svc:8443"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Allowed("internal.svc:8443") {
		t.Error("exact authority should match")
	}
	if p.Allowed("internal.svc:9000") {
		t.Error("different port should not match")
	}
}

func TestEmptyPolicyDeniesEverything(t *testing.T) {
	p, err := NewPolicy(nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Allowed("anything.example") {
		t.Error("a policy with no patterns should deny everything")
	}
}

func TestNilPolicyDeniesEverything(t *testing.T) {
	var p *Policy
	if p.Allowed("anything.example") {
		t.Error("a nil policy should deny everything")
	}
}
