package ipfilter

import (
	"net/http"
	"testing"

	"github.com/postern-io/postern/internal/config"
)

func headersWith(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

func forwardedFor(value string) http.Header {
	return headersWith(DefaultHeader, value)
}

func TestCompileDropsMalformedRules(t *testing.T) {
	p := Compile(&config.IPPolicyConfig{
		Allow: []string{"10.0.0.0/8", "not-an-ip", "192.168.1.5", "10.0.0.0/99"},
		Block: []string{"2001:db8::/32", "999.1.1.1"},
	})

	allow, block := p.Rules()
	if allow != 2 {
		t.Errorf("allow rules = %d, want 2 (malformed dropped)", allow)
	}
	if block != 1 {
		t.Errorf("block rules = %d, want 1 (malformed dropped)", block)
	}
}

func TestCompileNilConfig(t *testing.T) {
	if p := Compile(nil); p != nil {
		t.Errorf("Compile(nil) = %v, want nil", p)
	}
}

func TestCheckRule(t *testing.T) {
	for _, rule := range []string{"10.0.0.0/8", "192.168.1.5", "2001:db8::/32", " 10.1.2.3 "} {
		if err := CheckRule(rule); err != nil {
			t.Errorf("CheckRule(%q) = %v, want nil", rule, err)
		}
	}
	for _, rule := range []string{"not-an-ip", "10.0.0.0/99", "999.1.1.1", ""} {
		if err := CheckRule(rule); err == nil {
			t.Errorf("CheckRule(%q) = nil, want error", rule)
		}
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		endpoint *config.IPPolicyConfig
		global   *config.IPPolicyConfig
		headers  http.Header
		want     Verdict
	}{
		{
			name:    "no policies allows without headers",
			headers: http.Header{},
			want:    Allow,
		},
		{
			name:     "policy without surviving rules allows",
			endpoint: &config.IPPolicyConfig{Allow: []string{"garbage"}},
			headers:  http.Header{},
			want:     Allow,
		},
		{
			name:     "allowlist hit",
			endpoint: &config.IPPolicyConfig{Allow: []string{"10.0.0.0/8"}},
			headers:  forwardedFor("10.1.2.3"),
			want:     Allow,
		},
		{
			name:     "allowlist miss denied",
			endpoint: &config.IPPolicyConfig{Allow: []string{"10.0.0.0/8"}},
			headers:  forwardedFor("192.168.1.1"),
			want:     Deny,
		},
		{
			name: "blocklist wins over allowlist",
			endpoint: &config.IPPolicyConfig{
				Allow: []string{"10.0.0.0/8"},
				Block: []string{"10.1.2.3"},
			},
			headers: forwardedFor("10.1.2.3"),
			want:    Deny,
		},
		{
			name:     "blocklist only passes unlisted address",
			endpoint: &config.IPPolicyConfig{Block: []string{"203.0.113.0/24"}},
			headers:  forwardedFor("198.51.100.7"),
			want:     Allow,
		},
		{
			name:     "missing header denied when rules exist",
			endpoint: &config.IPPolicyConfig{Allow: []string{"10.0.0.0/8"}},
			headers:  http.Header{},
			want:     Deny,
		},
		{
			name:     "unparseable address denied",
			endpoint: &config.IPPolicyConfig{Allow: []string{"10.0.0.0/8"}},
			headers:  forwardedFor("not-an-address"),
			want:     Deny,
		},
		{
			name:     "first forwarded element wins",
			endpoint: &config.IPPolicyConfig{Block: []string{"10.0.0.5"}},
			headers:  forwardedFor("10.0.0.5, 172.16.0.1"),
			want:     Deny,
		},
		{
			name:     "proxy hop after comma is ignored",
			endpoint: &config.IPPolicyConfig{Block: []string{"172.16.0.1"}},
			headers:  forwardedFor("10.0.0.5, 172.16.0.1"),
			want:     Allow,
		},
		{
			name:     "forwarded element trimmed before parsing",
			endpoint: &config.IPPolicyConfig{Allow: []string{"10.0.0.5"}},
			headers:  forwardedFor("  10.0.0.5  , 172.16.0.1"),
			want:     Allow,
		},
		{
			name:     "custom header honored",
			endpoint: &config.IPPolicyConfig{Header: "X-Real-IP", Allow: []string{"10.0.0.5"}},
			headers:  headersWith("X-Real-IP", "10.0.0.5"),
			want:     Allow,
		},
		{
			name:     "custom header ignores default header",
			endpoint: &config.IPPolicyConfig{Header: "X-Real-IP", Allow: []string{"10.0.0.5"}},
			headers:  forwardedFor("10.0.0.5"),
			want:     Deny,
		},
		{
			name:   "global applies when endpoint absent",
			global: &config.IPPolicyConfig{Block: []string{"203.0.113.9"}},
			headers: forwardedFor("203.0.113.9"),
			want:   Deny,
		},
		{
			name:     "endpoint replaces global wholesale",
			endpoint: &config.IPPolicyConfig{Allow: []string{"203.0.113.0/24"}},
			global:   &config.IPPolicyConfig{Block: []string{"203.0.113.9"}},
			headers:  forwardedFor("203.0.113.9"),
			want:     Allow,
		},
		{
			name:     "single IPv4 normalized to /32",
			endpoint: &config.IPPolicyConfig{Block: []string{"10.1.2.3"}},
			headers:  forwardedFor("10.1.2.4"),
			want:     Allow,
		},
		{
			name:     "single IPv6 normalized to /128",
			endpoint: &config.IPPolicyConfig{Allow: []string{"2001:db8::1"}},
			headers:  forwardedFor("2001:db8::1"),
			want:     Allow,
		},
		{
			name:     "adjacent IPv6 address misses /128",
			endpoint: &config.IPPolicyConfig{Allow: []string{"2001:db8::1"}},
			headers:  forwardedFor("2001:db8::2"),
			want:     Deny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.headers, Compile(tt.endpoint), Compile(tt.global))
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}
