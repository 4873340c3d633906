// Package ipfilter screens webhook requests by source address before any
// authentication work happens. Policies are compiled once at boot from
// config; evaluation is pure and lock-free.
package ipfilter

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/log"
)

// Verdict is the outcome of evaluating a request against a policy.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// DefaultHeader carries the client address when a policy does not name one.
const DefaultHeader = "X-Forwarded-For"

// Policy is a compiled allow/block rule set. Single addresses are stored as
// /32 or /128 networks so evaluation is a uniform Contains walk.
type Policy struct {
	header string
	allow  []*net.IPNet
	block  []*net.IPNet
}

// Compile builds a Policy from config rule strings. Unparseable rules are
// dropped with a warning and never reach request evaluation. A nil config
// compiles to a nil policy.
func Compile(cfg *config.IPPolicyConfig) *Policy {
	if cfg == nil {
		return nil
	}

	p := &Policy{header: cfg.Header}
	if p.header == "" {
		p.header = DefaultHeader
	}
	p.allow = compileRules(cfg.Allow, "allow")
	p.block = compileRules(cfg.Block, "block")
	return p
}

func compileRules(rules []string, list string) []*net.IPNet {
	var out []*net.IPNet
	for _, rule := range rules {
		ipNet, err := parseRule(rule)
		if err != nil {
			log.WithComponent("ipfilter").Warn("dropping malformed rule",
				"list", list, "rule", rule, "error", err.Error())
			continue
		}
		out = append(out, ipNet)
	}
	return out
}

// CheckRule reports whether a single allow/block entry parses. Compile
// drops malformed rules with a log warning; config check uses this to
// surface them as findings instead.
func CheckRule(rule string) error {
	_, err := parseRule(rule)
	return err
}

func parseRule(rule string) (*net.IPNet, error) {
	rule = strings.TrimSpace(rule)

	if _, ipNet, err := net.ParseCIDR(rule); err == nil {
		return ipNet, nil
	}

	ip := net.ParseIP(rule)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address or CIDR range: %q", rule)
	}
	return singleHostNet(ip), nil
}

// singleHostNet normalizes one address to a host-width network. The mask is
// built directly rather than by re-parsing "<ip>/32", which would silently
// produce a wide IPv6 network for IPv4-mapped addresses.
func singleHostNet(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

// Rules reports how many compiled rules each list holds.
func (p *Policy) Rules() (allow, block int) {
	if p == nil {
		return 0, 0
	}
	return len(p.allow), len(p.block)
}

func (p *Policy) empty() bool {
	return len(p.allow) == 0 && len(p.block) == 0
}

// clientAddress extracts the client IP from the policy's header. Proxies
// append to forwarding headers, so the first comma-separated element is the
// original client.
func (p *Policy) clientAddress(headers http.Header) (net.IP, bool) {
	raw := headers.Get(p.header)
	if raw == "" {
		return nil, false
	}

	first := raw
	if i := strings.IndexByte(raw, ','); i >= 0 {
		first = raw[:i]
	}
	first = strings.TrimSpace(first)

	ip := net.ParseIP(first)
	if ip == nil {
		return nil, false
	}
	return ip, true
}

// Evaluate applies the effective policy for a request: the endpoint policy
// when present, otherwise the global one. With neither, or with a policy
// holding no rules, the request is allowed without reading any address
// header. Once rules exist the filter fails closed: a missing or
// unparseable client address is denied, a blocklist match is denied
// regardless of the allowlist, and a non-empty allowlist denies anything it
// does not contain.
func Evaluate(headers http.Header, endpoint, global *Policy) Verdict {
	policy := endpoint
	if policy == nil {
		policy = global
	}
	if policy == nil || policy.empty() {
		return Allow
	}

	addr, ok := policy.clientAddress(headers)
	if !ok {
		log.WithComponent("ipfilter").Warn("client address missing or unparseable",
			"header", policy.header)
		return Deny
	}

	for _, ipNet := range policy.block {
		if ipNet.Contains(addr) {
			log.WithComponent("ipfilter").Warn("client address blocked",
				"rule", ipNet.String())
			return Deny
		}
	}

	if len(policy.allow) > 0 {
		for _, ipNet := range policy.allow {
			if ipNet.Contains(addr) {
				return Allow
			}
		}
		log.WithComponent("ipfilter").Warn("client address not in allowlist")
		return Deny
	}

	return Allow
}
