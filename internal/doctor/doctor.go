// Package doctor cross-checks a loaded configuration against the discovered
// plugin registry and the runtime environment. The static validator in
// internal/config rejects malformed files on its own; the doctor reports the
// problems that only exist between the config and the world around it:
// endpoints targeting plugins that were never discovered, secrets whose
// environment variables are unset, IP rules that would be dropped at boot.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/ipfilter"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/protocol"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor from a loaded config and plugin registry.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkEndpoints(r)
	d.checkAuthSchemes(r)
	d.checkSecretEnv(r)
	d.checkIPRules(r)
	d.checkTokenScopes(r)
	d.checkDedupe(r)
	d.warnUnusedPlugins(r)
	d.warnOrphanSettings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkEndpoints verifies every endpoint targets a discovered handler and
// that no two endpoints claim the same path.
func (d *Doctor) checkEndpoints(r *Result) {
	if len(d.cfg.Endpoints) == 0 {
		d.addWarning(r, "endpoints", "endpoints",
			"no endpoints configured; the service will accept nothing")
		return
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)

		if _, ok := d.registry.Handler(ep.Plugin); !ok {
			if p, found := d.registry.Get(ep.Plugin); found {
				d.addError(r, "endpoints", field+".plugin",
					fmt.Sprintf("endpoint %q targets plugin %q which has capability %s, not handler", ep.Path, ep.Plugin, p.Capability))
			} else {
				d.addError(r, "endpoints", field+".plugin",
					fmt.Sprintf("endpoint %q targets handler plugin %q which was not discovered", ep.Path, ep.Plugin))
			}
		}

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "endpoints", field+".path",
				fmt.Sprintf("endpoint path %q conflicts with endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i
	}
}

// checkAuthSchemes verifies custom schemes resolve to discovered auth
// plugins that declare the validate command.
func (d *Doctor) checkAuthSchemes(r *Result) {
	for i, ep := range d.cfg.Endpoints {
		scheme := ep.Auth.Scheme
		if scheme == "" || scheme == config.SchemeHMAC || scheme == config.SchemeSharedSecret {
			continue
		}
		field := fmt.Sprintf("endpoints[%d].auth.scheme", i)

		p, ok := d.registry.Auth(scheme)
		if !ok {
			d.addError(r, "auth", field,
				fmt.Sprintf("endpoint %q uses auth scheme %q but no auth plugin with that name was discovered", ep.Path, scheme))
			continue
		}
		if !p.SupportsCommand(protocol.CommandValidate) {
			d.addError(r, "auth", field,
				fmt.Sprintf("auth plugin %q does not declare the %s command", scheme, protocol.CommandValidate))
		}
	}
}

// checkSecretEnv warns when a configured secret environment variable is not
// set in the current environment.
func (d *Doctor) checkSecretEnv(r *Result) {
	for i, ep := range d.cfg.Endpoints {
		key := ep.Auth.SecretEnvKey
		if key == "" {
			continue
		}
		if os.Getenv(key) == "" {
			d.addWarning(r, "env", fmt.Sprintf("endpoints[%d].auth.secret_env_key", i),
				fmt.Sprintf("environment variable %s is not set; endpoint %q will reject everything", key, ep.Path))
		}
	}
}

// checkIPRules fails on rules the compiler would silently drop. A typoed
// block rule is a hole, not a cosmetic problem.
func (d *Doctor) checkIPRules(r *Result) {
	d.checkPolicyRules(r, "ip_policy", d.cfg.IPPolicy)
	for i, ep := range d.cfg.Endpoints {
		d.checkPolicyRules(r, fmt.Sprintf("endpoints[%d].ip_policy", i), ep.IPPolicy)
	}
}

func (d *Doctor) checkPolicyRules(r *Result, field string, policy *config.IPPolicyConfig) {
	if policy == nil {
		return
	}
	for i, rule := range policy.Allow {
		if err := ipfilter.CheckRule(rule); err != nil {
			d.addError(r, "ip_policy", fmt.Sprintf("%s.allow[%d]", field, i),
				fmt.Sprintf("rule %q would be dropped: %v", rule, err))
		}
	}
	for i, rule := range policy.Block {
		if err := ipfilter.CheckRule(rule); err != nil {
			d.addError(r, "ip_policy", fmt.Sprintf("%s.block[%d]", field, i),
				fmt.Sprintf("rule %q would be dropped: %v", rule, err))
		}
	}
}

// Scope vocabulary accepted by the admin API.
var knownScopes = map[string]bool{
	"*":         true,
	"plugin:ro": true, "plugin:rw": true,
	"jobs:ro": true, "jobs:rw": true,
	"events:ro": true, "events:rw": true,
}

func (d *Doctor) checkTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !knownScopes[scope] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, plugin:ro/rw, jobs:ro/rw, or events:ro/rw)", scope))
			}
		}
	}
}

// checkDedupe flags dedupe headers that can never suppress anything.
func (d *Doctor) checkDedupe(r *Result) {
	if d.cfg.Service.DedupeTTL > 0 {
		return
	}
	for i, ep := range d.cfg.Endpoints {
		if ep.DedupeHeader != "" {
			d.addWarning(r, "dedupe", fmt.Sprintf("endpoints[%d].dedupe_header", i),
				fmt.Sprintf("endpoint %q sets dedupe_header but service.dedupe_ttl is 0; duplicates will not be suppressed", ep.Path))
		}
	}
}

// warnUnusedPlugins warns about discovered handler and auth plugins no
// endpoint references. Lifecycle and instrument plugins run unreferenced.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	usedHandlers := make(map[string]bool)
	usedAuth := make(map[string]bool)
	for _, ep := range d.cfg.Endpoints {
		usedHandlers[ep.Plugin] = true
		usedAuth[ep.Auth.Scheme] = true
	}

	for _, p := range d.registry.All() {
		switch p.Capability {
		case plugin.CapabilityHandler:
			if !usedHandlers[p.Name] {
				d.addWarning(r, "unused", "",
					fmt.Sprintf("handler plugin %q discovered but no endpoint targets it", p.Name))
			}
		case plugin.CapabilityAuth:
			if !usedAuth[p.Name] {
				d.addWarning(r, "unused", "",
					fmt.Sprintf("auth plugin %q discovered but no endpoint uses scheme %q", p.Name, p.Name))
			}
		}
	}
}

// warnOrphanSettings warns about plugin settings keyed by names nothing was
// discovered under.
func (d *Doctor) warnOrphanSettings(r *Result) {
	for name := range d.cfg.Plugins.Settings {
		if _, ok := d.registry.Get(name); !ok {
			d.addWarning(r, "settings", fmt.Sprintf("plugins.settings.%s", name),
				fmt.Sprintf("settings for plugin %q which was not discovered", name))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
