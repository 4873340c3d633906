package plugin

import "fmt"

// Capability is the behavioral contract a plugin satisfies. Every plugin
// declares exactly one capability in its manifest, and each capability is
// discovered from its own configured root directory.
type Capability string

const (
	// CapabilityHandler processes webhook jobs. Multiple handlers may be
	// registered, each under a unique logical name.
	CapabilityHandler Capability = "handler"
	// CapabilityAuth validates custom authentication schemes on behalf of
	// endpoints whose scheme is not built in.
	CapabilityAuth Capability = "auth"
	// CapabilityLifecycle runs at service startup and/or shutdown.
	CapabilityLifecycle Capability = "lifecycle"
	// CapabilityStats receives per-job metrics after each dispatch attempt.
	// Singleton: the last plugin discovered for this capability wins.
	CapabilityStats Capability = "stats"
	// CapabilityFailbot receives failure reports when a job exhausts its
	// retries. Singleton like stats.
	CapabilityFailbot Capability = "failbot"
)

// scanOrder fixes the order capability roots are processed in so that
// discovery outcomes are reproducible across runs regardless of map
// iteration order.
var scanOrder = []Capability{
	CapabilityHandler,
	CapabilityAuth,
	CapabilityLifecycle,
	CapabilityStats,
	CapabilityFailbot,
}

// requiredCommands maps each capability to the commands a plugin of that
// capability must declare. Lifecycle is special-cased in checkCommands: it
// must declare at least one of startup/shutdown rather than all of them.
var requiredCommands = map[Capability][]string{
	CapabilityHandler:   {"handle"},
	CapabilityAuth:      {"validate"},
	CapabilityLifecycle: {"startup", "shutdown"},
	CapabilityStats:     {"emit"},
	CapabilityFailbot:   {"report"},
}

// ParseCapability maps a configuration string to a Capability.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapabilityHandler, CapabilityAuth, CapabilityLifecycle, CapabilityStats, CapabilityFailbot:
		return Capability(s), nil
	}
	return "", fmt.Errorf("unknown capability %q (valid: handler, auth, lifecycle, stats, failbot)", s)
}

// singleton reports whether a capability admits at most one active plugin.
func (c Capability) singleton() bool {
	return c == CapabilityStats || c == CapabilityFailbot
}

func (c Capability) String() string {
	return string(c)
}
