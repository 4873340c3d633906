package plugin

import (
	"fmt"
	"sort"

	"github.com/postern-io/postern/internal/log"
)

// Registry holds every plugin admitted by the gate, indexed by capability
// and logical name. It is populated once during Discover and never mutated
// afterwards; request-time readers need no locking.
type Registry struct {
	handlers  map[string]*Plugin
	auth      map[string]*Plugin
	lifecycle map[string]*Plugin
	stats     *Plugin
	failbot   *Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]*Plugin),
		auth:      make(map[string]*Plugin),
		lifecycle: make(map[string]*Plugin),
	}
}

// Add registers a plugin under its capability. For handler, auth, and
// lifecycle plugins a duplicate logical name is an error; for the singleton
// capabilities a later load replaces the earlier one. Discovery is the only
// production caller; after boot the registry is read-only.
func (r *Registry) Add(p *Plugin) error {
	switch p.Capability {
	case CapabilityHandler:
		return r.addNamed(r.handlers, p)
	case CapabilityAuth:
		return r.addNamed(r.auth, p)
	case CapabilityLifecycle:
		return r.addNamed(r.lifecycle, p)
	case CapabilityStats:
		if r.stats != nil {
			log.Info("stats plugin replaced", "previous", r.stats.Name, "active", p.Name)
		}
		r.stats = p
		return nil
	case CapabilityFailbot:
		if r.failbot != nil {
			log.Info("failbot plugin replaced", "previous", r.failbot.Name, "active", p.Name)
		}
		r.failbot = p
		return nil
	}
	return fmt.Errorf("unknown capability %q", p.Capability)
}

func (r *Registry) addNamed(m map[string]*Plugin, p *Plugin) error {
	if existing, exists := m[p.Name]; exists {
		return fmt.Errorf("duplicate %s plugin %q (first: %s, second: %s)", p.Capability, p.Name, existing.Path, p.Path)
	}
	m[p.Name] = p
	return nil
}

// Handler retrieves a handler plugin by logical name.
func (r *Registry) Handler(name string) (*Plugin, bool) {
	p, ok := r.handlers[name]
	return p, ok
}

// Auth retrieves an auth plugin by logical name.
func (r *Registry) Auth(name string) (*Plugin, bool) {
	p, ok := r.auth[name]
	return p, ok
}

// Get retrieves a plugin of any capability by logical name, checking
// handlers first, then auth, then lifecycle, then the singletons.
func (r *Registry) Get(name string) (*Plugin, bool) {
	if p, ok := r.handlers[name]; ok {
		return p, true
	}
	if p, ok := r.auth[name]; ok {
		return p, true
	}
	if p, ok := r.lifecycle[name]; ok {
		return p, true
	}
	if r.stats != nil && r.stats.Name == name {
		return r.stats, true
	}
	if r.failbot != nil && r.failbot.Name == name {
		return r.failbot, true
	}
	return nil, false
}

// Stats returns the active stats plugin, or nil when none is registered.
func (r *Registry) Stats() *Plugin {
	return r.stats
}

// Failbot returns the active failbot plugin, or nil when none is registered.
func (r *Registry) Failbot() *Plugin {
	return r.failbot
}

// Lifecycle returns all lifecycle plugins sorted by logical name so startup
// and shutdown hooks run in a deterministic order.
func (r *Registry) Lifecycle() []*Plugin {
	out := make([]*Plugin, 0, len(r.lifecycle))
	for _, p := range r.lifecycle {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every registered plugin sorted by capability scan order, then
// logical name.
func (r *Registry) All() []*Plugin {
	var out []*Plugin
	for _, cap := range scanOrder {
		switch cap {
		case CapabilityHandler:
			out = append(out, sortedValues(r.handlers)...)
		case CapabilityAuth:
			out = append(out, sortedValues(r.auth)...)
		case CapabilityLifecycle:
			out = append(out, sortedValues(r.lifecycle)...)
		case CapabilityStats:
			if r.stats != nil {
				out = append(out, r.stats)
			}
		case CapabilityFailbot:
			if r.failbot != nil {
				out = append(out, r.failbot)
			}
		}
	}
	return out
}

// Count returns the number of registered plugins across all capabilities.
func (r *Registry) Count() int {
	n := len(r.handlers) + len(r.auth) + len(r.lifecycle)
	if r.stats != nil {
		n++
	}
	if r.failbot != nil {
		n++
	}
	return n
}

// Reset empties the registry. Only tests should call this; production code
// treats a discovered registry as immutable.
func (r *Registry) Reset() {
	r.handlers = make(map[string]*Plugin)
	r.auth = make(map[string]*Plugin)
	r.lifecycle = make(map[string]*Plugin)
	r.stats = nil
	r.failbot = nil
}

func sortedValues(m map[string]*Plugin) []*Plugin {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Plugin, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}
