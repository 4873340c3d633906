package plugin

import (
	"fmt"
	"strings"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
//
// Name carries the plugin's type name in PascalCase (GitHubHandler); the
// logical name used for configuration and registry lookup is the plugin's
// directory name in snake_case (git_hub_handler). The two must agree under
// the round-trip mapping enforced by the gate.
type Manifest struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Protocol    int         `yaml:"protocol"`
	Capability  string      `yaml:"capability"`
	Entrypoint  string      `yaml:"entrypoint"`
	Checksum    string      `yaml:"checksum,omitempty"`
	Description string      `yaml:"description,omitempty"`
	Commands    []string    `yaml:"commands"`
	ConfigKeys  *ConfigKeys `yaml:"config_keys,omitempty"`
}

// ConfigKeys defines required and optional configuration keys for a plugin.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Plugin represents a plugin that passed every gate check and was admitted
// to the registry.
type Plugin struct {
	Name        string     // Logical name (snake_case directory name)
	TypeName    string     // Declared type name from the manifest
	Capability  Capability // Capability the plugin was discovered under
	Path        string     // Absolute path to plugin directory
	Entrypoint  string     // Absolute path to entrypoint executable
	Protocol    int        // Protocol version
	Version     string     // Plugin version
	Description string     // Human-readable description
	Commands    []string   // Declared commands, manifest order
	ConfigKeys  *ConfigKeys
}

// SupportsCommand checks if the plugin declares a given command.
func (p *Plugin) SupportsCommand(cmd string) bool {
	for _, c := range p.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// validateManifest checks required manifest fields before any filesystem or
// naming checks run.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	if strings.TrimSpace(m.Capability) == "" {
		return fmt.Errorf("capability is required")
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if len(m.Commands) == 0 {
		return fmt.Errorf("at least one command must be declared")
	}

	for _, cmd := range m.Commands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("command name is required")
		}
	}

	return nil
}

// checkCommands verifies the manifest declares every command its capability
// requires. Lifecycle plugins must declare at least one of startup/shutdown;
// every other capability requires its full command set.
func checkCommands(m *Manifest, capability Capability) error {
	required := requiredCommands[capability]

	if capability == CapabilityLifecycle {
		for _, cmd := range required {
			if manifestDeclares(m, cmd) {
				return nil
			}
		}
		return fmt.Errorf("lifecycle plugin must declare at least one of: %s", strings.Join(required, ", "))
	}

	for _, cmd := range required {
		if !manifestDeclares(m, cmd) {
			return fmt.Errorf("%s plugin must declare command %q", capability, cmd)
		}
	}
	return nil
}

func manifestDeclares(m *Manifest, cmd string) bool {
	for _, c := range m.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}
