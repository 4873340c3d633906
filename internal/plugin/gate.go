package plugin

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/postern-io/postern/internal/log"
)

const (
	// SupportedProtocol is the stdin/stdout protocol version this gateway
	// speaks. Plugins declaring any other version are rejected at boot.
	SupportedProtocol = 1

	manifestFilename = "manifest.yaml"
)

// Discover scans the configured capability roots and builds the plugin
// registry. Any violation (a bad manifest, a name that fails the round-trip
// check, an entrypoint outside its root, a duplicate) aborts discovery with
// an error. Plugin problems are configuration mistakes, and the service must
// not start on top of them.
//
// Roots are keyed by capability name; a capability with no configured root
// is simply not scanned. Configured roots must exist.
func Discover(roots map[string]string) (*Registry, error) {
	registry := NewRegistry()

	for _, capability := range scanOrder {
		root, ok := roots[string(capability)]
		if !ok || strings.TrimSpace(root) == "" {
			continue
		}

		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s plugin root %q: %w", capability, root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s plugin root does not exist: %s", capability, absRoot)
			}
			return nil, fmt.Errorf("failed to stat %s plugin root %s: %w", capability, absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s plugin root is not a directory: %s", capability, absRoot)
		}

		if err := scanRoot(registry, capability, absRoot); err != nil {
			return nil, err
		}
	}

	for _, p := range registry.All() {
		log.Info("loaded plugin",
			"plugin", p.Name,
			"capability", string(p.Capability),
			"version", p.Version,
			"path", p.Path,
		)
	}

	return registry, nil
}

// scanRoot walks one capability root looking for manifest.yaml files.
// WalkDir visits entries in lexical order, so registration outcomes are
// reproducible for the same filesystem contents.
func scanRoot(registry *Registry, capability Capability, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		pluginPath := filepath.Dir(path)
		pluginDirName := filepath.Base(pluginPath)

		plugin, err := loadPlugin(pluginDirName, pluginPath, root, capability)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", pluginPath, err)
		}

		return registry.Add(plugin)
	})
	if err != nil {
		return fmt.Errorf("failed to load %s plugins from %s: %w", capability, root, err)
	}
	return nil
}

// loadPlugin reads and validates a single plugin. Checks run cheapest-first:
// manifest shape, capability and protocol, naming, required commands, then
// the filesystem trust checks, then the optional checksum pin.
func loadPlugin(dirName, pluginPath, root string, capability Capability) (*Plugin, error) {
	manifestPath := filepath.Join(pluginPath, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	declared, err := ParseCapability(manifest.Capability)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if declared != capability {
		return nil, fmt.Errorf("manifest declares capability %q but was discovered under the %s root", declared, capability)
	}

	if manifest.Protocol != SupportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, SupportedProtocol)
	}

	if err := checkName(dirName, manifest.Name); err != nil {
		return nil, err
	}

	if err := checkCommands(&manifest, capability); err != nil {
		return nil, err
	}

	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)
	resolvedEntrypoint, err := validateTrust(entrypointPath, pluginPath, root)
	if err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	if manifest.Checksum != "" {
		if err := verifyChecksum(resolvedEntrypoint, manifest.Checksum); err != nil {
			return nil, err
		}
	}

	return &Plugin{
		Name:        dirName,
		TypeName:    manifest.Name,
		Capability:  capability,
		Path:        pluginPath,
		Entrypoint:  entrypointPath,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Commands:    manifest.Commands,
		ConfigKeys:  manifest.ConfigKeys,
	}, nil
}

// validateTrust enforces the filesystem constraints on a plugin entrypoint:
// it must resolve (through any symlinks) to a path inside both its own
// plugin directory and the capability root, it must be executable, and its
// directory must not be world-writable. Returns the resolved entrypoint.
func validateTrust(entrypointPath, pluginPath, root string) (string, error) {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return "", fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return "", fmt.Errorf("entrypoint not found: %w", err)
	}

	if info.Mode()&0111 == 0 {
		return "", fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return "", fmt.Errorf("plugin directory not found: %w", err)
	}

	if pluginInfo.Mode().Perm()&0002 != 0 {
		return "", fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return resolvedEntrypoint, nil
}

// verifyChecksum compares the BLAKE3 hash of the entrypoint against the pin
// declared in the manifest.
func verifyChecksum(entrypointPath, want string) error {
	data, err := os.ReadFile(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to read entrypoint for checksum: %w", err)
	}

	sum := blake3.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("entrypoint checksum mismatch: manifest declares %s, file is %s", want, got)
	}
	return nil
}
