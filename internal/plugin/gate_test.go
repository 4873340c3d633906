package plugin

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zeebo/blake3"
)

// writePlugin creates a plugin directory with a manifest and an entrypoint
// script under root. Returns the plugin directory path.
func writePlugin(t *testing.T, root, dirName, manifest string, entrypointMode os.FileMode) string {
	t.Helper()

	pluginDir := filepath.Join(root, dirName)
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", pluginDir, err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\necho '{\"status\":\"ok\"}'\n"), entrypointMode); err != nil {
		t.Fatalf("write entrypoint: %v", err)
	}
	return pluginDir
}

func handlerManifest(typeName string) string {
	return `name: ` + typeName + `
version: 1.0.0
protocol: 1
capability: handler
entrypoint: run.sh
commands: [handle]
`
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name      string
		setupFn   func(t *testing.T) map[string]string // Returns capability roots
		wantCount int
		wantErr   bool
		checkFn   func(t *testing.T, reg *Registry)
	}{
		{
			name: "valid handler discovered",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", handlerManifest("EchoHandler"), 0755)
				return map[string]string{"handler": dir}
			},
			wantCount: 1,
			checkFn: func(t *testing.T, reg *Registry) {
				p, ok := reg.Handler("echo_handler")
				if !ok {
					t.Fatal("echo_handler not found")
				}
				if p.TypeName != "EchoHandler" {
					t.Errorf("TypeName = %q, want EchoHandler", p.TypeName)
				}
				if p.Capability != CapabilityHandler {
					t.Errorf("Capability = %q, want handler", p.Capability)
				}
				if !p.SupportsCommand("handle") {
					t.Error("should support handle command")
				}
			},
		},
		{
			name: "multiple handlers",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", handlerManifest("EchoHandler"), 0755)
				writePlugin(t, dir, "git_hub_handler", handlerManifest("GitHubHandler"), 0755)
				return map[string]string{"handler": dir}
			},
			wantCount: 2,
		},
		{
			name: "directory without manifest ignored",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				if err := os.Mkdir(filepath.Join(dir, "no_manifest"), 0755); err != nil {
					t.Fatal(err)
				}
				return map[string]string{"handler": dir}
			},
			wantCount: 0,
		},
		{
			name: "unconfigured capability not scanned",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", handlerManifest("EchoHandler"), 0755)
				return map[string]string{"handler": dir, "auth": ""}
			},
			wantCount: 1,
		},
		{
			name: "nonexistent root fails boot",
			setupFn: func(t *testing.T) map[string]string {
				return map[string]string{"handler": "/nonexistent/plugins"}
			},
			wantErr: true,
		},
		{
			name: "unsupported protocol fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", `name: EchoHandler
version: 1.0.0
protocol: 99
capability: handler
entrypoint: run.sh
commands: [handle]
`, 0755)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "type name mismatch fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", handlerManifest("OtherHandler"), 0755)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "denied type name fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "file", `name: File
version: 1.0.0
protocol: 1
capability: handler
entrypoint: run.sh
commands: [handle]
`, 0755)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "capability mismatch fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", `name: EchoHandler
version: 1.0.0
protocol: 1
capability: auth
entrypoint: run.sh
commands: [handle, validate]
`, 0755)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "missing required command fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", `name: EchoHandler
version: 1.0.0
protocol: 1
capability: handler
entrypoint: run.sh
commands: [status]
`, 0755)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "non-executable entrypoint fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", handlerManifest("EchoHandler"), 0644)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "duplicate logical name fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "echo_handler", handlerManifest("EchoHandler"), 0755)
				writePlugin(t, filepath.Join(dir, "nested"), "echo_handler", handlerManifest("EchoHandler"), 0755)
				return map[string]string{"handler": dir}
			},
			wantErr: true,
		},
		{
			name: "lifecycle plugin with startup only",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "warmup_hook", `name: WarmupHook
version: 1.0.0
protocol: 1
capability: lifecycle
entrypoint: run.sh
commands: [startup]
`, 0755)
				return map[string]string{"lifecycle": dir}
			},
			wantCount: 1,
		},
		{
			name: "lifecycle plugin with neither hook fails boot",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "warmup_hook", `name: WarmupHook
version: 1.0.0
protocol: 1
capability: lifecycle
entrypoint: run.sh
commands: [status]
`, 0755)
				return map[string]string{"lifecycle": dir}
			},
			wantErr: true,
		},
		{
			name: "later stats plugin replaces earlier",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "metrics_logger", `name: MetricsLogger
version: 1.0.0
protocol: 1
capability: stats
entrypoint: run.sh
commands: [emit]
`, 0755)
				writePlugin(t, dir, "statsd_emitter", `name: StatsdEmitter
version: 2.0.0
protocol: 1
capability: stats
entrypoint: run.sh
commands: [emit]
`, 0755)
				return map[string]string{"stats": dir}
			},
			wantCount: 1,
			checkFn: func(t *testing.T, reg *Registry) {
				stats := reg.Stats()
				if stats == nil {
					t.Fatal("no stats plugin registered")
				}
				// metrics_logger sorts before statsd_emitter, so the
				// lexically later plugin is the survivor.
				if stats.Name != "statsd_emitter" {
					t.Errorf("active stats plugin = %q, want statsd_emitter", stats.Name)
				}
			},
		},
		{
			name: "auth plugin requires validate command",
			setupFn: func(t *testing.T) map[string]string {
				dir := t.TempDir()
				writePlugin(t, dir, "request_auth", `name: RequestAuth
version: 1.0.0
protocol: 1
capability: auth
entrypoint: run.sh
commands: [validate]
`, 0755)
				return map[string]string{"auth": dir}
			},
			wantCount: 1,
			checkFn: func(t *testing.T, reg *Registry) {
				if _, ok := reg.Auth("request_auth"); !ok {
					t.Error("request_auth not found")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roots := tt.setupFn(t)

			reg, err := Discover(roots)

			if (err != nil) != tt.wantErr {
				t.Fatalf("Discover() error = %v, wantErr %v", err, tt.wantErr)
			}

			if !tt.wantErr {
				if reg.Count() != tt.wantCount {
					t.Errorf("Discover() registered %d plugins, want %d", reg.Count(), tt.wantCount)
				}

				if tt.checkFn != nil {
					tt.checkFn(t, reg)
				}
			}
		})
	}
}

func TestDiscoverChecksumPin(t *testing.T) {
	script := []byte("#!/bin/sh\necho '{\"status\":\"ok\"}'\n")
	sum := blake3.Sum256(script)
	goodHash := hex.EncodeToString(sum[:])

	manifestWithChecksum := func(checksum string) string {
		return `name: EchoHandler
version: 1.0.0
protocol: 1
capability: handler
entrypoint: run.sh
checksum: ` + checksum + `
commands: [handle]
`
	}

	t.Run("matching pin", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "echo_handler", manifestWithChecksum(goodHash), 0755)

		reg, err := Discover(map[string]string{"handler": dir})
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if reg.Count() != 1 {
			t.Errorf("registered %d plugins, want 1", reg.Count())
		}
	})

	t.Run("matching pin uppercase hex", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "echo_handler", manifestWithChecksum(strings.ToUpper(goodHash)), 0755)

		reg, err := Discover(map[string]string{"handler": dir})
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if reg.Count() != 1 {
			t.Errorf("registered %d plugins, want 1", reg.Count())
		}
	})

	t.Run("mismatched pin fails boot", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "echo_handler", manifestWithChecksum("deadbeef"), 0755)

		if _, err := Discover(map[string]string{"handler": dir}); err == nil {
			t.Fatal("Discover() = nil error for checksum mismatch")
		}
	})
}

func TestValidateTrust(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(t *testing.T) (entrypoint, pluginPath, root string)
		wantErr bool
	}{
		{
			name: "valid executable",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				pluginDir := filepath.Join(dir, "test_plugin")
				os.Mkdir(pluginDir, 0755)

				entrypoint := filepath.Join(pluginDir, "run.sh")
				os.WriteFile(entrypoint, []byte("#!/bin/sh\n"), 0755)

				return entrypoint, pluginDir, dir
			},
		},
		{
			name: "non-executable",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				pluginDir := filepath.Join(dir, "test_plugin")
				os.Mkdir(pluginDir, 0755)

				entrypoint := filepath.Join(pluginDir, "run.sh")
				os.WriteFile(entrypoint, []byte("#!/bin/sh\n"), 0644)

				return entrypoint, pluginDir, dir
			},
			wantErr: true,
		},
		{
			name: "world-writable plugin directory",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				pluginDir := filepath.Join(dir, "test_plugin")
				os.Mkdir(pluginDir, 0755)

				if err := os.Chmod(pluginDir, 0777); err != nil {
					t.Skip("cannot set world-writable on this filesystem")
				}
				info, _ := os.Stat(pluginDir)
				if info.Mode().Perm()&0002 == 0 {
					t.Skip("filesystem does not support world-writable directories")
				}

				entrypoint := filepath.Join(pluginDir, "run.sh")
				os.WriteFile(entrypoint, []byte("#!/bin/sh\n"), 0755)

				return entrypoint, pluginDir, dir
			},
			wantErr: true,
		},
		{
			name: "nonexistent entrypoint",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				pluginDir := filepath.Join(dir, "test_plugin")
				os.Mkdir(pluginDir, 0755)

				return filepath.Join(pluginDir, "missing.sh"), pluginDir, dir
			},
			wantErr: true,
		},
		{
			name: "symlink escaping the root",
			setupFn: func(t *testing.T) (string, string, string) {
				outside := t.TempDir()
				target := filepath.Join(outside, "evil.sh")
				os.WriteFile(target, []byte("#!/bin/sh\n"), 0755)

				dir := t.TempDir()
				pluginDir := filepath.Join(dir, "test_plugin")
				os.Mkdir(pluginDir, 0755)

				entrypoint := filepath.Join(pluginDir, "run.sh")
				if err := os.Symlink(target, entrypoint); err != nil {
					t.Skipf("cannot create symlink: %v", err)
				}

				return entrypoint, pluginDir, dir
			},
			wantErr: true,
		},
		{
			name: "entrypoint outside plugin directory",
			setupFn: func(t *testing.T) (string, string, string) {
				dir := t.TempDir()
				pluginDir := filepath.Join(dir, "test_plugin")
				otherDir := filepath.Join(dir, "other_plugin")
				os.Mkdir(pluginDir, 0755)
				os.Mkdir(otherDir, 0755)

				// Lives under the root but in a sibling plugin directory.
				entrypoint := filepath.Join(otherDir, "run.sh")
				os.WriteFile(entrypoint, []byte("#!/bin/sh\n"), 0755)

				return entrypoint, pluginDir, dir
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entrypoint, pluginPath, root := tt.setupFn(t)

			_, err := validateTrust(entrypoint, pluginPath, root)

			if (err != nil) != tt.wantErr {
				t.Errorf("validateTrust() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateManifest(t *testing.T) {
	base := func() *Manifest {
		return &Manifest{
			Name:       "EchoHandler",
			Version:    "1.0.0",
			Protocol:   1,
			Capability: "handler",
			Entrypoint: "run.sh",
			Commands:   []string{"handle"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr bool
	}{
		{"valid manifest", func(m *Manifest) {}, false},
		{"missing name", func(m *Manifest) { m.Name = "" }, true},
		{"missing protocol", func(m *Manifest) { m.Protocol = 0 }, true},
		{"missing capability", func(m *Manifest) { m.Capability = "" }, true},
		{"missing entrypoint", func(m *Manifest) { m.Entrypoint = "" }, true},
		{"path traversal in entrypoint", func(m *Manifest) { m.Entrypoint = "../evil/run.sh" }, true},
		{"missing commands", func(m *Manifest) { m.Commands = nil }, true},
		{"blank command", func(m *Manifest) { m.Commands = []string{" "} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			err := validateManifest(m)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateManifest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
