package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// Supports both single-file mode (all config in one file) and multi-file mode
// (via the include array).
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	// If include array exists, load and merge included files
	var includedPaths []string
	if len(cfg.Include) > 0 {
		configDir := filepath.Dir(absPath)
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, configDir, visited); err != nil {
			return nil, err
		}
		for path := range visited {
			if path != absPath {
				includedPaths = append(includedPaths, path)
			}
		}
	}

	cfg = applyConfigDefaults(cfg)

	// Hash-verify all configuration files (root config + all includes)
	allPaths := append([]string{absPath}, includedPaths...)
	if err := verifyConfigHashes(allPaths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $POSTERN_CONFIG, ~/.config/postern/config.yaml,
// /etc/postern/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("POSTERN_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "postern", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/postern/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $POSTERN_CONFIG, ~/.config/postern/config.yaml, /etc/postern/config.yaml, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in
// the include tree. Used by 'config lock' and 'config check'.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\nHint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			continue
		}

		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}

		visited[absPath] = true

		data, err := os.ReadFile(absPath)
		if err != nil {
			return err
		}
		interpolated := interpolateEnv(string(data))
		var partial struct {
			Include []string `yaml:"include"`
		}
		if err := yaml.Unmarshal([]byte(interpolated), &partial); err != nil {
			return fmt.Errorf("failed to parse YAML for includes in %s: %w", absPath, err)
		}

		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		mergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			includedBaseDir := filepath.Dir(absPath)
			if err := loadIncludes(cfg, includedCfg.Include, includedBaseDir, visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.Listen != "" {
		dst.Service.Listen = src.Service.Listen
	}
	if src.Service.TickInterval != 0 {
		dst.Service.TickInterval = src.Service.TickInterval
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.DedupeTTL != 0 {
		dst.Service.DedupeTTL = src.Service.DedupeTTL
	}
	if src.Service.JobLogRetention != 0 {
		dst.Service.JobLogRetention = src.Service.JobLogRetention
	}

	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}

	if src.API.Enabled {
		dst.API.Enabled = src.API.Enabled
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}

	// Plugin roots merge additively; a repeated capability key overrides.
	if src.Plugins.Roots != nil {
		if dst.Plugins.Roots == nil {
			dst.Plugins.Roots = make(map[string]string)
		}
		for capability, root := range src.Plugins.Roots {
			dst.Plugins.Roots[capability] = root
		}
	}
	if src.Plugins.Exec.Timeout != 0 {
		dst.Plugins.Exec.Timeout = src.Plugins.Exec.Timeout
	}
	if src.Plugins.Exec.GracePeriod != 0 {
		dst.Plugins.Exec.GracePeriod = src.Plugins.Exec.GracePeriod
	}
	if src.Plugins.Settings != nil {
		if dst.Plugins.Settings == nil {
			dst.Plugins.Settings = make(map[string]map[string]any)
		}
		for name, settings := range src.Plugins.Settings {
			dst.Plugins.Settings[name] = settings
		}
	}

	// An included global policy replaces an earlier one wholesale, matching
	// the endpoint-over-global replacement rule.
	if src.IPPolicy != nil {
		dst.IPPolicy = src.IPPolicy
	}

	if len(src.Endpoints) > 0 {
		dst.Endpoints = append(dst.Endpoints, src.Endpoints...)
	}

	if src.Dispatch.MaxAttempts != 0 {
		dst.Dispatch.MaxAttempts = src.Dispatch.MaxAttempts
	}
	if src.Dispatch.BackoffBase != 0 {
		dst.Dispatch.BackoffBase = src.Dispatch.BackoffBase
	}
	if src.Dispatch.BackoffMax != 0 {
		dst.Dispatch.BackoffMax = src.Dispatch.BackoffMax
	}
}

// verifyConfigHashes verifies loaded config files against the .checksums
// manifest in their directory. Directories without a manifest are skipped;
// once a manifest exists, every loaded file in that directory must match.
func verifyConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums here means verification is not enabled for
			// this directory.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: postern config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: postern config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaults.Service.Listen
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.DedupeTTL == 0 {
		cfg.Service.DedupeTTL = defaults.Service.DedupeTTL
	}
	if cfg.Service.JobLogRetention == 0 {
		cfg.Service.JobLogRetention = defaults.Service.JobLogRetention
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Plugins.Roots == nil {
		cfg.Plugins.Roots = defaults.Plugins.Roots
	}
	if cfg.Plugins.Exec.Timeout == 0 {
		cfg.Plugins.Exec.Timeout = defaults.Plugins.Exec.Timeout
	}
	if cfg.Plugins.Exec.GracePeriod == 0 {
		cfg.Plugins.Exec.GracePeriod = defaults.Plugins.Exec.GracePeriod
	}

	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = defaults.Dispatch.MaxAttempts
	}
	if cfg.Dispatch.BackoffBase == 0 {
		cfg.Dispatch.BackoffBase = defaults.Dispatch.BackoffBase
	}
	if cfg.Dispatch.BackoffMax == 0 {
		cfg.Dispatch.BackoffMax = defaults.Dispatch.BackoffMax
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.MaxBodySize == "" {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.Auth.Scheme == SchemeHMAC {
			if ep.Auth.Algorithm == "" {
				ep.Auth.Algorithm = AlgorithmSHA256
			}
			if ep.Auth.Format == "" {
				ep.Auth.Format = FormatAlgorithmPrefixed
			}
		}
		if ep.Auth.TimestampHeader != "" && ep.Auth.TimestampTolerance == 0 {
			ep.Auth.TimestampTolerance = DefaultTimestampTolerance
		}
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}
