package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/doctor"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/tui/tokenmgr"
)

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	// Handle -json alias for format=json
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	registry, err := plugin.Discover(cfg.Plugins.Roots)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	files, err := config.DiscoverAllConfigFiles(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config files: %v\n", err)
		return 1
	}

	// Includes may point anywhere; each directory gets its own manifest.
	byDir := make(map[string][]string)
	for _, f := range files {
		dir := filepath.Dir(f)
		byDir[dir] = append(byDir[dir], filepath.Base(f))
	}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		report, err := config.GenerateChecksumsWithReport(dir, byDir[dir], dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", dir, err)
			return 1
		}
		if isVerbose {
			fmt.Printf("Processing directory: %s\n", dir)
			for _, file := range report.Files {
				if file.Exists {
					fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
					continue
				}
				fmt.Printf("  SKIP %s: not found\n", file.Filename)
			}
			if dryRun {
				fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
			} else {
				fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d directory/ies (no files written):\n", len(dirs))
	} else {
		fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(dirs))
	}
	for _, dir := range dirs {
		fmt.Printf("  - %s\n", dir)
	}

	return 0
}

func runConfigToken(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printConfigTokenHelp()
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "new":
		if hasHelpFlag(actionArgs) {
			printConfigTokenNewHelp()
			return 0
		}
		return runConfigTokenNew(actionArgs)
	case "help":
		printConfigTokenHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config token action: %s\n", action)
		return 1
	}
}

// runConfigTokenNew generates a token and prints the config snippet instead
// of editing config.yaml. Tokens live in the config only as ${ENV_VAR}
// references, and a silent file edit would invalidate the integrity hashes.
func runConfigTokenNew(args []string) int {
	var name, scopesArg string

	fs := flag.NewFlagSet("token new", flag.ContinueOnError)
	fs.StringVar(&name, "name", "", "Token name, used to derive the env var name")
	fs.StringVar(&scopesArg, "scopes", "", "Comma-separated scopes (omit for interactive selection)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var scopes []string
	if scopesArg != "" {
		for _, s := range strings.Split(scopesArg, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !tokenmgr.KnownScope(s) {
				fmt.Fprintf(os.Stderr, "Unknown scope: %s\n", s)
				fmt.Fprintf(os.Stderr, "Valid scopes: %s\n", strings.Join(tokenmgr.AllScopes(), ", "))
				return 1
			}
			scopes = append(scopes, s)
		}
	} else {
		final, err := tea.NewProgram(tokenmgr.New()).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scope picker error: %v\n", err)
			return 1
		}
		picker, ok := final.(tokenmgr.Model)
		if !ok {
			fmt.Fprintln(os.Stderr, "Scope picker returned unexpected model")
			return 1
		}
		if picker.Cancelled() {
			fmt.Fprintln(os.Stderr, "Cancelled.")
			return 1
		}
		scopes = picker.Scopes()
	}

	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no scopes selected")
		return 1
	}

	tokenKey, err := generateSecureToken(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}
	envVar := tokenEnvVarName(name)

	fmt.Printf("Token key: %s\n\n", tokenKey)
	fmt.Println("Add to config.yaml under api.auth.tokens:")
	fmt.Println()
	fmt.Printf("  - token: ${%s}\n", envVar)
	fmt.Printf("    scopes: [%s]\n", strings.Join(scopes, ", "))
	fmt.Println()
	fmt.Println("Set the environment variable before starting the gateway:")
	fmt.Printf("  export %s=\"%s\"\n", envVar, tokenKey)
	fmt.Println()
	fmt.Println("Then re-authorize the edited configuration:")
	fmt.Println("  postern config lock")
	return 0
}

func printConfigTokenHelp() {
	fmt.Println("Usage: postern config token <action>")
	fmt.Println("Actions: new")
	fmt.Println()
	fmt.Println("  new    Generate an admin API token and print the config snippet")
}

func printConfigTokenNewHelp() {
	fmt.Println("Usage: postern config token new [--name NAME] [--scopes CSV]")
	fmt.Println()
	fmt.Println("Generate a bearer token for the admin API. Without --scopes an")
	fmt.Println("interactive picker opens. The token is printed once and never")
	fmt.Println("written to disk; the config references it via an env var.")
	fmt.Println()
	fmt.Println("Valid scopes:")
	for _, s := range tokenmgr.AllScopes() {
		fmt.Printf("  %s\n", s)
	}
}

func generateSecureToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// tokenEnvVarName derives an environment variable name from a token name,
// e.g. "ci-deploy" becomes CI_DEPLOY_TOKEN.
func tokenEnvVarName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(name))

	cleaned := strings.Trim(mapped, "_")
	if cleaned == "" {
		return "POSTERN_TOKEN"
	}
	if !strings.HasSuffix(cleaned, "_TOKEN") {
		cleaned += "_TOKEN"
	}
	return cleaned
}
