package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/postern-io/postern/internal/api"
	"github.com/postern-io/postern/internal/config"
	"github.com/postern-io/postern/internal/dispatch"
	"github.com/postern-io/postern/internal/events"
	"github.com/postern-io/postern/internal/inspect"
	"github.com/postern-io/postern/internal/lock"
	"github.com/postern-io/postern/internal/log"
	"github.com/postern-io/postern/internal/plugin"
	"github.com/postern-io/postern/internal/queue"
	"github.com/postern-io/postern/internal/state"
	"github.com/postern-io/postern/internal/storage"
	"github.com/postern-io/postern/internal/tui"
	"github.com/postern-io/postern/internal/webhook"
	"github.com/postern-io/postern/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "job":
		return runJobNoun(args)

	// --- ROOT SHORTCUTS ---
	case "start":
		if hasHelpFlag(args) {
			printSystemStartHelp()
			return 0
		}
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(args)
	case "doctor":
		if hasHelpFlag(args) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(args)

	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: postern version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("postern %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`postern - Webhook gateway with subprocess plugins

Usage:
  postern <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  config    Configuration validation and integrity
  plugin    Capability discovery
  job       Delivery inspection

System Commands:
  system start      Start the gateway service in foreground
  system status     Show global gateway health
  system watch      Real-time monitoring TUI

Config Commands:
  config check      Validate configuration against discovered plugins
  config lock       Authorize current state (update integrity hashes)
  config token      Manage admin API tokens

Plugin Commands:
  plugin list       Show discovered plugins

Job Commands:
  job inspect <id>  Show a delivery's attempts, artifacts, and state

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'postern <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "token":
		return runConfigToken(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPluginListHelp()
			return 0
		}
		return runPluginList(actionArgs)
	case "help":
		printPluginNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printJobInspectHelp()
			return 0
		}
		return runJobInspect(actionArgs)
	case "help":
		printJobNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: postern system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: postern config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, token")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: postern plugin <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: postern job <action>")
	fmt.Fprintln(w, "Actions: inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: postern system start [--config PATH]")
	fmt.Println("Start the gateway service in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: postern system status [--config PATH] [--json]")
	fmt.Println("Show global gateway health (config, plugin discovery, database readiness, and PID lock state).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: postern system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows gateway health, endpoint traffic, job history, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Admin API base URL (default: http://localhost:8081)")
	fmt.Println("  --token TOKEN    API bearer token (or POSTERN_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll job history")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: postern config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration against the discovered plugin registry.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: postern config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printPluginListHelp() {
	fmt.Println("Usage: postern plugin list [--config PATH] [--json]")
	fmt.Println("Show discovered plugins and their declared commands.")
}

func printJobInspectHelp() {
	fmt.Println("Usage: postern job inspect <job_id> [--config PATH] [--json]")
	fmt.Println("Show a delivery's attempt history, workspace artifacts, and plugin state.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("postern starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	if err := os.MkdirAll(filepath.Dir(pidLockPath), 0o755); err != nil {
		logger.Error("failed to create lock directory", "path", pidLockPath, "error", err)
		return 1
	}
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) && held.PID > 0 {
			fmt.Fprintf(os.Stderr, "Error: another instance is running (pid %d)\n", held.PID)
			return 1
		}
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Storage.Path)

	q := queue.New(db, cfg.Service.DedupeTTL)
	if n, err := q.ResetRunning(ctx); err != nil {
		logger.Error("failed to requeue interrupted jobs", "error", err)
		return 1
	} else if n > 0 {
		logger.Warn("requeued jobs left running by a previous instance", "count", n)
	}

	st := state.NewStore(db)
	hub := events.NewHub(256)

	registry, err := plugin.Discover(cfg.Plugins.Roots)
	if err != nil {
		logger.Error("plugin discovery failed", "error", err)
		return 1
	}
	logger.Info("plugin discovery complete", "count", registry.Count())

	runner := plugin.NewRunner(cfg.Plugins.Exec.Timeout, cfg.Plugins.Exec.GracePeriod)

	ws, err := workspace.NewFSManager(workspace.DefaultBaseDir(cfg.Storage.Path))
	if err != nil {
		logger.Error("failed to configure workspaces", "error", err)
		return 1
	}
	disp := dispatch.New(q, st, registry, runner, cfg, hub, ws)

	if err := disp.RunStartupHooks(ctx); err != nil {
		logger.Error("startup hook failed", "error", err)
		return 1
	}

	hookServer, err := webhook.New(cfg, q, registry, runner, hub)
	if err != nil {
		logger.Error("failed to configure webhook server", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)

	go func() {
		if err := disp.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	go func() {
		if err := hookServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()
	logger.Info("webhook server enabled", "listen", cfg.Service.Listen, "endpoints", len(cfg.Endpoints))

	if cfg.API.Enabled {
		apiServer := api.New(cfg, version, q, registry, hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("admin API enabled", "listen", cfg.API.Listen)
	}

	logger.Info("postern running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()

	// The service context is gone; shutdown hooks get their own deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	disp.RunShutdownHooks(shutdownCtx)

	logger.Info("postern stopped")
	return exitCode
}

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := buildStatusReport(*configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printStatusHuman(report)
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func buildStatusReport(configPath string) statusReport {
	var report statusReport

	cfg, resolvedPath, err := loadStatusConfig(configPath)
	if err != nil {
		report.Checks = append(report.Checks,
			statusCheck{Name: "config_load", OK: false, Detail: err.Error()},
			statusCheck{Name: "plugins", OK: false, Detail: "skipped: config not loaded"},
			statusCheck{Name: "state_db", OK: false, Detail: "skipped: config not loaded"},
			statusCheck{Name: "pid_lock", OK: false, Detail: "skipped: config not loaded"},
		)
		return report
	}

	report.Checks = append(report.Checks,
		statusCheck{Name: "config_load", OK: true, Detail: resolvedPath},
		checkPlugins(cfg),
		checkStateDB(cfg),
		checkPIDLock(cfg),
	)

	report.Healthy = true
	for _, c := range report.Checks {
		if !c.OK {
			report.Healthy = false
			break
		}
	}
	return report
}

func loadStatusConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func checkPlugins(cfg *config.Config) statusCheck {
	registry, err := plugin.Discover(cfg.Plugins.Roots)
	if err != nil {
		return statusCheck{Name: "plugins", OK: false, Detail: err.Error()}
	}
	return statusCheck{Name: "plugins", OK: true, Detail: fmt.Sprintf("%d discovered", registry.Count())}
}

func checkStateDB(cfg *config.Config) statusCheck {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		return statusCheck{Name: "state_db", OK: false, Detail: err.Error()}
	}
	defer db.Close()

	var jobs int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_queue").Scan(&jobs); err != nil {
		return statusCheck{Name: "state_db", OK: false, Detail: err.Error()}
	}
	return statusCheck{Name: "state_db", OK: true, Detail: fmt.Sprintf("%s (%d jobs)", cfg.Storage.Path, jobs)}
}

// checkPIDLock reports FAIL only when the lock file names a live process.
// A stale file from a crashed instance is not a problem: flock does not
// survive process death, so a fresh start would succeed.
func checkPIDLock(cfg *config.Config) statusCheck {
	lockPath := getPIDLockPath(cfg)

	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return statusCheck{Name: "pid_lock", OK: true, Detail: "not held"}
		}
		return statusCheck{Name: "pid_lock", OK: false, Detail: err.Error()}
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return statusCheck{Name: "pid_lock", OK: true, Detail: "stale lock file (no pid recorded)"}
	}

	if processAlive(pid) {
		return statusCheck{Name: "pid_lock", OK: false, Detail: fmt.Sprintf("held by pid %d", pid), ActivePID: pid}
	}
	return statusCheck{Name: "pid_lock", OK: true, Detail: fmt.Sprintf("stale lock file (pid %d not running)", pid)}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func printStatusHuman(report statusReport) {
	for _, c := range report.Checks {
		label := "OK"
		if !c.OK {
			label = "FAIL"
		}
		if c.Detail != "" {
			fmt.Printf("%s: %s (%s)\n", c.Name, label, c.Detail)
		} else {
			fmt.Printf("%s: %s\n", c.Name, label)
		}
	}
	fmt.Println()
	if report.Healthy {
		fmt.Println("All checks passed.")
	} else {
		fmt.Println("One or more checks failed.")
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8081", "Admin API base URL")
	token := fs.String("token", os.Getenv("POSTERN_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or POSTERN_API_TOKEN env var.")
		return 1
	}

	m := tui.New(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	registry, err := plugin.Discover(cfg.Plugins.Roots)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}

	plugins := registry.All()

	if *jsonOut {
		type pluginEntry struct {
			Name        string   `json:"name"`
			Capability  string   `json:"capability"`
			Version     string   `json:"version"`
			Protocol    int      `json:"protocol"`
			Commands    []string `json:"commands"`
			Description string   `json:"description,omitempty"`
		}
		out := make([]pluginEntry, 0, len(plugins))
		for _, p := range plugins {
			out = append(out, pluginEntry{
				Name:        p.Name,
				Capability:  string(p.Capability),
				Version:     p.Version,
				Protocol:    p.Protocol,
				Commands:    p.Commands,
				Description: p.Description,
			})
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render plugin JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(plugins) == 0 {
		fmt.Println("No plugins discovered.")
		return 0
	}

	fmt.Printf("%-24s %-10s %-9s %s\n", "NAME", "CAPABILITY", "VERSION", "COMMANDS")
	for _, p := range plugins {
		fmt.Printf("%-24s %-10s %-9s %s\n", p.Name, p.Capability, p.Version, strings.Join(p.Commands, ", "))
	}
	return 0
}

func runJobInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	// Pull the positional job ID out first so 'job inspect <id> --json'
	// parses the trailing flags.
	var jobID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && jobID == "" {
			jobID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jobID == "" {
		fmt.Fprintf(os.Stderr, "Usage: postern job inspect <job_id> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), db, cfg.Storage.Path, jobID)
	} else {
		report, err = inspect.BuildReport(context.Background(), db, cfg.Storage.Path, jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// getPIDLockPath derives the lock file path from the database path, so the
// lock lives next to the state it guards.
func getPIDLockPath(cfg *config.Config) string {
	base := filepath.Base(cfg.Storage.Path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(cfg.Storage.Path), name+".pid")
}
