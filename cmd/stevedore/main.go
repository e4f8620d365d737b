package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/config"
	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/dlq"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/gate"
	"github.com/mattjoyce/stevedore/internal/handler"
	"github.com/mattjoyce/stevedore/internal/heartbeat"
	"github.com/mattjoyce/stevedore/internal/journal"
	"github.com/mattjoyce/stevedore/internal/lock"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/publish"
	"github.com/mattjoyce/stevedore/internal/transport"
	"github.com/mattjoyce/stevedore/internal/tui/watch"
	"github.com/mattjoyce/stevedore/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
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
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "dlq":
		return runDLQNoun(args)
	case "config":
		return runConfigNoun(args)
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

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("stevedore starting", "version", version, "worker_id", cfg.Worker.ID)

	if *configPath != "" {
		if hash, err := config.ComputeBlake3Hash(resolveConfigFile(*configPath)); err == nil {
			logger.Info("configuration loaded", "path", *configPath, "config_hash", hash)
		}
	}

	stateDir := filepath.Dir(cfg.State.Path)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Error("failed to create state directory", "path", stateDir, "error", err)
		return 1
	}

	pidLockPath := filepath.Join(stateDir, "stevedore.pid")
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jnl, err := journal.Open(ctx, cfg.State.Path, cfg.Service.DedupeTTL)
	if err != nil {
		logger.Error("failed to open outcome journal", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer jnl.Close()
	logger.Info("outcome journal opened", "path", cfg.State.Path)

	bus, err := transport.DialNATS(ctx, cfg.Bus.URL)
	if err != nil {
		logger.Error("failed to connect to message bus", "url", cfg.Bus.URL, "error", err)
		return 1
	}
	defer bus.Close()
	logger.Info("message bus connected", "url", cfg.Bus.URL)

	hub := events.NewHub(256)
	g := gate.New(cfg.Worker.MaxConcurrency)
	registry := handler.NewDefaultRegistry(handler.Options{FSBaseDir: cfg.Handlers.FSBaseDir})
	defer registry.Close()
	logger.Info("handlers registered", "job_types", registry.Types())

	store, err := dlq.NewStore(dlq.Options{
		Path:            cfg.DLQ.Path,
		MaxBytesPerFile: cfg.DLQ.MaxBytesPerFile,
		TotalMaxBytes:   cfg.DLQ.TotalMaxBytes,
		MaxRotations:    cfg.DLQ.MaxRotations,
		MaxAge:          cfg.DLQ.MaxAge,
	}, hub)
	if err != nil {
		logger.Error("failed to open dead-letter store", "path", cfg.DLQ.Path, "error", err)
		return 1
	}

	disp := dispatch.New(registry, g, hub, cfg.Worker.ID, cfg.Worker.DefaultJobTimeout, nil)
	pub := publish.New(bus, store, hub, cfg.Bus.ResultSubject, cfg.Bus.DeadLetterSubject, cfg.Worker.PublishMaxRetries)

	// The emitter reads drain state from the engine; the closure defers the
	// lookup until after both are constructed.
	var engine *worker.Engine
	emitter := heartbeat.NewEmitter(bus, g, hub, cfg.Worker.ID,
		cfg.Bus.HeartbeatSubject, cfg.Worker.HeartbeatInterval,
		func() bool { return engine.Draining() })
	engine = worker.New(cfg, bus, disp, pub, jnl,
		journal.NewWindow(cfg.Service.DedupeWindow), g, emitter, hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("worker: %w", err)
		}
	}()

	go emitter.Run(ctx)
	go store.RunSweeper(ctx, cfg.DLQ.SweepInterval)
	if cfg.Service.DedupeTTL > 0 {
		go jnl.RunPruner(ctx, cfg.Service.DedupeTTL/4)
	}

	if cfg.Ops.Enabled {
		opsServer := api.NewServer(cfg.Ops.Listen, cfg.Worker.ID, api.BuildInfo{
			Version: version,
			Commit:  gitCommit,
		}, engine, g, registry, hub)
		go func() {
			if err := opsServer.Run(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
		logger.Info("ops server enabled", "listen", cfg.Ops.Listen)
	}

	logger.Info("stevedore running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	// Cancelling intake starts the drain; the engine returns once running
	// jobs finish or the drain grace expires.
	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Worker.DrainGrace + 5*time.Second):
		logger.Error("drain did not complete in time")
		exitCode = 1
	}

	logger.Info("stevedore stopped")
	return exitCode
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:9091", "Worker ops API URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runDLQNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printDLQHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "list":
		return runDLQList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown dlq action: %s\n", args[0])
		return 1
	}
}

func runDLQList(args []string) int {
	fs := flag.NewFlagSet("dlq list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 50, "Maximum number of entries to show (newest last)")
	jsonOut := fs.Bool("json", false, "Output entries as JSON lines")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	entries, err := dlq.ListFile(cfg.DLQ.Path, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read dead-letter queue: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("Dead-letter queue is empty.")
		return 0
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to render entry: %v\n", err)
				return 1
			}
		}
		return 0
	}

	fmt.Printf("%-25s %-38s %-16s %-8s %s\n", "FAILED_AT", "JOB_ID", "REASON", "ATTEMPTS", "TYPE")
	for _, e := range entries {
		jobID, jobType := "-", "-"
		if e.Assignment != nil {
			jobID = e.Assignment.JobID
			jobType = e.Assignment.JobType
		}
		fmt.Printf("%-25s %-38s %-16s %-8d %s\n",
			e.FailedAt.UTC().Format(time.RFC3339), jobID, e.FailureReason, e.AttemptCount, jobType)
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		printConfigHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		return 1
	}

	fmt.Println("OK: configuration is valid")
	fmt.Printf("  worker_id:       %s\n", cfg.Worker.ID)
	fmt.Printf("  bus_url:         %s\n", cfg.Bus.URL)
	fmt.Printf("  assign_subject:  %s\n", cfg.Bus.AssignSubject)
	fmt.Printf("  max_concurrency: %d\n", cfg.Worker.MaxConcurrency)
	if *configPath != "" {
		if hash, err := config.ComputeBlake3Hash(resolveConfigFile(*configPath)); err == nil {
			fmt.Printf("  config_hash:     %s\n", hash)
		}
	}
	return 0
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: stevedore version [--json]")
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

	fmt.Printf("stevedore %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version: strings.TrimSpace(version),
		Commit:  "unknown",
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
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
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

// resolveConfigFile mirrors the loader's directory handling so the hash is
// computed over the same file Load actually read.
func resolveConfigFile(configPath string) string {
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		return filepath.Join(configPath, "config.yaml")
	}
	return configPath
}

func printUsage() {
	fmt.Println(`stevedore - distributed job execution worker

Usage:
  stevedore <command> [flags]

Commands:
  start          Start the worker (connects to the bus and consumes assignments)
  watch          Real-time monitoring TUI against a running worker
  dlq list       Show dead-letter queue entries
  config check   Validate configuration
  version        Print version information
  help           Show this help

Common flags:
  --config PATH  Path to configuration file or directory (defaults apply
                 when omitted; env vars override individual keys)

Use 'stevedore <command> --help' for command-specific flags.`)
}

func printDLQHelp() {
	fmt.Println("Usage: stevedore dlq list [--config PATH] [--limit N] [--json]")
	fmt.Println("Show entries in the durable dead-letter queue, newest last.")
}

func printConfigHelp() {
	fmt.Println("Usage: stevedore config check [--config PATH]")
	fmt.Println("Validate configuration syntax and settings, and print the resolved summary.")
}
