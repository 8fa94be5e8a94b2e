package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskflow/internal/backend"
	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/tui"
	"github.com/aristath/taskflow/internal/workflow"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1 // Run did not succeed, or setup failed
	exitUsage  = 2
)

// saveTimeout bounds persisting the summary after the run context is gone.
const saveTimeout = 10 * time.Second

type options struct {
	workflow   string
	configPath string
	mode       string
	workers    int
	dbPath     string
	useTUI     bool
	logLevel   string
	logFormat  string
	plan       bool
	history    int
}

func main() {
	// First signal cancels the run; run() handles the second one.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("taskflow", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.workflow, "workflow", "", "Path to the workflow file (YAML or JSON)")
	fs.StringVar(&opts.configPath, "config", "", "Config file (default: ~/.taskflow and ./.taskflow)")
	fs.StringVar(&opts.mode, "mode", "", "Execution mode: sequential or parallel (overrides config)")
	fs.IntVar(&opts.workers, "workers", 0, "Worker count in parallel mode (overrides config)")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database for run history (overrides config)")
	fs.BoolVar(&opts.useTUI, "tui", false, "Show the interactive progress view")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	fs.BoolVar(&opts.plan, "plan", false, "Print the execution order and exit")
	fs.IntVar(&opts.history, "history", 0, "List the N most recent stored runs and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.mode != "" && opts.mode != "sequential" && opts.mode != "parallel" {
		return nil, fmt.Errorf("invalid -mode %q: want sequential or parallel", opts.mode)
	}
	if opts.history == 0 && opts.workflow == "" {
		return nil, errors.New("-workflow is required")
	}
	return opts, nil
}

// loadConfig resolves the configuration and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.Load("", opts.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	switch opts.mode {
	case "sequential":
		cfg.Parallel = false
	case "parallel":
		cfg.Parallel = true
	}
	if opts.workers != 0 {
		cfg.MaxWorkers = opts.workers
	}
	if opts.dbPath != "" {
		cfg.DatabasePath = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitFailed
	}

	// The TUI owns the terminal; logs would tear through it.
	logOut := stderr
	if opts.useTUI {
		logOut = io.Discard
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logOut)

	if opts.history > 0 {
		return showHistory(ctx, cfg, opts.history, logger, stdout, stderr)
	}

	pm := backend.NewProcessManager()
	def, err := workflow.Load(opts.workflow)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	descs, err := def.Descriptors(pm)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	graph, err := scheduler.Build(descs)
	if err != nil {
		fmt.Fprintf(stderr, "Error building graph: %v\n", err)
		return exitFailed
	}

	if opts.plan {
		printPlan(stdout, graph)
		return exitOK
	}

	var store *persistence.SQLiteStore
	if cfg.DatabasePath != "" {
		store, err = persistence.NewSQLiteStore(ctx, cfg.DatabasePath, persistence.WithLogger(logger))
		if err != nil {
			fmt.Fprintf(stderr, "Error opening database: %v\n", err)
			return exitFailed
		}
		defer store.Close()
	}

	sinks := events.MultiSink{events.NewLogSink(logger)}
	if store != nil {
		sinks = append(sinks, store)
	}
	var bus *events.EventBus
	if opts.useTUI {
		bus = events.NewEventBus()
		defer bus.Close()
		sinks = append(sinks, bus)
	}

	runner, err := orchestrator.NewRunner(graph,
		orchestrator.ModeFromConfig(cfg),
		orchestrator.PolicyFromConfig(cfg),
		orchestrator.WithSink(sinks),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	// The TUI subscribes before the run publishes its first event.
	var (
		program *tea.Program
		handle  *orchestrator.Handle
	)
	if bus != nil {
		model := tui.New(bus, def.Name, func() { handle.Cancel() })
		program = tea.NewProgram(model, tea.WithAltScreen())
	}

	handle, err = runner.Start(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	logger.Debug("workflow loaded", "run_id", handle.RunID(), "workflow", def.Name, "path", opts.workflow)

	go forceKillOnSecondSignal(ctx, handle.Done(), pm, logger)

	if program != nil {
		if err := runTUI(ctx, program, handle); err != nil {
			fmt.Fprintf(stderr, "TUI error: %v\n", err)
		}
	}

	summary := handle.Wait()

	if store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		err := store.SaveSummary(saveCtx, summary)
		cancel()
		if err != nil {
			logger.Error("failed to store run summary", "run_id", summary.RunID(), "error", err)
		}
	}

	printSummary(stdout, summary)
	if !summary.Success() {
		return exitFailed
	}
	return exitOK
}

// runTUI shows the progress view until the user quits. Quitting before
// the run finishes cancels it.
func runTUI(ctx context.Context, program *tea.Program, handle *orchestrator.Handle) error {
	exited := make(chan struct{})
	defer close(exited)

	go func() {
		select {
		case <-ctx.Done():
			program.Quit()
		case <-exited:
		}
	}()

	_, err := program.Run()
	select {
	case <-handle.Done():
	default:
		handle.Cancel()
	}
	return err
}

// forceKillOnSecondSignal waits for the first cancellation, then kills
// every tracked subprocess if another signal arrives before the run ends.
func forceKillOnSecondSignal(ctx context.Context, done <-chan struct{}, pm *backend.ProcessManager, logger *slog.Logger) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}
	logger.Warn("shutdown requested, waiting for running tasks (signal again to kill them)")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		logger.Warn("killing running tasks", "processes", pm.Count())
		if err := pm.KillAll(); err != nil {
			logger.Error("error killing subprocesses", "error", err)
		}
	case <-done:
	}
}

func printPlan(w io.Writer, graph *scheduler.Graph) {
	for i, id := range graph.Order() {
		d, _ := graph.Descriptor(id)
		line := fmt.Sprintf("%3d. %s", i+1, d.DisplayName())
		if len(d.DependsOn) > 0 {
			line += " (after " + strings.Join(d.DependsOn, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func printSummary(w io.Writer, summary *orchestrator.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tATTEMPTS\tDURATION\tERROR")
	for _, t := range summary.Tasks() {
		errText := ""
		if t.Err != nil {
			errText = firstLine(t.Err.Error())
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", t.ID, t.State, t.Attempts, t.Duration.Round(time.Millisecond), errText)
	}
	tw.Flush()

	outcome := "succeeded"
	switch {
	case summary.Cancelled():
		outcome = "cancelled"
	case !summary.Success():
		outcome = "failed"
	}
	fmt.Fprintf(w, "\nRun %s %s in %v\n", summary.RunID(), outcome, summary.Duration().Round(time.Millisecond))
}

func showHistory(ctx context.Context, cfg *config.Config, limit int, logger *slog.Logger, stdout, stderr io.Writer) int {
	if cfg.DatabasePath == "" {
		fmt.Fprintln(stderr, "Error: -history needs a database (-db or database_path)")
		return exitUsage
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath, persistence.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error opening database: %v\n", err)
		return exitFailed
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error listing runs: %v\n", err)
		return exitFailed
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTASKS\tDURATION\tRESULT")
	for _, r := range runs {
		result := "ok"
		switch {
		case r.Cancelled:
			result = "cancelled"
		case !r.Success:
			result = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", r.ID, r.StartedAt.Format(time.DateTime), r.TaskCount, r.Duration().Round(time.Millisecond), result)
	}
	tw.Flush()
	return exitOK
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
