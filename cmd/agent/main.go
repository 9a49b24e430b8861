package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
	"discovery-agent/internal/infra/logger"
	"discovery-agent/internal/infra/tracer"
	"discovery-agent/internal/usecase/eventbus"
	"discovery-agent/internal/usecase/reasoning"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "run":
		err = runQuery(args)
	case "resume":
		err = runResume(args)
	case "checkpoints":
		err = runCheckpoints(args)
	case "tools":
		err = runTools(args)
	case "doctor":
		err = runDoctor(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'discovery-agent --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`discovery-agent - autonomous research agent

USAGE:
    discovery-agent COMMAND [FLAGS] [ARGS]

COMMANDS:
    run <query>             Answer a research query
    resume <checkpoint-id>  Resume an interrupted run from a checkpoint
    resume --session <id>   Resume the latest checkpoint of a session
    checkpoints <session>   List the live checkpoints of a session
    tools                   List registered tools
    doctor                  Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)
    --json             Print the full result as JSON (run, resume)
    --quiet            Do not print phase progress (run, resume)

CONFIGURATION:
    Config file: ./config.yaml (or DISCOVERY_CONFIG)
    Environment: DISCOVERY_* variables override config
    Secrets:     values prefixed with "enc:" are decrypted with DISCOVERY_CONFIG_KEY

EXAMPLES:
    discovery-agent run "recent advances in perovskite solar cells"
    discovery-agent run --session session_abc --json "graphene thermal conductivity"
    discovery-agent checkpoints session_abc
    discovery-agent resume --session session_abc
    discovery-agent doctor`)
}

// commonFlags are shared by every subcommand that loads the config.
type commonFlags struct {
	config string
	json   bool
	quiet  bool
}

func newFlagSet(name string, cf *commonFlags, withOutput bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cf.config, "config", configPath(), "config file path")
	if withOutput {
		fs.BoolVar(&cf.json, "json", false, "print the full result as JSON")
		fs.BoolVar(&cf.quiet, "quiet", false, "do not print phase progress")
	}
	return fs
}

func configPath() string {
	if p := os.Getenv("DISCOVERY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// app is a fully wired agent plus the teardown for everything it opened.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	llm     *LLMComponents
	agent   *AgentComponents
	runtime *RuntimeComponents
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// bootstrap loads the config and wires every component in dependency order.
func bootstrap(ctx context.Context, cfgPath string) (*app, error) {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &app{cfg: cfg}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerShutdown(shutdownCtx)
	})

	// 3. Event bus
	a.bus = eventbus.New(log)
	a.closers = append(a.closers, a.bus.Close)
	a.closers = append(a.closers, eventbus.LogEvents(a.bus, log))

	// 4. LLM providers
	a.llm, err = initLLM(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}

	// 5. Tools and resilience
	var agentCleanup func()
	a.agent, agentCleanup, err = initAgent(ctx, cfg, a.bus, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tools: %w", err)
	}
	a.closers = append(a.closers, agentCleanup)

	// 6. Checkpoints, scheduler, engine
	var runtimeCleanup func() error
	a.runtime, runtimeCleanup, err = initRuntime(ctx, cfg, a.llm, a.agent, a.bus, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("runtime: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := runtimeCleanup(); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	})

	log.Info("discovery-agent ready",
		"provider", a.llm.DefaultLLM.Name(),
		"tools", len(a.agent.ToolRegistry.List()),
		"checkpoints", cfg.Checkpoint.Enabled,
	)
	return a, nil
}

// startBackground starts the maintenance scheduler and, unless quiet,
// mirrors status updates to w.
func (a *app) startBackground(ctx context.Context, w io.Writer, quiet bool) {
	if a.runtime.Scheduler != nil {
		if err := a.runtime.Scheduler.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", "error", err)
		}
	}
	if quiet {
		return
	}
	unsub := a.bus.Subscribe(domain.EventStatusUpdated, func(_ context.Context, e domain.Event) {
		if u, ok := eventbus.DecodeStatus(e); ok {
			fmt.Fprintf(w, "[%3d%%] %-8s %s\n", u.Progress, u.Phase, u.Message)
		}
	})
	a.closers = append(a.closers, unsub)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runQuery(args []string) error {
	var cf commonFlags
	var sessionID string
	fs := newFlagSet("run", &cf, true)
	fs.StringVar(&sessionID, "session", "", "session id to use instead of a generated one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("usage: discovery-agent run [--session ID] <query>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := bootstrap(ctx, cf.config)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startBackground(ctx, os.Stderr, cf.quiet)

	result := a.runtime.Engine.Execute(ctx, query, reasoning.WithSessionID(sessionID))
	return printResult(os.Stdout, result, cf.json)
}

func runResume(args []string) error {
	var cf commonFlags
	var sessionID string
	fs := newFlagSet("resume", &cf, true)
	fs.StringVar(&sessionID, "session", "", "resume the latest checkpoint of this session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	checkpointID := fs.Arg(0)
	if (checkpointID == "") == (sessionID == "") {
		return fmt.Errorf("usage: discovery-agent resume <checkpoint-id> | resume --session <id>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := bootstrap(ctx, cf.config)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.runtime.Resumer == nil {
		return fmt.Errorf("checkpointing is disabled (checkpoint.enabled: false)")
	}
	a.startBackground(ctx, os.Stderr, cf.quiet)

	var result domain.AgentResult
	if sessionID != "" {
		result, err = a.runtime.Engine.ResumeLatest(ctx, a.runtime.Resumer, sessionID)
	} else {
		result, err = a.runtime.Engine.ResumeFrom(ctx, a.runtime.Resumer, checkpointID)
	}
	if result.Metadata.SessionID != "" {
		if perr := printResult(os.Stdout, result, cf.json); perr != nil {
			return perr
		}
	}
	return err
}

func runCheckpoints(args []string) error {
	var cf commonFlags
	fs := newFlagSet("checkpoints", &cf, false)
	fs.BoolVar(&cf.json, "json", false, "print checkpoints as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sessionID := fs.Arg(0)
	if sessionID == "" {
		return fmt.Errorf("usage: discovery-agent checkpoints <session-id>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := bootstrap(ctx, cf.config)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.runtime.Checkpoints == nil {
		return fmt.Errorf("checkpointing is disabled (checkpoint.enabled: false)")
	}

	cps := a.runtime.Checkpoints.ListSessionCheckpoints(ctx, sessionID)
	return printCheckpoints(os.Stdout, cps, cf.json)
}

func runTools(args []string) error {
	var cf commonFlags
	fs := newFlagSet("tools", &cf, false)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cf.config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	agentComp, cleanup, err := initAgent(ctx, cfg, nil, logger.Nop())
	if err != nil {
		return err
	}
	defer cleanup()

	return printTools(os.Stdout, agentComp.ToolRegistry.List())
}

func printResult(w io.Writer, result domain.AgentResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if !result.Success {
		fmt.Fprintf(w, "Run failed: %s\n", result.Error)
	} else {
		fmt.Fprintln(w, result.Response)
	}
	if len(result.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, s := range result.Sources {
			line := s.Title
			if s.Year != "" {
				line += " (" + s.Year + ")"
			}
			if s.URL != "" {
				line += " " + s.URL
			}
			fmt.Fprintf(w, "  [%d] %s\n", i+1, line)
		}
	}
	fmt.Fprintf(w, "\nsession=%s iterations=%d tool_calls=%d confidence=%d duration=%s",
		result.Metadata.SessionID, result.Metadata.Iterations, result.Metadata.ToolCallCount,
		result.Metadata.Confidence, result.Duration.Round(time.Millisecond))
	if result.Metadata.ResumedFrom != "" {
		fmt.Fprintf(w, " resumed_from=%s", result.Metadata.ResumedFrom)
	}
	fmt.Fprintln(w)
	return nil
}

func printCheckpoints(w io.Writer, cps []domain.Checkpoint, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cps)
	}
	if len(cps) == 0 {
		fmt.Fprintln(w, "no live checkpoints")
		return nil
	}
	for _, cp := range cps {
		fmt.Fprintf(w, "%s  step=%d phase=%-8s iteration=%d saved=%s expires=%s\n",
			cp.ID, cp.Step, cp.Phase, cp.Context.Iteration,
			cp.Timestamp.Format(time.RFC3339), cp.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func printTools(w io.Writer, decls []domain.ToolDeclaration) error {
	if len(decls) == 0 {
		fmt.Fprintln(w, "no tools registered")
		return nil
	}
	for _, d := range decls {
		fmt.Fprintf(w, "%-24s %s\n", d.Name, d.Description)
	}
	return nil
}
