package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/quillforge/quill-client/internal/artifactcache"
	"github.com/quillforge/quill-client/internal/computeruse"
	"github.com/quillforge/quill-client/internal/config"
	"github.com/quillforge/quill-client/internal/engine"
	"github.com/quillforge/quill-client/internal/funcs"
	openaitransport "github.com/quillforge/quill-client/internal/transport/openai"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("quill-chat %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `quill-chat

Usage:
  quill-chat run [flags]
  quill-chat version

Commands:
  run         Start an interactive chat session using the local config file.
  version     Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	logLevel := fs.String("log-level", "warn", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	apiKey := strings.TrimSpace(os.Getenv(cfg.EffectiveAPIKeyEnv()))
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "missing API key: set %s\n", cfg.EffectiveAPIKeyEnv())
		os.Exit(1)
	}

	registry := funcs.NewRegistry()
	registerBuiltins(registry)
	if cfg.FunctionsManifest != "" {
		specs, err := config.LoadFunctionManifest(cfg.FunctionsManifest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load functions manifest: %v\n", err)
			os.Exit(1)
		}
		if err := registerManifest(registry, specs); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register functions: %v\n", err)
			os.Exit(1)
		}
	}

	transportOpts := openaitransport.Options{
		Logger: logger,
		Model:  cfg.Model,
		APIKey: apiKey,
		Declarations: func() []openaitransport.FunctionDecl {
			defs := registry.Snapshot()
			out := make([]openaitransport.FunctionDecl, 0, len(defs))
			for _, def := range defs {
				out = append(out, openaitransport.FunctionDecl{
					Name:        def.Name,
					Description: def.Description,
					Schema:      openaitransport.SchemaFromJSON(string(def.InputSchema)),
				})
			}
			return out
		},
	}
	if cfg.BaseURL != "" {
		transportOpts.BaseURL = cfg.BaseURL
	}

	var actions engine.ActionExecutor
	var browser *computeruse.Executor
	if cu := cfg.ComputerUse; cu != nil && cu.Enabled {
		debugURL := strings.TrimSpace(cu.DebugURL)
		if debugURL == "" {
			debugURL = "http://localhost:9222"
		}
		browser, err = computeruse.New(computeruse.Options{Logger: logger, DebugURL: debugURL})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to init browser executor: %v\n", err)
			os.Exit(1)
		}
		defer browser.Close()
		actions = browser
		transportOpts.Computer = &openaitransport.ComputerTool{
			DisplayWidth:  int64(cu.EffectiveDisplayWidth()),
			DisplayHeight: int64(cu.EffectiveDisplayHeight()),
			Environment:   cu.EffectiveEnvironment(),
		}
	}

	transport, err := openaitransport.New(transportOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init transport: %v\n", err)
		os.Exit(1)
	}

	artifacts, err := artifactcache.Open(filepath.Join(cfg.StateDir, "artifacts.db"), artifactcache.DefaultMaxEntries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open artifact cache: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = artifacts.Close() }()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	ui := &consoleUI{interactive: interactive}

	eng, err := engine.New(engine.Options{
		Logger:    logger,
		Config:    cfg,
		Transport: transport,
		Actions:   actions,
		Functions: registry,
		Artifacts: artifacts,
		Notify:    ui.handle,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		eng.CancelTurn()
		cancel()
	}()

	repl(ctx, eng)
}

func repl(ctx context.Context, eng *engine.Engine) {
	fmt.Println("quill-chat ready. Type a message, or /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return
		case line == "/help":
			fmt.Println("/cancel  stop the current turn\n/clear   reset the conversation\n/approve approve a pending action\n/deny    reject a pending action\n/activity recent activity\n/quit    exit")
			continue
		case line == "/cancel":
			eng.CancelTurn()
			continue
		case line == "/clear":
			eng.ClearConversation()
			fmt.Println("Conversation cleared.")
			continue
		case line == "/approve":
			if err := eng.Approve(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "approve: %v\n", err)
			}
			continue
		case line == "/deny":
			eng.Deny()
			continue
		case line == "/activity":
			for _, l := range eng.Activity() {
				fmt.Println("  " + l)
			}
			continue
		}

		messageID, err := engine.NewMessageID()
		if err != nil {
			fmt.Fprintf(os.Stderr, "id generation: %v\n", err)
			continue
		}
		if err := eng.SendUserTurn(ctx, messageID, engine.TurnInput{Text: line}); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			continue
		}
		// Tool chains continue asynchronously after the initial response;
		// wait for the turn to settle before prompting again.
		waitForSettled(ctx, eng)
	}
}

func waitForSettled(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		switch eng.Status() {
		case engine.StatusDone, engine.StatusIdle, engine.StatusAwaitingApproval:
			return
		}
	}
}

// consoleUI renders engine events to the terminal.
type consoleUI struct {
	interactive bool
}

func (u *consoleUI) handle(ev engine.Event) {
	switch ev.Type {
	case engine.EventTypeTextDelta:
		fmt.Print(ev.Delta)
	case engine.EventTypeNotice:
		fmt.Printf("\n[%s] %s\n", ev.Role, ev.Text)
	case engine.EventTypeActivity:
		if u.interactive {
			fmt.Fprintf(os.Stderr, "· %s\n", ev.Line)
		}
	case engine.EventTypeArtifact:
		fmt.Fprintf(os.Stderr, "· saved %s (%s)\n", ev.ArtifactID, ev.MimeType)
	case engine.EventTypeApprovalRequired:
		fmt.Printf("\nThe model wants to perform a flagged action: %s\n", describeApproval(ev.Approval))
		fmt.Println("Type /approve to allow it or /deny to reject it.")
	case engine.EventTypeTurnDone:
		fmt.Println()
	case engine.EventTypeTurnCanceled:
		fmt.Println("\n(cancelled)")
	}
}

func describeApproval(req *engine.SafetyApprovalRequest) string {
	if req == nil {
		return "unknown action"
	}
	parts := make([]string, 0, len(req.Checks)+1)
	parts = append(parts, req.Action.Type)
	for _, check := range req.Checks {
		if msg := strings.TrimSpace(check.Message); msg != "" {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}

func registerBuiltins(registry *funcs.Registry) {
	_ = registry.Register(funcs.Def{
		Name:        "current_time",
		Description: "Returns the current local date and time.",
		Source:      "builtin",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return time.Now().Format(time.RFC1123), nil
	})
}

// registerManifest declares manifest functions to the model. Entries without a
// local implementation still register; their execution fails and the failure
// text is delivered to the model as the call output.
func registerManifest(registry *funcs.Registry, specs []config.FunctionSpec) error {
	for _, spec := range specs {
		schema, err := spec.SchemaJSON()
		if err != nil {
			return err
		}
		name := spec.Name
		source := strings.TrimSpace(spec.Source)
		if source == "" {
			source = "manifest"
		}
		err = registry.Register(funcs.Def{
			Name:        name,
			Description: spec.Description,
			Source:      source,
			Priority:    spec.Priority,
			InputSchema: schema,
		}, func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("function %s has no local implementation", name)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
