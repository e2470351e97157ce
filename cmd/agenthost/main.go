// Command agenthost loads an agent guest module, starts the local bridge and
// talks to the agent from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/OpenListTeam/wazero-agenthost/agent"
	"github.com/OpenListTeam/wazero-agenthost/bridge"
)

func main() {
	var (
		wasmFile = flag.String("wasm", "", "Path to the agent guest module")
		root     = flag.String("root", "", "Directory the guest sees as / (default: a temporary directory)")
		provider = flag.String("provider", "anthropic", "Model provider")
		model    = flag.String("model", "", "Model name")
		apiKey   = flag.String("api-key", os.Getenv("AGENTHOST_API_KEY"), "Provider API key (default $AGENTHOST_API_KEY)")
		baseURL  = flag.String("base-url", "", "Provider base URL")
		preamble = flag.String("preamble", "", "System preamble")
		maxTurns = flag.Uint("max-turns", 0, "Tool turns per message (0: guest default)")
		message  = flag.String("m", "", "Send one message and exit")
		noBridge = flag.Bool("no-bridge", false, "Do not start the local bridge")
		dbPath   = flag.String("db", ":memory:", "Bridge database path")
		hold     = flag.Bool("hold", false, "Answer ask_user on held connections instead of blocking bridge workers")
		version  = flag.String("world", "", "Guest world version (default: detected from imports)")
		verbose  = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	if *wasmFile == "" || *model == "" {
		fmt.Fprintln(os.Stderr, "Usage: agenthost -wasm <agent.wasm> -model <name> [-provider p] [-api-key k] [-m message]")
		os.Exit(2)
	}

	logger := newLogger(*verbose)
	defer func() { _ = logger.Sync() }()

	cfg := agent.Config{Provider: *provider, Model: *model, APIKey: *apiKey}
	if *baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if *preamble != "" {
		cfg.Preamble = preamble
	}
	if *maxTurns > 0 {
		n := uint32(*maxTurns)
		cfg.MaxTurns = &n
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := options{root: *root, version: *version, bridge: !*noBridge, db: *dbPath, hold: *hold}
	if err := run(ctx, logger, *wasmFile, cfg, opts, *message); err != nil {
		logger.Error("agenthost failed", zap.Error(err))
		os.Exit(1)
	}
}

// newLogger writes readable logs to a terminal and JSON otherwise.
func newLogger(verbose bool) *zap.Logger {
	var cfg zap.Config
	if term.IsTerminal(int(os.Stderr.Fd())) {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
	} else {
		cfg = zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

type options struct {
	root    string
	version string
	bridge  bool
	db      string
	hold    bool
}

func run(ctx context.Context, logger *zap.Logger, wasmFile string, cfg agent.Config, o options, message string) error {
	wasm, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read guest: %w", err)
	}

	loadOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithStdout(os.Stdout),
		agent.WithStderr(os.Stderr),
	}
	if o.root != "" {
		loadOpts = append(loadOpts, agent.WithRoot(o.root))
	}
	if o.version != "" {
		loadOpts = append(loadOpts, agent.WithVersion(o.version))
	}

	var srv *bridge.Server
	if o.bridge {
		bcfg := bridge.DefaultConfig()
		bcfg.DBPath = o.db
		bcfg.HoldConnections = o.hold
		srv, err = bridge.New(ctx, bcfg, bridge.WithLogger(logger.Named("bridge")), bridge.WithDevice(&terminalDevice{
			Headless: bridge.Headless{Logger: logger},
			out:      os.Stderr,
		}))
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			if err := srv.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("close bridge", zap.Error(err))
			}
		}()
		logger.Info("bridge listening", zap.String("url", srv.URL()))
		loadOpts = append(loadOpts, agent.WithBridge(srv))
	}

	a, err := agent.Load(ctx, wasm, loadOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close agent", zap.Error(err))
		}
	}()

	h, err := a.Create(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Destroy(context.WithoutCancel(ctx), h) }()

	if message != "" {
		return a.Run(ctx, h, message, printer(os.Stdout, os.Stderr))
	}
	return repl(ctx, a, h, srv, os.Stdin)
}

// repl reads messages line by line. "/answer <id> <text>" is handled as soon
// as it is read so a question can be answered while a turn is running.
func repl(ctx context.Context, a *agent.Agent, h agent.Handle, srv *bridge.Server, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if rest, ok := strings.CutPrefix(line, "/answer "); ok {
				id, answer, _ := strings.Cut(rest, " ")
				if srv == nil || !srv.Resolve(id, answer) {
					fmt.Fprintf(os.Stderr, "no pending question %q\n", id)
				}
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	show := printer(os.Stdout, os.Stderr)
	for {
		fmt.Fprint(os.Stderr, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/clear":
			if err := a.ClearHistory(ctx, h); err != nil {
				return err
			}
			continue
		case "/cancel":
			if err := a.Cancel(ctx, h); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			continue
		case "/history":
			history, err := a.History(ctx, h)
			if err != nil {
				return err
			}
			for _, m := range history {
				fmt.Fprintf(os.Stdout, "%s: %s\n", m.Role, m.Content)
			}
			continue
		}

		err := a.Run(ctx, h, line, show)
		var gerr *agent.GuestError
		switch {
		case err == nil:
		case errors.As(err, &gerr), errors.Is(err, agent.ErrCancelled):
			fmt.Fprintln(os.Stderr, err)
		default:
			return err
		}
	}
}

func printer(out, info io.Writer) func(agent.Event) {
	return func(e agent.Event) {
		switch e := e.(type) {
		case agent.Chunk:
			fmt.Fprint(out, e.Text)
		case agent.Complete:
			fmt.Fprintln(out)
		case agent.ErrorEvent:
			fmt.Fprintln(info, "error:", e.Message)
		case agent.ToolCall:
			fmt.Fprintf(info, "[tool] %s\n", e.Name)
		case agent.ToolResult:
			status := "ok"
			if e.IsError {
				status = "error"
			}
			fmt.Fprintf(info, "[tool] %s %s: %s\n", e.Name, status, e.Output)
		case agent.PlanGenerated:
			fmt.Fprintf(info, "[plan]\n%s\n", e.Plan)
		case agent.TaskStart:
			fmt.Fprintf(info, "[task %s] %s: %s\n", e.ID, e.Name, e.Description)
		case agent.TaskUpdate:
			fmt.Fprintf(info, "[task %s] %s\n", e.ID, e.Status)
		case agent.TaskComplete:
			fmt.Fprintf(info, "[task %s] done success=%t\n", e.ID, e.Success)
		case agent.FileWritten:
			fmt.Fprintf(info, "[file] %s (%d bytes)\n", e.Path, e.Size)
		case agent.ModelLoading:
			fmt.Fprintf(info, "[model] %s %d%%\n", e.Model, e.Percent)
		case agent.AskUser:
			fmt.Fprintf(info, "[ask %s] %s %v\n", e.ID, e.Prompt, e.Options)
		case agent.Progress:
			fmt.Fprintf(info, "[%d/%d] %s\n", e.Step, e.Total, e.Description)
		case agent.Cancelled:
			fmt.Fprintln(info, "[cancelled]")
		}
	}
}

// terminalDevice prints bridge questions; they are answered with /answer.
type terminalDevice struct {
	bridge.Headless
	out io.Writer
}

func (d *terminalDevice) AskUser(_ context.Context, q bridge.Question) {
	if len(q.Options) > 0 {
		fmt.Fprintf(d.out, "\n[ask %s] %s %v\n/answer %s <answer>\n", q.ID, q.Prompt, q.Options, q.ID)
		return
	}
	fmt.Fprintf(d.out, "\n[ask %s] %s\n/answer %s <answer>\n", q.ID, q.Prompt, q.ID)
}
