// Package agent loads an agent guest module and drives its exports: create
// an agent, send it a message and poll the events of the turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/OpenListTeam/wazero-agenthost/bridge"
	"github.com/OpenListTeam/wazero-agenthost/manager/filesystem"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/wasip1"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	wasi_cli "github.com/OpenListTeam/wazero-agenthost/wasip2/cli"
	wasi_clocks "github.com/OpenListTeam/wazero-agenthost/wasip2/clocks"
	wasi_http "github.com/OpenListTeam/wazero-agenthost/wasip2/http"
	wasi_io "github.com/OpenListTeam/wazero-agenthost/wasip2/io"
	wasi_random "github.com/OpenListTeam/wazero-agenthost/wasip2/random"
	wasi_sockets "github.com/OpenListTeam/wazero-agenthost/wasip2/sockets"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported agent world version")
	ErrMissingExport      = errors.New("guest is missing an agent export")
	ErrClosed             = errors.New("agent host is closed")
	ErrCancelled          = errors.New("turn cancelled by the guest")
)

const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultTurnTimeout  = 10 * time.Minute

	// BridgeServerName is the mcp-servers entry added for the local bridge.
	BridgeServerName = "device"
)

// GuestError is the err(string) case of an agent export's result, or the
// error event that ended a turn.
type GuestError struct {
	Op      string
	Message string
}

func (e *GuestError) Error() string { return e.Op + ": " + e.Message }

// Handle identifies an agent created inside the guest.
type Handle uint32

type Role uint8

const (
	RoleUser Role = iota
	RoleAssistant
	RoleSystem
	RoleTool
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	case RoleTool:
		return "tool"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Message is one entry of get-history.
type Message struct {
	Role    Role
	Content string
}

var messageLayout = witgo.NewRecordLayout(
	witgo.Field("role", witgo.LayoutU8),
	witgo.Field("content", witgo.LayoutString),
)

type options struct {
	logger       *zap.Logger
	root         string
	stdout       io.Writer
	stderr       io.Writer
	version      string
	prefix       string
	blockTimeout time.Duration
	pollInterval time.Duration
	turnTimeout  time.Duration
	bridge       *bridge.Server
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithRoot confines the guest filesystem to dir. Without it a temporary
// directory is used and removed by Close.
func WithRoot(dir string) Option { return func(o *options) { o.root = dir } }

func WithStdout(w io.Writer) Option { return func(o *options) { o.stdout = w } }

func WithStderr(w io.Writer) Option { return func(o *options) { o.stderr = w } }

// WithVersion skips detection of the guest's world version.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithExportPrefix names the exported interface, e.g.
// "agenthost:agent/agent@0.2.9". Without it the prefix is taken from the
// export that ends in "#create", or bare names are used.
func WithExportPrefix(p string) Option { return func(o *options) { o.prefix = p } }

// WithBlockTimeout bounds every blocking WASI wait (pollables, streams).
func WithBlockTimeout(d time.Duration) Option { return func(o *options) { o.blockTimeout = d } }

func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithTurnTimeout bounds Run.
func WithTurnTimeout(d time.Duration) Option { return func(o *options) { o.turnTimeout = d } }

// WithBridge connects the guest to a running bridge: the bridge URL is
// offered to the guest as an mcp server and the guest's incoming handler,
// if it has one, serves the bridge's non-RPC paths.
func WithBridge(s *bridge.Server) Option { return func(o *options) { o.bridge = s } }

// Agent is one loaded guest and the host state behind its imports. Guest
// calls are serialized.
type Agent struct {
	opts     options
	logger   *zap.Logger
	version  string
	events   *eventWorld
	tempRoot string
	mounted  bool

	rt     wazero.Runtime
	fs     *filesystem.Sandbox
	host   *wasip2.Host
	guest  api.Module
	caller *witgo.Caller

	mu     sync.Mutex
	closed bool
}

// Load compiles wasm, registers every host module it may import and
// instantiates it.
func Load(ctx context.Context, wasm []byte, opts ...Option) (_ *Agent, err error) {
	o := options{
		logger:       zap.NewNop(),
		stdout:       io.Discard,
		stderr:       io.Discard,
		blockTimeout: manager_io.DefaultBlockTimeout,
		pollInterval: DefaultPollInterval,
		turnTimeout:  DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	a := &Agent{opts: o, logger: o.logger}
	if o.root == "" {
		dir, err := os.MkdirTemp("", "agenthost-*")
		if err != nil {
			return nil, err
		}
		a.tempRoot, a.opts.root = dir, dir
	}

	a.rt = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	compiled, err := a.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile guest: %w", err)
	}
	a.version = o.version
	if a.version == "" {
		a.version = DetectVersion(compiled)
	}
	events, ok := eventWorlds[a.version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, a.version)
	}
	a.events = events

	a.fs, err = filesystem.New(a.opts.root, filesystem.WithLogger(o.logger.Named("fs")))
	if err != nil {
		return nil, err
	}
	p1 := wasip1.New(a.fs,
		wasip1.WithStdout(o.stdout),
		wasip1.WithStderr(o.stderr),
		wasip1.WithLogger(o.logger.Named("wasip1")),
	)
	if err := p1.Instantiate(ctx, a.rt); err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", wasip1.ModuleName, err)
	}

	a.host = wasip2.NewHost(
		wasip2.WithLogger(o.logger.Named("wasip2")),
		wasip2.WithStderr(o.stderr),
		wasip2.WithBlockTimeout(o.blockTimeout),
		wasi_io.Module(),
		wasi_clocks.Module(),
		wasi_random.Module(),
		wasi_cli.Module(),
		wasi_http.Module(),
		wasi_sockets.Module(),
	)
	if err := a.host.Instantiate(ctx, a.rt); err != nil {
		return nil, err
	}

	// reactors built for wasip1 run their constructors from _initialize
	cfg := wazero.NewModuleConfig().WithName("agent").WithStartFunctions("_initialize")
	if a.guest, err = a.rt.InstantiateModule(ctx, compiled, cfg); err != nil {
		return nil, fmt.Errorf("instantiate guest: %w", err)
	}

	prefix := o.prefix
	if prefix == "" {
		prefix = exportPrefix(compiled.ExportedFunctions())
	}
	a.caller = witgo.NewCaller(a.guest, prefix)
	for _, name := range []string{"create", "send", "poll"} {
		if !a.caller.Has(name) {
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
	}

	if o.bridge != nil {
		a.mountBridge()
	}
	a.logger.Info("guest loaded", zap.String("version", a.version), zap.String("exports", prefix))
	return a, nil
}

func (a *Agent) mountBridge() {
	srv, err := wasi_http.NewServer(a.guest, a.host, wasi_http.WithLocker(&a.mu))
	if err != nil {
		a.logger.Debug("bridge forwarding disabled", zap.Error(err))
		return
	}
	a.opts.bridge.Mount(srv)
	a.mounted = true
}

// DetectVersion returns the highest WASI 0.2 version the module imports,
// or the latest supported one when it imports none.
func DetectVersion(m wazero.CompiledModule) string {
	best := -1
	for _, def := range m.ImportedFunctions() {
		module, _, _ := def.Import()
		at := strings.LastIndexByte(module, '@')
		if !strings.HasPrefix(module, "wasi:") || at < 0 {
			continue
		}
		best = max(best, slices.Index(wasip2.Versions, module[at+1:]))
	}
	if best < 0 {
		return wasip2.Versions[len(wasip2.Versions)-1]
	}
	return wasip2.Versions[best]
}

func exportPrefix(exports map[string]api.FunctionDefinition) string {
	for name := range exports {
		if prefix, ok := strings.CutSuffix(name, "#create"); ok && !strings.HasPrefix(prefix, witgo.PostReturnPrefix) {
			return prefix
		}
	}
	return ""
}

func (a *Agent) Version() string              { return a.version }
func (a *Agent) Host() *wasip2.Host           { return a.host }
func (a *Agent) Sandbox() *filesystem.Sandbox { return a.fs }
func (a *Agent) Guest() api.Module            { return a.guest }

// lock serializes guest calls and refuses them after Close.
func (a *Agent) lock() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// readResult lifts the tag of result<T, string> at at. On ok it returns
// where T is stored.
func readResult(mem *witgo.Memory, at uint32, op string, ok ...witgo.TypeLayout) (uint32, error) {
	_, payload := witgo.SumLayout(append(ok, witgo.LayoutString)...)
	tag, err := mem.U8(at)
	if err != nil {
		return 0, err
	}
	switch tag {
	case 0:
		return at + payload, nil
	case 1:
		msg, err := mem.ReadString(at + payload)
		if err != nil {
			return 0, err
		}
		return 0, &GuestError{Op: op, Message: msg}
	default:
		return 0, fmt.Errorf("%w %d for %s result", witgo.ErrUnknownTag, tag, op)
	}
}

// Create validates cfg, lowers it with the guest's config layout and calls
// create. A running bridge is added to the mcp servers.
func (a *Agent) Create(ctx context.Context, cfg Config) (Handle, error) {
	cfg = a.withBridge(cfg)
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if dropped := cfg.dropped(a.version); len(dropped) > 0 {
		a.logger.Warn("config fields unknown to the guest world",
			zap.String("version", a.version), zap.Strings("fields", dropped))
	}
	if err := a.lock(); err != nil {
		return 0, err
	}
	defer a.mu.Unlock()

	ptr, err := lowerConfig(witgo.NewMemory(ctx, a.guest), a.version, &cfg)
	if err != nil {
		return 0, fmt.Errorf("lower agent config: %w", err)
	}
	var h Handle
	err = a.caller.CallWithResult(ctx, "create", func(mem *witgo.Memory, at uint32) error {
		okAt, err := readResult(mem, at, "create", witgo.LayoutU32)
		if err != nil {
			return err
		}
		v, err := mem.U32(okAt)
		h = Handle(v)
		return err
	}, api.EncodeU32(ptr))
	if err != nil {
		return 0, err
	}
	a.logger.Debug("agent created", zap.Uint32("handle", uint32(h)), zap.String("model", cfg.Model))
	return h, nil
}

func (a *Agent) withBridge(cfg Config) Config {
	if a.opts.bridge == nil || a.version != "0.2.9" {
		return cfg
	}
	for _, s := range cfg.MCPServers {
		if s.Name == BridgeServerName {
			return cfg
		}
	}
	cfg.MCPServers = append(slices.Clone(cfg.MCPServers), MCPServer{Name: BridgeServerName, URL: a.opts.bridge.URL() + "/mcp"})
	return cfg
}

// Send starts a turn. Its events are read with Poll.
func (a *Agent) Send(ctx context.Context, h Handle, msg string) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()

	ptr, n, err := witgo.NewMemory(ctx, a.guest).LowerString(msg)
	if err != nil {
		return fmt.Errorf("lower message: %w", err)
	}
	return a.caller.CallWithResult(ctx, "send", func(mem *witgo.Memory, at uint32) error {
		_, err := readResult(mem, at, "send")
		return err
	}, api.EncodeU32(uint32(h)), api.EncodeU32(ptr), api.EncodeU32(n))
}

// Poll returns the next event, or nil when the guest has none. An event
// this host cannot decode is logged and dropped.
func (a *Agent) Poll(ctx context.Context, h Handle) (Event, error) {
	if err := a.lock(); err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	var ev Event
	err := a.caller.CallWithResult(ctx, "poll", func(mem *witgo.Memory, at uint32) error {
		var err error
		ev, err = a.events.decode(mem, at)
		return err
	}, api.EncodeU32(uint32(h)))
	if errors.Is(err, witgo.ErrUnknownTag) {
		a.logger.Warn("dropped guest event", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return nil, nil
	}
	return ev, err
}

// History returns the conversation kept by the guest.
func (a *Agent) History(ctx context.Context, h Handle) ([]Message, error) {
	if err := a.lock(); err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	var out []Message
	err := a.caller.CallWithResult(ctx, "get-history", func(mem *witgo.Memory, at uint32) error {
		ptr, n, err := mem.ReadPair(at)
		if err != nil {
			return err
		}
		out = make([]Message, 0, n)
		for i := range n {
			r := witgo.NewRecordReader(mem, messageLayout, ptr+i*messageLayout.Size)
			m := Message{Role: Role(r.U8("role")), Content: r.String("content")}
			if err := r.Err(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, m)
		}
		return nil
	}, api.EncodeU32(uint32(h)))
	return out, err
}

func (a *Agent) ClearHistory(ctx context.Context, h Handle) error {
	return a.call(ctx, "clear-history", h)
}

// Cancel asks the guest to stop the current turn; a cancelled event
// follows.
func (a *Agent) Cancel(ctx context.Context, h Handle) error {
	return a.call(ctx, "cancel", h)
}

func (a *Agent) Destroy(ctx context.Context, h Handle) error {
	return a.call(ctx, "destroy", h)
}

func (a *Agent) call(ctx context.Context, name string, h Handle) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	if !a.caller.Has(name) {
		return fmt.Errorf("%w: %s", ErrMissingExport, name)
	}
	_, err := a.caller.Call(ctx, name, api.EncodeU32(uint32(h)))
	return err
}

// Run sends msg and polls until the turn ends, passing every event to fn.
// An error event is returned as a *GuestError.
func (a *Agent) Run(ctx context.Context, h Handle, msg string, fn func(Event)) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.turnTimeout)
	defer cancel()
	if err := a.Send(ctx, h, msg); err != nil {
		return err
	}
	for {
		ev, err := a.Poll(ctx, h)
		if err != nil {
			return err
		}
		if ev == nil {
			timer := time.NewTimer(a.opts.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("waiting for agent events: %w", ctx.Err())
			case <-timer.C:
			}
			continue
		}
		if fn != nil {
			fn(ev)
		}
		switch e := ev.(type) {
		case Complete:
			return nil
		case ErrorEvent:
			return &GuestError{Op: "turn", Message: e.Message}
		case Cancelled:
			return ErrCancelled
		}
	}
}

// Close tears down the guest and every resource, open file and runtime
// object that belongs to it.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.mounted {
		a.opts.bridge.Mount(nil)
	}
	var errs []error
	if a.host != nil {
		errs = append(errs, a.host.Close())
	}
	if a.fs != nil {
		errs = append(errs, a.fs.Close())
	}
	errs = append(errs, a.rt.Close(ctx))
	if a.tempRoot != "" {
		errs = append(errs, os.RemoveAll(a.tempRoot))
	}
	return errors.Join(errs...)
}
