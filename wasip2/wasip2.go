// Package wasip2 hosts the WASI 0.2.x interfaces. Each interface package
// provides an Implementation; the Host registers it once per supported
// version because guests built by different toolchains import different
// snapshots.
package wasip2

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// Versions 是宿主注册的 WASI 0.2 快照版本。
var Versions = []string{"0.2.0", "0.2.4", "0.2.9"}

// Implementation 是所有 WASI 接口实现必须满足的接口。
type Implementation interface {
	// Name 返回接口名，例如 "wasi:io/poll"。
	Name() string
	// Versions lists the snapshots this implementation is registered under.
	Versions() []string
	// Export adds the handlers for one version to e.
	Export(h *Host, version string, e *witgo.Exporter)
}

// Host is the per-guest context shared by every WASI 0.2 handler.
type Host struct {
	table        *resource.Table
	client       *manager_http.Client
	logger       *zap.Logger
	stderr       io.Writer
	random       io.Reader
	now          func() time.Time
	blockTimeout time.Duration

	implementations []Implementation
}

// ModuleOption configures a Host; interface packages use it to add their
// implementations.
type ModuleOption func(*Host)

func WithLogger(l *zap.Logger) ModuleOption {
	return func(h *Host) { h.logger = l }
}

func WithStderr(w io.Writer) ModuleOption {
	return func(h *Host) { h.stderr = w }
}

func WithRandom(r io.Reader) ModuleOption {
	return func(h *Host) { h.random = r }
}

func WithClock(now func() time.Time) ModuleOption {
	return func(h *Host) { h.now = now }
}

// WithBlockTimeout bounds pollable.block and poll.
func WithBlockTimeout(d time.Duration) ModuleOption {
	return func(h *Host) { h.blockTimeout = d }
}

func WithHTTPClient(c *manager_http.Client) ModuleOption {
	return func(h *Host) { h.client = c }
}

// WithTable shares a resource table, e.g. with a component that
// synthesizes incoming requests.
func WithTable(t *resource.Table) ModuleOption {
	return func(h *Host) { h.table = t }
}

func NewHost(opts ...ModuleOption) *Host {
	h := &Host{
		logger:       zap.NewNop(),
		stderr:       io.Discard,
		random:       rand.Reader,
		now:          time.Now,
		blockTimeout: manager_io.DefaultBlockTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.table == nil {
		h.table = resource.NewTable()
	}
	if h.client == nil {
		h.client = manager_http.NewClient(manager_http.WithLogger(h.logger))
	}
	return h
}

func (h *Host) AddImplementation(impl Implementation) {
	h.implementations = append(h.implementations, impl)
}

func (h *Host) Implementations() []Implementation { return h.implementations }

// Instantiate 为每个实现的每个版本实例化一个独立的 host module。
func (h *Host) Instantiate(ctx context.Context, r wazero.Runtime) error {
	for _, impl := range h.implementations {
		for _, version := range impl.Versions() {
			moduleName := impl.Name() + "@" + version
			builder := r.NewHostModuleBuilder(moduleName)
			impl.Export(h, version, witgo.NewExporter(builder))
			if _, err := builder.Instantiate(ctx); err != nil {
				return fmt.Errorf("instantiate %s: %w", moduleName, err)
			}
		}
	}
	return nil
}

func (h *Host) Table() *resource.Table           { return h.table }
func (h *Host) HTTPClient() *manager_http.Client { return h.client }
func (h *Host) Logger() *zap.Logger              { return h.logger }
func (h *Host) Stderr() io.Writer                { return h.stderr }
func (h *Host) Random() io.Reader                { return h.random }
func (h *Host) Now() time.Time                   { return h.now() }
func (h *Host) BlockTimeout() time.Duration      { return h.blockTimeout }

// Memory binds a guest memory accessor to the calling module.
func (h *Host) Memory(ctx context.Context, mod api.Module) *witgo.Memory {
	return witgo.NewMemory(ctx, mod)
}

// Fault logs a guest memory failure. Handlers then return their generic
// failure value instead of trapping.
func (h *Host) Fault(fn string, err error) {
	h.logger.Warn("guest abi failure", zap.String("func", fn), zap.Error(err))
}

// Drop returns a resource-drop handler. Unknown handles are ignored.
func (h *Host) Drop() api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		r, ok := h.table.Remove(int32(api.DecodeU32(stack[0])))
		if !ok {
			return
		}
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				h.logger.Debug("close dropped resource", zap.Stringer("kind", r.Kind()), zap.Error(err))
			}
		}
	}
}

// Close drops every remaining resource and aborts in-flight requests.
func (h *Host) Close() error {
	return errors.Join(h.table.Close(), h.client.Close())
}
