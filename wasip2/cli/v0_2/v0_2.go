package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// --- wasi:cli/stderr ---

type wasiStderr struct{}

func NewStderr() wasip2.Implementation { return &wasiStderr{} }

func (i *wasiStderr) Name() string       { return "wasi:cli/stderr" }
func (i *wasiStderr) Versions() []string { return wasip2.Versions }

func (i *wasiStderr) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	e.Export("get-stderr", func(_ context.Context, _ api.Module, stack []uint64) {
		out := manager_io.OutputStreamResource{OutputStream: manager_io.NewWriterOutputStream(h.Stderr())}
		stack[0] = api.EncodeU32(uint32(h.Table().Add(out)))
	}, nil, witgo.Params(witgo.I32))
}

// --- wasi:cli/terminal-output ---

type wasiTerminalOutput struct{}

func NewTerminalOutput() wasip2.Implementation { return &wasiTerminalOutput{} }

func (i *wasiTerminalOutput) Name() string       { return "wasi:cli/terminal-output" }
func (i *wasiTerminalOutput) Versions() []string { return wasip2.Versions }

func (i *wasiTerminalOutput) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	e.Export("[resource-drop]terminal-output", h.Drop(), witgo.Params(witgo.I32), nil)
}

// --- wasi:cli/terminal-stderr ---

type wasiTerminalStderr struct{}

func NewTerminalStderr() wasip2.Implementation { return &wasiTerminalStderr{} }

func (i *wasiTerminalStderr) Name() string       { return "wasi:cli/terminal-stderr" }
func (i *wasiTerminalStderr) Versions() []string { return wasip2.Versions }

// get-terminal-stderr 总是返回 none。
func (i *wasiTerminalStderr) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	e.Export("get-terminal-stderr", func(ctx context.Context, mod api.Module, stack []uint64) {
		if err := h.Memory(ctx, mod).PutU8(api.DecodeU32(stack[0]), 0); err != nil {
			h.Fault("get-terminal-stderr", err)
		}
	}, witgo.Params(witgo.I32), nil)
}
