package v0_2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/internal/wasmtest"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

func TestCLI(t *testing.T) {
	ctx, mod := wasmtest.Guest(t)
	var stderr bytes.Buffer
	h := wasip2.NewHost(wasip2.WithStderr(&stderr))
	e := witgo.NewExporter(nil)
	for _, impl := range []wasip2.Implementation{NewStderr(), NewTerminalOutput(), NewTerminalStderr()} {
		impl.Export(h, "0.2.0", e)
	}

	fn, ok := e.Lookup("get-stderr")
	require.True(t, ok)
	handle := fn.Invoke(ctx, mod)[0]
	out, ok := resource.GetAs[manager_io.OutputStreamResource](h.Table(), int32(api.DecodeU32(handle)))
	require.True(t, ok)
	require.NoError(t, out.Write([]byte("boom")))
	assert.Equal(t, "boom", stderr.String())

	mem := witgo.NewMemory(ctx, mod)
	require.NoError(t, mem.PutU8(128, 1))
	fn, ok = e.Lookup("get-terminal-stderr")
	require.True(t, ok)
	fn.Invoke(ctx, mod, 128)
	tag, err := mem.U8(128)
	require.NoError(t, err)
	assert.Zero(t, tag)
}
