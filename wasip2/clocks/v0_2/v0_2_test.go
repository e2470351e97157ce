package v0_2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/internal/wasmtest"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

func TestClocks(t *testing.T) {
	ctx, mod := wasmtest.Guest(t)
	mem := witgo.NewMemory(ctx, mod)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 250, time.UTC)
	h := wasip2.NewHost(wasip2.WithClock(func() time.Time { return fixed }))
	t.Cleanup(func() { _ = h.Close() })

	monotonic, wall := witgo.NewExporter(nil), witgo.NewExporter(nil)
	NewMonotonicClock().Export(h, "0.2.4", monotonic)
	NewWallClock().Export(h, "0.2.4", wall)
	call := func(e *witgo.Exporter, name string, params ...uint64) []uint64 {
		fn, ok := e.Lookup(name)
		require.True(t, ok, name)
		return fn.Invoke(ctx, mod, params...)
	}

	t.Run("monotonic", func(t *testing.T) {
		a := call(monotonic, "now")[0]
		b := call(monotonic, "now")[0]
		assert.GreaterOrEqual(t, b, a)
		assert.Equal(t, uint64(1), call(monotonic, "resolution")[0])
	})

	t.Run("subscriptions", func(t *testing.T) {
		past := call(monotonic, "subscribe-instant", 0)[0]
		p, ok := resource.GetAs[manager_io.Pollable](h.Table(), int32(api.DecodeU32(past)))
		require.True(t, ok)
		assert.True(t, p.IsReady())

		soon := call(monotonic, "subscribe-duration", uint64(20*time.Millisecond))[0]
		p, ok = resource.GetAs[manager_io.Pollable](h.Table(), int32(api.DecodeU32(soon)))
		require.True(t, ok)
		assert.False(t, p.IsReady())
		assert.Eventually(t, p.IsReady, time.Second, 5*time.Millisecond)
	})

	t.Run("wall clock", func(t *testing.T) {
		call(wall, "now", 256)
		sec, err := mem.U64(256)
		require.NoError(t, err)
		nanos, err := mem.U32(264)
		require.NoError(t, err)
		assert.Equal(t, uint64(fixed.Unix()), sec)
		assert.Equal(t, uint32(250), nanos)

		call(wall, "resolution", 256)
		nanos, err = mem.U32(264)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), nanos)
	})
}
