package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
)

type pollImpl struct {
	h *wasip2.Host
}

func newPollImpl(h *wasip2.Host) *pollImpl {
	return &pollImpl{h: h}
}

// pollable 对无效句柄返回一个已就绪的 pollable，避免 guest 永久阻塞。
func (i *pollImpl) pollable(handle uint64) manager_io.IPollable {
	p, ok := resource.GetAs[manager_io.Pollable](i.h.Table(), int32(api.DecodeU32(handle)))
	if !ok {
		return manager_io.NewReadyPollable()
	}
	return p.IPollable
}

func (i *pollImpl) Ready(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = boolValue(i.pollable(stack[0]).IsReady())
}

// Block returns after at most the host block timeout. Pollables that can fail
// resolve themselves to an error when the timeout hits.
func (i *pollImpl) Block(ctx context.Context, _ api.Module, stack []uint64) {
	manager_io.Block(ctx, i.pollable(stack[0]), i.h.BlockTimeout())
}

// Poll implements poll(list<borrow<pollable>>) -> list<u32>.
func (i *pollImpl) Poll(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	handles, err := mem.ReadU32s(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		i.h.Fault("poll", err)
	}
	ps := make([]manager_io.IPollable, len(handles))
	for n, handle := range handles {
		ps[n] = i.pollable(uint64(handle))
	}
	ready := manager_io.Poll(ctx, ps, i.h.BlockTimeout())

	ptr, n, err := mem.LowerU32s(ready)
	if err == nil {
		err = mem.PutPair(api.DecodeU32(stack[2]), ptr, n)
	}
	if err != nil {
		i.h.Fault("poll", err)
	}
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
