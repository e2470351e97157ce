package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
)

type errorImpl struct {
	h *wasip2.Host
}

func newErrorImpl(h *wasip2.Host) *errorImpl {
	return &errorImpl{h: h}
}

// ToDebugString 实现 [method]error.to-debug-string。
func (i *errorImpl) ToDebugString(ctx context.Context, mod api.Module, stack []uint64) {
	msg := "invalid error handle"
	if e, ok := resource.GetAs[*manager_io.ErrorResource](i.h.Table(), int32(api.DecodeU32(stack[0]))); ok {
		msg = e.DebugString()
	}
	if err := i.h.Memory(ctx, mod).PutString(api.DecodeU32(stack[1]), msg); err != nil {
		i.h.Fault("error.to-debug-string", err)
	}
}
