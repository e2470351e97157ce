package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// datetime 记录：seconds u64 @0，nanoseconds u32 @8
var datetimeLayout = witgo.NewRecordLayout(
	witgo.Field("seconds", witgo.LayoutU64),
	witgo.Field("nanoseconds", witgo.LayoutU32),
)

type wallClockImpl struct {
	h *wasip2.Host
}

func newWallClockImpl(h *wasip2.Host) *wallClockImpl {
	return &wallClockImpl{h: h}
}

func (i *wallClockImpl) put(ctx context.Context, mod api.Module, at uint32, seconds uint64, nanos uint32) {
	err := witgo.NewRecordWriter(i.h.Memory(ctx, mod), datetimeLayout).
		U64("seconds", seconds).
		U32("nanoseconds", nanos).
		CommitAt(at)
	if err != nil {
		i.h.Fault("wall-clock", err)
	}
}

// Now returns the current wall-clock time.
func (i *wallClockImpl) Now(ctx context.Context, mod api.Module, stack []uint64) {
	now := i.h.Now()
	i.put(ctx, mod, api.DecodeU32(stack[0]), uint64(now.Unix()), uint32(now.Nanosecond()))
}

// Resolution returns the resolution of the wall-clock.
func (i *wallClockImpl) Resolution(ctx context.Context, mod api.Module, stack []uint64) {
	i.put(ctx, mod, api.DecodeU32(stack[0]), 0, 1)
}
