package v0_2

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
)

type requestOptionsImpl struct {
	base
}

func (i *requestOptionsImpl) Constructor(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = i.add(&manager_http.RequestOptions{})
}

// getter 返回读取 option<duration> 的处理函数，参数为 (self, retptr)。
func (i *requestOptionsImpl) getter(kind manager_http.TimeoutKind) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		var v *uint64
		if o, ok := lookup[*manager_http.RequestOptions](i.base, stack[0]); ok {
			if d := o.Timeout(kind); d != nil {
				ns := uint64(d.Nanoseconds())
				v = &ns
			}
		}
		if err := i.h.Memory(ctx, mod).PutOptionU64(api.DecodeU32(stack[1]), v); err != nil {
			i.h.Fault("request-options", err)
		}
	}
}

// setter 的参数为 (self, option-tag, nanoseconds)，返回 result<_, _>。
func (i *requestOptionsImpl) setter(kind manager_http.TimeoutKind) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		o, ok := lookup[*manager_http.RequestOptions](i.base, stack[0])
		if !ok {
			stack[0] = 1
			return
		}
		var d *time.Duration
		if api.DecodeU32(stack[1]) != 0 {
			v := time.Duration(stack[2])
			if v < 0 {
				stack[0] = 1
				return
			}
			d = &v
		}
		o.SetTimeout(kind, d)
		stack[0] = 0
	}
}
