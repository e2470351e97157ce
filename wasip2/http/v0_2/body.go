package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

type outgoingBodyImpl struct {
	base
}

// Write 返回 body 的 output-stream，只能获取一次。
func (i *outgoingBodyImpl) Write(ctx context.Context, mod api.Module, stack []uint64) {
	var (
		handle uint64
		ok     bool
	)
	if b, found := lookup[*manager_http.OutgoingBody](i.base, stack[0]); found {
		if out, err := b.Write(); err == nil {
			handle, ok = i.add(manager_io.OutputStreamResource{OutputStream: out}), true
		}
	}
	if err := putHandleResult(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), handle, ok); err != nil {
		i.h.Fault("outgoing-body.write", err)
	}
}

// Finish 实现 [static]outgoing-body.finish(this, option<own<trailers>>)，
// 返回 result<_, error-code>。
func (i *outgoingBodyImpl) Finish(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[3])

	var trailers *manager_http.Fields
	if api.DecodeU32(stack[1]) != 0 {
		trailers, _ = take[*manager_http.Fields](i.base, stack[2])
	}
	err := manager_http.ErrBodyFinished
	if b, ok := take[*manager_http.OutgoingBody](i.base, stack[0]); ok {
		err = b.Finish(trailers)
	}

	var werr error
	if err == nil {
		werr = mem.PutResultTag(retptr, false)
	} else if werr = mem.PutResultTag(retptr, true); werr == nil {
		werr = putErrorCode(mem, retptr+errorCodeResultPayload, err)
	}
	if werr != nil {
		i.h.Fault("outgoing-body.finish", werr)
	}
}

type incomingBodyImpl struct {
	base
}

func (i *incomingBodyImpl) Stream(ctx context.Context, mod api.Module, stack []uint64) {
	var (
		handle uint64
		ok     bool
	)
	if b, found := lookup[*manager_http.IncomingBody](i.base, stack[0]); found {
		if in, err := b.Stream(); err == nil {
			handle, ok = i.add(manager_io.InputStreamResource{InputStream: in}), true
		}
	}
	if err := putHandleResult(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), handle, ok); err != nil {
		i.h.Fault("incoming-body.stream", err)
	}
}

// Finish 消耗 incoming-body，返回 future-trailers。
func (i *incomingBodyImpl) Finish(_ context.Context, _ api.Module, stack []uint64) {
	b, ok := take[*manager_http.IncomingBody](i.base, stack[0])
	if !ok {
		b = manager_http.NewIncomingBody(manager_io.NewBufferFrom(nil))
	}
	stack[0] = i.add(b.Finish())
}

type futureTrailersImpl struct {
	base
}

func (i *futureTrailersImpl) Subscribe(_ context.Context, _ api.Module, stack []uint64) {
	var p manager_io.IPollable = manager_io.NewReadyPollable()
	if f, ok := lookup[*manager_http.FutureTrailers](i.base, stack[0]); ok {
		p = f.Subscribe()
	}
	stack[0] = i.add(manager_io.Pollable{IPollable: p})
}

// Get 写入 option<result<result<option<own<trailers>>, error-code>>>。
func (i *futureTrailersImpl) Get(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[1])

	f, ok := lookup[*manager_http.FutureTrailers](i.base, stack[0])
	if !ok {
		if err := mem.PutU8(retptr, 0); err != nil {
			i.h.Fault("future-trailers.get", err)
		}
		return
	}
	trailers, ready, err := f.Get()
	werr := putFutureResult(mem, retptr, ready, err, func(at uint32) error {
		if trailers == nil {
			return mem.PutU8(at, 0)
		}
		handle := f.TrailersHandle(func() int32 {
			return handleOf(i.add(trailers))
		})
		if err := mem.PutU8(at, 1); err != nil {
			return err
		}
		_, payload := witgo.OptionLayout(witgo.LayoutHandle)
		return mem.PutU32(at+payload, uint32(handle))
	})
	if werr != nil {
		i.h.Fault("future-trailers.get", werr)
	}
}

// putFutureResult 写入两种 future 共用的
// option<result<result<T, error-code>, _>> 结构。ok 负责写入 T。
func putFutureResult(mem *witgo.Memory, at uint32, ready bool, failure error, ok func(at uint32) error) error {
	if !ready {
		return mem.PutU8(at, 0)
	}
	if err := mem.PutU8(at, 1); err != nil {
		return err
	}
	// option 载荷 @8；外层 result 恒为 ok，内层 result @8，载荷再偏移 8。
	outer := at + errorCodeResultPayload
	if err := mem.PutResultTag(outer, false); err != nil {
		return err
	}
	inner := outer + errorCodeResultPayload
	if failure != nil {
		if err := mem.PutResultTag(inner, true); err != nil {
			return err
		}
		return putErrorCode(mem, inner+errorCodeResultPayload, failure)
	}
	if err := mem.PutResultTag(inner, false); err != nil {
		return err
	}
	return ok(inner + errorCodeResultPayload)
}
