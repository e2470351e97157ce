package v0_2

import (
	"context"
	"errors"
	"io"

	"github.com/tetratelabs/wazero/api"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// stream-error 的变体标签
const (
	streamErrorLastOperationFailed = 0
	streamErrorClosed              = 1
)

var (
	// stream-error 本身是 variant { own<error>, closed }
	streamErrorLayout, _ = witgo.SumLayout(witgo.LayoutHandle)

	_, listResultPayload = witgo.SumLayout(witgo.LayoutList, streamErrorLayout)
	_, u64ResultPayload  = witgo.SumLayout(witgo.LayoutU64, streamErrorLayout)
	_, unitResultPayload = witgo.SumLayout(streamErrorLayout)
)

type streamsImpl struct {
	h *wasip2.Host
}

func newStreamsImpl(h *wasip2.Host) *streamsImpl {
	return &streamsImpl{h: h}
}

func (i *streamsImpl) input(handle uint64) (manager_io.InputStream, bool) {
	s, ok := resource.GetAs[manager_io.InputStreamResource](i.h.Table(), int32(api.DecodeU32(handle)))
	return s.InputStream, ok
}

func (i *streamsImpl) output(handle uint64) (manager_io.OutputStream, bool) {
	s, ok := resource.GetAs[manager_io.OutputStreamResource](i.h.Table(), int32(api.DecodeU32(handle)))
	return s.OutputStream, ok
}

// putStreamError 在 at 处写入 stream-error。EOF 与关闭都映射为 closed，
// 其余错误登记为 error 资源。
func (i *streamsImpl) putStreamError(mem *witgo.Memory, at uint32, err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, manager_io.ErrStreamClosed) {
		return mem.PutU8(at, streamErrorClosed)
	}
	if err := mem.PutU8(at, streamErrorLastOperationFailed); err != nil {
		return err
	}
	_, payload := witgo.SumLayout(witgo.LayoutHandle)
	handle := i.h.Table().Add(&manager_io.ErrorResource{Err: err})
	return mem.PutU32(at+payload, uint32(handle))
}

// putResult 写入 result<T, stream-error>。ok 为 nil 表示 T 已写好或为空。
func (i *streamsImpl) putResult(mem *witgo.Memory, at, payload uint32, err error, ok func(at uint32) error) error {
	if err != nil {
		if werr := mem.PutResultTag(at, true); werr != nil {
			return werr
		}
		return i.putStreamError(mem, at+payload, err)
	}
	if werr := mem.PutResultTag(at, false); werr != nil {
		return werr
	}
	if ok == nil {
		return nil
	}
	return ok(at + payload)
}

func (i *streamsImpl) read(ctx context.Context, mod api.Module, stack []uint64, blocking bool) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[2])

	var (
		data []byte
		err  = manager_io.ErrStreamClosed
	)
	if s, ok := i.input(stack[0]); ok {
		data, err = s.Read(ctx, stack[1], blocking)
	}
	if werr := i.putResult(mem, retptr, listResultPayload, err, func(at uint32) error {
		return mem.PutByteList(at, data)
	}); werr != nil {
		i.h.Fault("input-stream.read", werr)
	}
}

func (i *streamsImpl) Read(ctx context.Context, mod api.Module, stack []uint64) {
	i.read(ctx, mod, stack, false)
}

func (i *streamsImpl) BlockingRead(ctx context.Context, mod api.Module, stack []uint64) {
	i.read(ctx, mod, stack, true)
}

func (i *streamsImpl) skip(ctx context.Context, mod api.Module, stack []uint64, blocking bool) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[2])

	var (
		skipped uint64
		err     = manager_io.ErrStreamClosed
	)
	if s, ok := i.input(stack[0]); ok {
		var data []byte
		data, err = s.Read(ctx, stack[1], blocking)
		skipped = uint64(len(data))
	}
	if werr := i.putResult(mem, retptr, u64ResultPayload, err, func(at uint32) error {
		return mem.PutU64(at, skipped)
	}); werr != nil {
		i.h.Fault("input-stream.skip", werr)
	}
}

func (i *streamsImpl) Skip(ctx context.Context, mod api.Module, stack []uint64) {
	i.skip(ctx, mod, stack, false)
}

func (i *streamsImpl) BlockingSkip(ctx context.Context, mod api.Module, stack []uint64) {
	i.skip(ctx, mod, stack, true)
}

func (i *streamsImpl) SubscribeInput(_ context.Context, _ api.Module, stack []uint64) {
	var p manager_io.IPollable = manager_io.NewReadyPollable()
	if s, ok := i.input(stack[0]); ok {
		p = s.Subscribe()
	}
	stack[0] = api.EncodeU32(uint32(i.h.Table().Add(manager_io.Pollable{IPollable: p})))
}

func (i *streamsImpl) CheckWrite(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	var (
		budget uint64
		err    = manager_io.ErrStreamClosed
	)
	if s, ok := i.output(stack[0]); ok {
		budget, err = s.CheckWrite()
	}
	if werr := i.putResult(mem, api.DecodeU32(stack[1]), u64ResultPayload, err, func(at uint32) error {
		return mem.PutU64(at, budget)
	}); werr != nil {
		i.h.Fault("output-stream.check-write", werr)
	}
}

// Write serves both write and blocking-write-and-flush: host output streams
// accept every write immediately.
func (i *streamsImpl) Write(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[3])

	data, err := mem.Bytes(api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if err != nil {
		i.h.Fault("output-stream.write", err)
	}
	if err == nil {
		err = manager_io.ErrStreamClosed
		if s, ok := i.output(stack[0]); ok {
			err = s.Write(data)
		}
	}
	if werr := i.putResult(mem, retptr, unitResultPayload, err, nil); werr != nil {
		i.h.Fault("output-stream.write", werr)
	}
}

func (i *streamsImpl) Flush(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	err := manager_io.ErrStreamClosed
	if s, ok := i.output(stack[0]); ok {
		err = s.Flush()
	}
	if werr := i.putResult(mem, api.DecodeU32(stack[1]), unitResultPayload, err, nil); werr != nil {
		i.h.Fault("output-stream.flush", werr)
	}
}

func (i *streamsImpl) WriteZeroes(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	err := manager_io.ErrStreamClosed
	if s, ok := i.output(stack[0]); ok {
		err = s.Write(make([]byte, min(stack[1], manager_io.DefaultWriteBudget)))
	}
	if werr := i.putResult(mem, api.DecodeU32(stack[2]), unitResultPayload, err, nil); werr != nil {
		i.h.Fault("output-stream.write-zeroes", werr)
	}
}

func (i *streamsImpl) splice(ctx context.Context, mod api.Module, stack []uint64, blocking bool) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[3])

	var (
		moved uint64
		err   = manager_io.ErrStreamClosed
	)
	dst, okDst := i.output(stack[0])
	src, okSrc := i.input(stack[1])
	if okDst && okSrc {
		var data []byte
		data, err = src.Read(ctx, stack[2], blocking)
		if err == nil && len(data) > 0 {
			err = dst.Write(data)
		}
		if err == nil {
			moved = uint64(len(data))
		}
	}
	if werr := i.putResult(mem, retptr, u64ResultPayload, err, func(at uint32) error {
		return mem.PutU64(at, moved)
	}); werr != nil {
		i.h.Fault("output-stream.splice", werr)
	}
}

func (i *streamsImpl) Splice(ctx context.Context, mod api.Module, stack []uint64) {
	i.splice(ctx, mod, stack, false)
}

func (i *streamsImpl) BlockingSplice(ctx context.Context, mod api.Module, stack []uint64) {
	i.splice(ctx, mod, stack, true)
}

func (i *streamsImpl) SubscribeOutput(_ context.Context, _ api.Module, stack []uint64) {
	var p manager_io.IPollable = manager_io.NewReadyPollable()
	if s, ok := i.output(stack[0]); ok {
		p = s.Subscribe()
	}
	stack[0] = api.EncodeU32(uint32(i.h.Table().Add(manager_io.Pollable{IPollable: p})))
}
