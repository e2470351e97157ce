package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

type futureIncomingResponseImpl struct {
	base
}

// Subscribe 返回的 pollable 在 block 超时时会让 future 以超时错误结束。
func (i *futureIncomingResponseImpl) Subscribe(_ context.Context, _ api.Module, stack []uint64) {
	var p manager_io.IPollable = manager_io.NewReadyPollable()
	if f, ok := lookup[*manager_http.FutureIncomingResponse](i.base, stack[0]); ok {
		p = f.Subscribe()
	}
	stack[0] = i.add(manager_io.Pollable{IPollable: p})
}

// Get is non-destructive: once resolved, every call reports the same
// incoming-response handle or the same error.
func (i *futureIncomingResponseImpl) Get(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[1])

	f, ok := lookup[*manager_http.FutureIncomingResponse](i.base, stack[0])
	if !ok {
		if err := mem.PutU8(retptr, 0); err != nil {
			i.h.Fault("future-incoming-response.get", err)
		}
		return
	}
	_, ready, err := f.Result()
	werr := putFutureResult(mem, retptr, ready, err, func(at uint32) error {
		handle := f.ResponseHandle(func(r *manager_http.IncomingResponse) int32 {
			return handleOf(i.add(r))
		})
		return mem.PutU32(at, uint32(handle))
	})
	if werr != nil {
		i.h.Fault("future-incoming-response.get", werr)
	}
}

type outgoingHandlerImpl struct {
	base
}

// Handle 实现 wasi:http/outgoing-handler.handle。扁平参数为
// (request, options-tag, options, retptr)，结果为 result<own<future-incoming-response>, error-code>。
// 请求在后台 goroutine 中执行，这里立即返回 future 句柄。
func (i *outgoingHandlerImpl) Handle(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[3])

	var opts *manager_http.RequestOptions
	if api.DecodeU32(stack[1]) != 0 {
		opts, _ = take[*manager_http.RequestOptions](i.base, stack[2])
	}

	var (
		future *manager_http.FutureIncomingResponse
		err    error
	)
	req, ok := take[*manager_http.OutgoingRequest](i.base, stack[0])
	if !ok {
		err = errInvalidRequestHandle
	} else {
		future, err = i.h.HTTPClient().Dispatch(req, opts)
	}

	var werr error
	if err != nil {
		i.h.Logger().Debug("outgoing request rejected", zap.Error(err))
		if werr = mem.PutResultTag(retptr, true); werr == nil {
			werr = putErrorCode(mem, retptr+errorCodeResultPayload, err)
		}
	} else if werr = mem.PutResultTag(retptr, false); werr == nil {
		werr = mem.PutU32(retptr+errorCodeResultPayload, uint32(handleOf(i.add(future))))
	}
	if werr != nil {
		i.h.Fault("outgoing-handler.handle", werr)
	}
}

// HTTPErrorCode 实现 http-error-code(borrow<error>) -> option<error-code>。
func (i *outgoingHandlerImpl) HTTPErrorCode(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[1])

	e, ok := lookup[*manager_io.ErrorResource](i.base, stack[0])
	var err error
	if !ok || e.Err == nil {
		err = mem.PutU8(retptr, 0)
	} else if err = mem.PutU8(retptr, 1); err == nil {
		_, payload := witgo.OptionLayout(errorCodeLayout)
		err = putErrorCode(mem, retptr+payload, e.Err)
	}
	if err != nil {
		i.h.Fault("http-error-code", err)
	}
}
