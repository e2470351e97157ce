package v0_2

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
)

type incomingResponseImpl struct {
	base
}

func (i *incomingResponseImpl) Status(_ context.Context, _ api.Module, stack []uint64) {
	status := 0
	if r, ok := lookup[*manager_http.IncomingResponse](i.base, stack[0]); ok {
		status = r.Status
	}
	stack[0] = api.EncodeU32(uint32(status))
}

func (i *incomingResponseImpl) Headers(_ context.Context, _ api.Module, stack []uint64) {
	headers := manager_http.NewFields()
	if r, ok := lookup[*manager_http.IncomingResponse](i.base, stack[0]); ok {
		headers = r.Headers
	}
	stack[0] = i.add(headers)
}

// Consume 只能成功一次，body 之后由 incoming-body 句柄持有。
func (i *incomingResponseImpl) Consume(ctx context.Context, mod api.Module, stack []uint64) {
	var (
		handle uint64
		ok     bool
	)
	if r, found := lookup[*manager_http.IncomingResponse](i.base, stack[0]); found {
		if body, err := r.Consume(); err == nil {
			handle, ok = i.add(body), true
		}
	}
	if err := putHandleResult(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), handle, ok); err != nil {
		i.h.Fault("incoming-response.consume", err)
	}
}

type outgoingResponseImpl struct {
	base
}

func (i *outgoingResponseImpl) Constructor(_ context.Context, _ api.Module, stack []uint64) {
	headers, ok := take[*manager_http.Fields](i.base, stack[0])
	if !ok {
		headers = manager_http.NewFields()
	}
	stack[0] = i.add(manager_http.NewOutgoingResponse(headers))
}

func (i *outgoingResponseImpl) StatusCode(_ context.Context, _ api.Module, stack []uint64) {
	status := 0
	if r, ok := lookup[*manager_http.OutgoingResponse](i.base, stack[0]); ok {
		status = r.Status()
	}
	stack[0] = api.EncodeU32(uint32(status))
}

func (i *outgoingResponseImpl) SetStatusCode(_ context.Context, _ api.Module, stack []uint64) {
	r, ok := lookup[*manager_http.OutgoingResponse](i.base, stack[0])
	if !ok || r.SetStatus(int(uint16(stack[1]))) != nil {
		stack[0] = 1
		return
	}
	stack[0] = 0
}

func (i *outgoingResponseImpl) Headers(_ context.Context, _ api.Module, stack []uint64) {
	headers := manager_http.NewFields()
	if r, ok := lookup[*manager_http.OutgoingResponse](i.base, stack[0]); ok {
		headers = r.Headers
	}
	stack[0] = i.add(headers)
}

func (i *outgoingResponseImpl) Body(ctx context.Context, mod api.Module, stack []uint64) {
	var (
		handle uint64
		ok     bool
	)
	if r, found := lookup[*manager_http.OutgoingResponse](i.base, stack[0]); found {
		if body, err := r.Body(); err == nil {
			handle, ok = i.add(body), true
		}
	}
	if err := putHandleResult(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), handle, ok); err != nil {
		i.h.Fault("outgoing-response.body", err)
	}
}

type responseOutparamImpl struct {
	base
}

// Set 实现 [static]response-outparam.set。扁平参数为
// (param, result-tag, handle 或 error-code 标签, error-code 载荷...)。
func (i *responseOutparamImpl) Set(_ context.Context, _ api.Module, stack []uint64) {
	param, ok := take[*manager_http.ResponseOutparam](i.base, stack[0])
	if !ok {
		return
	}
	if api.DecodeU32(stack[1]) != 0 {
		param.Set(nil, fmt.Errorf("guest returned error-code %d", api.DecodeU32(stack[2])))
		return
	}
	resp, ok := take[*manager_http.OutgoingResponse](i.base, stack[2])
	if !ok {
		param.Set(nil, fmt.Errorf("invalid outgoing-response handle %d", handleOf(stack[2])))
		return
	}
	param.Set(resp, nil)
}
