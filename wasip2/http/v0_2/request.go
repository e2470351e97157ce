package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
)

type outgoingRequestImpl struct {
	base
}

// Constructor 接管 headers 的所有权并将其冻结。
func (i *outgoingRequestImpl) Constructor(_ context.Context, _ api.Module, stack []uint64) {
	headers, ok := take[*manager_http.Fields](i.base, stack[0])
	if !ok {
		headers = manager_http.NewFields()
	}
	stack[0] = i.add(manager_http.NewOutgoingRequest(headers))
}

func (i *outgoingRequestImpl) request(v uint64) (*manager_http.OutgoingRequest, bool) {
	return lookup[*manager_http.OutgoingRequest](i.base, v)
}

func (i *outgoingRequestImpl) Body(ctx context.Context, mod api.Module, stack []uint64) {
	var (
		handle uint64
		ok     bool
	)
	if r, found := i.request(stack[0]); found {
		if body, err := r.Body(); err == nil {
			handle, ok = i.add(body), true
		}
	}
	if err := putHandleResult(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), handle, ok); err != nil {
		i.h.Fault("outgoing-request.body", err)
	}
}

func (i *outgoingRequestImpl) Method(ctx context.Context, mod api.Module, stack []uint64) {
	method := "GET"
	if r, ok := i.request(stack[0]); ok {
		method = r.Target().Method
	}
	if err := putMethod(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), method); err != nil {
		i.h.Fault("outgoing-request.method", err)
	}
}

// SetMethod 的参数为 (self, tag, other.ptr, other.len)，返回 result<_, _>。
func (i *outgoingRequestImpl) SetMethod(ctx context.Context, mod api.Module, stack []uint64) {
	r, ok := i.request(stack[0])
	if !ok {
		stack[0] = 1
		return
	}
	var other string
	tag := uint8(api.DecodeU32(stack[1]))
	if tag == methodOther {
		s, err := i.h.Memory(ctx, mod).String(api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
		if err != nil {
			i.h.Fault("outgoing-request.set-method", err)
			stack[0] = 1
			return
		}
		other = s
	}
	method, ok := fromWasiMethod(tag, other)
	if !ok || r.SetMethod(method) != nil {
		stack[0] = 1
		return
	}
	stack[0] = 0
}

func (i *outgoingRequestImpl) PathWithQuery(ctx context.Context, mod api.Module, stack []uint64) {
	var p *string
	if r, ok := i.request(stack[0]); ok {
		p = r.Target().PathWithQuery
	}
	if err := i.h.Memory(ctx, mod).PutOptionString(api.DecodeU32(stack[1]), p); err != nil {
		i.h.Fault("outgoing-request.path-with-query", err)
	}
}

func (i *outgoingRequestImpl) SetPathWithQuery(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = i.setOptionString(ctx, mod, stack, (*manager_http.OutgoingRequest).SetPathWithQuery)
}

func (i *outgoingRequestImpl) Authority(ctx context.Context, mod api.Module, stack []uint64) {
	var a *string
	if r, ok := i.request(stack[0]); ok {
		a = r.Target().Authority
	}
	if err := i.h.Memory(ctx, mod).PutOptionString(api.DecodeU32(stack[1]), a); err != nil {
		i.h.Fault("outgoing-request.authority", err)
	}
}

func (i *outgoingRequestImpl) SetAuthority(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = i.setOptionString(ctx, mod, stack, (*manager_http.OutgoingRequest).SetAuthority)
}

// setOptionString 处理 (self, disc, ptr, len) 形式的 setter，返回 result<_, _> 的标签。
func (i *outgoingRequestImpl) setOptionString(ctx context.Context, mod api.Module, stack []uint64, set func(*manager_http.OutgoingRequest, *string) error) uint64 {
	r, ok := i.request(stack[0])
	if !ok {
		return 1
	}
	v, err := optionString(i.h.Memory(ctx, mod), stack[1], stack[2], stack[3])
	if err != nil {
		i.h.Fault("outgoing-request", err)
		return 1
	}
	if set(r, v) != nil {
		return 1
	}
	return 0
}

func (i *outgoingRequestImpl) Scheme(ctx context.Context, mod api.Module, stack []uint64) {
	var s *string
	if r, ok := i.request(stack[0]); ok {
		s = r.Target().Scheme
	}
	if err := putOptionScheme(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), s); err != nil {
		i.h.Fault("outgoing-request.scheme", err)
	}
}

// SetScheme 的参数为 (self, option-tag, scheme-tag, other.ptr, other.len)。
func (i *outgoingRequestImpl) SetScheme(ctx context.Context, mod api.Module, stack []uint64) {
	r, ok := i.request(stack[0])
	if !ok {
		stack[0] = 1
		return
	}
	var scheme *string
	if api.DecodeU32(stack[1]) != 0 {
		tag := uint8(api.DecodeU32(stack[2]))
		var other string
		if tag == schemeOther {
			s, err := i.h.Memory(ctx, mod).String(api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
			if err != nil {
				i.h.Fault("outgoing-request.set-scheme", err)
				stack[0] = 1
				return
			}
			other = s
		}
		s, ok := fromWasiScheme(tag, other)
		if !ok {
			stack[0] = 1
			return
		}
		scheme = &s
	}
	if r.SetScheme(scheme) != nil {
		stack[0] = 1
		return
	}
	stack[0] = 0
}

// Headers 返回一个指向请求头的新句柄，请求头此时已不可变。
func (i *outgoingRequestImpl) Headers(_ context.Context, _ api.Module, stack []uint64) {
	headers := manager_http.NewFields()
	if r, ok := i.request(stack[0]); ok {
		headers = r.Headers
	}
	stack[0] = i.add(headers)
}

type incomingRequestImpl struct {
	base
}

func (i *incomingRequestImpl) request(v uint64) *manager_http.IncomingRequest {
	if r, ok := lookup[*manager_http.IncomingRequest](i.base, v); ok {
		return r
	}
	return &manager_http.IncomingRequest{Method: "GET", Headers: manager_http.NewFields()}
}

func (i *incomingRequestImpl) Method(ctx context.Context, mod api.Module, stack []uint64) {
	if err := putMethod(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), i.request(stack[0]).Method); err != nil {
		i.h.Fault("incoming-request.method", err)
	}
}

func (i *incomingRequestImpl) PathWithQuery(ctx context.Context, mod api.Module, stack []uint64) {
	i.putOptionString(ctx, mod, stack, i.request(stack[0]).PathWithQuery)
}

func (i *incomingRequestImpl) Authority(ctx context.Context, mod api.Module, stack []uint64) {
	i.putOptionString(ctx, mod, stack, i.request(stack[0]).Authority)
}

func (i *incomingRequestImpl) putOptionString(ctx context.Context, mod api.Module, stack []uint64, s *string) {
	if err := i.h.Memory(ctx, mod).PutOptionString(api.DecodeU32(stack[1]), s); err != nil {
		i.h.Fault("incoming-request", err)
	}
}

func (i *incomingRequestImpl) Scheme(ctx context.Context, mod api.Module, stack []uint64) {
	if err := putOptionScheme(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), i.request(stack[0]).Scheme); err != nil {
		i.h.Fault("incoming-request.scheme", err)
	}
}

func (i *incomingRequestImpl) Headers(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = i.add(i.request(stack[0]).Headers)
}

func (i *incomingRequestImpl) Consume(ctx context.Context, mod api.Module, stack []uint64) {
	var (
		handle uint64
		ok     bool
	)
	if body, err := i.request(stack[0]).Consume(); err == nil {
		handle, ok = i.add(body), true
	}
	if err := putHandleResult(i.h.Memory(ctx, mod), api.DecodeU32(stack[1]), handle, ok); err != nil {
		i.h.Fault("incoming-request.consume", err)
	}
}
