package v0_2

import (
	"errors"

	"github.com/tetratelabs/wazero/api"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const i32, i64 = witgo.I32, witgo.I64

// error-code 的最大载荷是 8 字节对齐的 option<u64> 与 24 字节的记录，
// 整个 variant 占 32 字节，载荷位于偏移 8。
var errorCodeLayout = witgo.TypeLayout{Size: 32, Alignment: 8}

// errorCodeInternal 是 error-code.internal-error(option<string>)。
// 传输错误统一折叠到这一个分支。
const errorCodeInternal = 38

var (
	unitLayout = witgo.TypeLayout{}
	// result<own<T>>, result<own<T>, header-error>
	_, handleResultPayload = witgo.SumLayout(witgo.LayoutHandle, witgo.LayoutU8)
	// result<_, header-error>
	_, headerErrorPayload = witgo.SumLayout(witgo.LayoutU8)
	// result<X, error-code>
	_, errorCodeResultPayload = witgo.SumLayout(errorCodeLayout)
	// option<scheme>: scheme 是 {tag, string}
	schemeLayout, _ = witgo.SumLayout(witgo.LayoutString)
	_, optionSchemePayload = witgo.SumLayout(schemeLayout)
)

var errInvalidRequestHandle = errors.New("invalid outgoing-request handle")

// base 汇集每个资源实现共用的句柄与内存辅助函数。
type base struct {
	h *wasip2.Host
}

func (b base) table() *resource.Table { return b.h.Table() }

func (b base) add(r resource.Resource) uint64 {
	return api.EncodeU32(uint32(b.h.Table().Add(r)))
}

func handleOf(v uint64) resource.Handle { return int32(api.DecodeU32(v)) }

func lookup[T resource.Resource](b base, v uint64) (T, bool) {
	return resource.GetAs[T](b.h.Table(), handleOf(v))
}

// take 用于 own<T> 参数：资源的所有权从 guest 转移到宿主。
func take[T resource.Resource](b base, v uint64) (T, bool) {
	return resource.RemoveAs[T](b.h.Table(), handleOf(v))
}

func headerErrorCode(err error) uint8 {
	switch {
	case errors.Is(err, manager_http.ErrForbidden):
		return 1
	case errors.Is(err, manager_http.ErrImmutable):
		return 2
	default:
		return 0
	}
}

// putErrorCode writes error-code.internal-error(some(message)) at at.
func putErrorCode(mem *witgo.Memory, at uint32, err error) error {
	if err := mem.PutU8(at, errorCodeInternal); err != nil {
		return err
	}
	msg := err.Error()
	return mem.PutOptionString(at+8, &msg)
}

// putHandleResult writes result<own<T>> (unit error) at at.
func putHandleResult(mem *witgo.Memory, at uint32, h uint64, ok bool) error {
	if !ok {
		return mem.PutResultTag(at, true)
	}
	return mem.PutResultHandle(at, int32(api.DecodeU32(h)), unitLayout)
}

// putOptionScheme writes option<scheme>.
func putOptionScheme(mem *witgo.Memory, at uint32, scheme *string) error {
	if scheme == nil {
		return mem.PutU8(at, 0)
	}
	if err := mem.PutU8(at, 1); err != nil {
		return err
	}
	at += optionSchemePayload
	tag, other := toWasiScheme(*scheme)
	if err := mem.PutU8(at, tag); err != nil {
		return err
	}
	if tag != schemeOther {
		return nil
	}
	_, payload := witgo.SumLayout(witgo.LayoutString)
	return mem.PutString(at+payload, other)
}

// putMethod writes the method variant.
func putMethod(mem *witgo.Memory, at uint32, method string) error {
	tag, other := toWasiMethod(method)
	if err := mem.PutU8(at, tag); err != nil {
		return err
	}
	if tag != methodOther {
		return nil
	}
	_, payload := witgo.SumLayout(witgo.LayoutString)
	return mem.PutString(at+payload, other)
}

// optionString lifts a flattened option<string> parameter.
func optionString(mem *witgo.Memory, disc, ptr, n uint64) (*string, error) {
	if api.DecodeU32(disc) == 0 {
		return nil, nil
	}
	s, err := mem.String(api.DecodeU32(ptr), api.DecodeU32(n))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
