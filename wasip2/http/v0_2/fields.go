package v0_2

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

type fieldsImpl struct {
	base
}

func (i *fieldsImpl) Constructor(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = i.add(manager_http.NewFields())
}

// putHeaderResult 写入 result<_, header-error>。
func (i *fieldsImpl) putHeaderResult(mem *witgo.Memory, at uint32, err error) {
	var werr error
	if err == nil {
		werr = mem.PutResultTag(at, false)
	} else if werr = mem.PutResultTag(at, true); werr == nil {
		werr = mem.PutU8(at+headerErrorPayload, headerErrorCode(err))
	}
	if werr != nil {
		i.h.Fault("fields", werr)
	}
}

// FromList 实现 [static]fields.from-list。
func (i *fieldsImpl) FromList(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	retptr := api.DecodeU32(stack[2])

	list, err := mem.ReadEntries(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	var f *manager_http.Fields
	if err != nil {
		i.h.Fault("fields.from-list", err)
		err = manager_http.ErrInvalidSyntax
	} else {
		entries := make([]manager_http.Entry, len(list))
		for n, e := range list {
			entries[n] = manager_http.Entry{Name: e.F0, Value: e.F1}
		}
		f, err = manager_http.FieldsFromList(entries)
	}

	var werr error
	if err != nil {
		if werr = mem.PutResultTag(retptr, true); werr == nil {
			werr = mem.PutU8(retptr+handleResultPayload, headerErrorCode(err))
		}
	} else {
		werr = mem.PutResultHandle(retptr, int32(api.DecodeU32(i.add(f))), witgo.LayoutU8)
	}
	if werr != nil {
		i.h.Fault("fields.from-list", werr)
	}
}

func (i *fieldsImpl) name(mem *witgo.Memory, ptr, n uint64) (string, bool) {
	name, err := mem.String(api.DecodeU32(ptr), api.DecodeU32(n))
	if err != nil {
		i.h.Fault("fields", err)
		return "", false
	}
	return name, true
}

func (i *fieldsImpl) Get(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	var values [][]byte
	if f, ok := lookup[*manager_http.Fields](i.base, stack[0]); ok {
		if name, ok := i.name(mem, stack[1], stack[2]); ok {
			values = f.Get(name)
		}
	}
	ptr, n, err := mem.LowerByteLists(values)
	if err == nil {
		err = mem.PutPair(api.DecodeU32(stack[3]), ptr, n)
	}
	if err != nil {
		i.h.Fault("fields.get", err)
	}
}

func (i *fieldsImpl) Has(ctx context.Context, mod api.Module, stack []uint64) {
	has := false
	if f, ok := lookup[*manager_http.Fields](i.base, stack[0]); ok {
		if name, ok := i.name(i.h.Memory(ctx, mod), stack[1], stack[2]); ok {
			has = f.Has(name)
		}
	}
	stack[0] = boolValue(has)
}

func (i *fieldsImpl) Set(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	err := manager_http.ErrInvalidSyntax
	f, ok := lookup[*manager_http.Fields](i.base, stack[0])
	name, okName := i.name(mem, stack[1], stack[2])
	if ok && okName {
		values, rerr := mem.ReadByteLists(api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
		if rerr != nil {
			i.h.Fault("fields.set", rerr)
		} else {
			err = f.Set(name, values)
		}
	}
	i.putHeaderResult(mem, api.DecodeU32(stack[5]), err)
}

func (i *fieldsImpl) Delete(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	err := manager_http.ErrInvalidSyntax
	f, ok := lookup[*manager_http.Fields](i.base, stack[0])
	if name, okName := i.name(mem, stack[1], stack[2]); ok && okName {
		err = f.Delete(name)
	}
	i.putHeaderResult(mem, api.DecodeU32(stack[3]), err)
}

func (i *fieldsImpl) Append(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	err := manager_http.ErrInvalidSyntax
	f, ok := lookup[*manager_http.Fields](i.base, stack[0])
	name, okName := i.name(mem, stack[1], stack[2])
	if ok && okName {
		value, rerr := mem.Bytes(api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
		if rerr != nil {
			i.h.Fault("fields.append", rerr)
		} else {
			err = f.Append(name, value)
		}
	}
	i.putHeaderResult(mem, api.DecodeU32(stack[5]), err)
}

func (i *fieldsImpl) Entries(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	var list []witgo.Tuple[string, []byte]
	if f, ok := lookup[*manager_http.Fields](i.base, stack[0]); ok {
		for _, e := range f.Entries() {
			list = append(list, witgo.Tuple[string, []byte]{F0: e.Name, F1: e.Value})
		}
	}
	ptr, n, err := mem.LowerEntries(list)
	if err == nil {
		err = mem.PutPair(api.DecodeU32(stack[1]), ptr, n)
	}
	if err != nil {
		i.h.Fault("fields.entries", err)
	}
}

// Clone 返回一个可变的副本，即使原 fields 不可变。
func (i *fieldsImpl) Clone(_ context.Context, _ api.Module, stack []uint64) {
	f, ok := lookup[*manager_http.Fields](i.base, stack[0])
	if !ok {
		f = manager_http.NewFields()
	}
	stack[0] = i.add(f.Clone())
}
