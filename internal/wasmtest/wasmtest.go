// Package wasmtest assembles tiny core wasm modules for tests: one exported
// memory, a bump-pointer cabi_realloc, optional data segments and functions
// with hand-written bodies.
package wasmtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02

	// HeapBase is where cabi_realloc starts handing out memory. Data
	// segments placed below it are never overwritten by allocations.
	HeapBase = 0x8000
)

// Opcodes used by hand-written bodies.
const (
	OpUnreachable = 0x00
	OpEnd         = 0x0b
	OpLocalGet    = 0x20
	OpLocalSet    = 0x21
	OpLocalTee    = 0x22
	OpGlobalGet   = 0x23
	OpGlobalSet   = 0x24
	OpI32Const    = 0x41
	OpI64Const    = 0x42
	OpI32Load     = 0x28
	OpI32Store    = 0x36
	OpI32Add      = 0x6a
	OpI32Sub      = 0x6b
	OpI32Mul      = 0x6c
	OpI32And      = 0x71
	OpCall        = 0x10
	OpDrop        = 0x1a
)

// Func is a module-defined function. Body must end with OpEnd.
type Func struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Locals  []api.ValueType
	Body    []byte
}

type funcImport struct {
	module, name    string
	params, results []api.ValueType
}

type segment struct {
	offset uint32
	data   []byte
}

type Module struct {
	imports []funcImport
	funcs   []Func
	globals []int32
	data    []segment
	pages   uint32
}

// New returns a module with two pages of memory and cabi_realloc.
func New() *Module {
	m := &Module{pages: 2}
	bump := m.Global(HeapBase)
	m.Func(Func{
		Name:    "cabi_realloc",
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
		Locals:  []api.ValueType{api.ValueTypeI32},
		Body: Concat(
			// ptr = (bump + align - 1) & -align
			[]byte{OpGlobalGet, byte(bump), OpLocalGet, 2, OpI32Add},
			I32Const(1), []byte{OpI32Sub},
			I32Const(0), []byte{OpLocalGet, 2, OpI32Sub, OpI32And},
			// bump = ptr + new_size
			[]byte{OpLocalTee, 4, OpLocalGet, 3, OpI32Add, OpGlobalSet, byte(bump)},
			[]byte{OpLocalGet, 4, OpEnd},
		),
	})
	return m
}

// Import adds a function import. Imports must be added before any call to
// FuncIndex is relied upon, since they shift the function index space.
func (m *Module) Import(module, name string, params, results []api.ValueType) uint32 {
	m.imports = append(m.imports, funcImport{module: module, name: name, params: params, results: results})
	return uint32(len(m.imports) - 1)
}

// Global adds a mutable i32 global and returns its index.
func (m *Module) Global(init int32) uint32 {
	m.globals = append(m.globals, init)
	return uint32(len(m.globals) - 1)
}

// Func adds an exported function.
func (m *Module) Func(f Func) *Module {
	m.funcs = append(m.funcs, f)
	return m
}

// Data places b at offset in memory at instantiation.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, segment{offset: offset, data: b})
	return m
}

// Encode produces the module binary.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// one type per import and per function
	var types []byte
	types = appendU32(types, uint32(len(m.imports)+len(m.funcs)))
	for _, imp := range m.imports {
		types = appendFuncType(types, imp.params, imp.results)
	}
	for _, f := range m.funcs {
		types = appendFuncType(types, f.Params, f.Results)
	}
	out = appendSection(out, sectionType, types)

	if len(m.imports) > 0 {
		var imports []byte
		imports = appendU32(imports, uint32(len(m.imports)))
		for i, imp := range m.imports {
			imports = appendName(imports, imp.module)
			imports = appendName(imports, imp.name)
			imports = append(imports, kindFunc)
			imports = appendU32(imports, uint32(i))
		}
		out = appendSection(out, sectionImport, imports)
	}

	var funcs []byte
	funcs = appendU32(funcs, uint32(len(m.funcs)))
	for i := range m.funcs {
		funcs = appendU32(funcs, uint32(len(m.imports)+i))
	}
	out = appendSection(out, sectionFunction, funcs)

	mem := appendU32(nil, 1)
	mem = append(mem, 0x00)
	mem = appendU32(mem, m.pages)
	out = appendSection(out, sectionMemory, mem)

	var globals []byte
	globals = appendU32(globals, uint32(len(m.globals)))
	for _, g := range m.globals {
		globals = append(globals, byte(api.ValueTypeI32), 0x01)
		globals = append(globals, I32Const(g)...)
		globals = append(globals, OpEnd)
	}
	out = appendSection(out, sectionGlobal, globals)

	var exports []byte
	exports = appendU32(exports, uint32(len(m.funcs)+1))
	exports = appendName(exports, "memory")
	exports = append(exports, kindMemory, 0x00)
	for i, f := range m.funcs {
		exports = appendName(exports, f.Name)
		exports = append(exports, kindFunc)
		exports = appendU32(exports, uint32(len(m.imports)+i))
	}
	out = appendSection(out, sectionExport, exports)

	var code []byte
	code = appendU32(code, uint32(len(m.funcs)))
	for _, f := range m.funcs {
		var body []byte
		body = appendU32(body, uint32(len(f.Locals)))
		for _, l := range f.Locals {
			body = appendU32(body, 1)
			body = append(body, byte(l))
		}
		body = append(body, f.Body...)
		code = appendU32(code, uint32(len(body)))
		code = append(code, body...)
	}
	out = appendSection(out, sectionCode, code)

	if len(m.data) > 0 {
		var data []byte
		data = appendU32(data, uint32(len(m.data)))
		for _, s := range m.data {
			data = append(data, 0x00)
			data = append(data, I32Const(int32(s.offset))...)
			data = append(data, OpEnd)
			data = appendU32(data, uint32(len(s.data)))
			data = append(data, s.data...)
		}
		out = appendSection(out, sectionData, data)
	}
	return out
}

// Instantiate compiles and instantiates m in rt under name.
func Instantiate(t testing.TB, ctx context.Context, rt wazero.Runtime, m *Module, name string) api.Module {
	t.Helper()
	compiled, err := rt.CompileModule(ctx, m.Encode())
	require.NoError(t, err)
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	require.NoError(t, err)
	return mod
}

// Guest is the common fixture: a fresh runtime with New() instantiated.
func Guest(t testing.TB) (context.Context, api.Module) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return ctx, Instantiate(t, ctx, rt, New(), "guest")
}

// I32Const encodes `i32.const v`.
func I32Const(v int32) []byte {
	return appendS32([]byte{OpI32Const}, v)
}

// I64Const encodes `i64.const v`.
func I64Const(v int64) []byte {
	return appendS64([]byte{OpI64Const}, v)
}

// I32Load encodes `i32.load offset=off` with 4-byte alignment.
func I32Load(off uint32) []byte {
	return appendU32([]byte{OpI32Load, 2}, off)
}

// I32Store encodes `i32.store offset=off` with 4-byte alignment.
func I32Store(off uint32) []byte {
	return appendU32([]byte{OpI32Store, 2}, off)
}

// Call encodes `call fn`.
func Call(fn uint32) []byte {
	return appendU32([]byte{OpCall}, fn)
}

// ReturnI32 is a body returning the constant v.
func ReturnI32(v int32) []byte {
	return append(I32Const(v), OpEnd)
}

func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(content)))
	return append(out, content...)
}

func appendFuncType(out []byte, params, results []api.ValueType) []byte {
	out = append(out, 0x60)
	out = appendU32(out, uint32(len(params)))
	for _, p := range params {
		out = append(out, byte(p))
	}
	out = appendU32(out, uint32(len(results)))
	for _, r := range results {
		out = append(out, byte(r))
	}
	return out
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func appendS32(out []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
