package witgo

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
)

// Params is shorthand for a flat core signature.
func Params(types ...api.ValueType) []api.ValueType { return types }

// HostFunc is a host import in its flattened core-wasm form. The handler
// reads its parameters from stack and writes results back into it.
type HostFunc struct {
	Name    string
	Fn      api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// Exporter collects hand-written host functions for one host module and
// forwards them to a wazero builder. With a nil builder it only records
// them, which is how handlers are exercised without a runtime.
type Exporter struct {
	builder wazero.HostModuleBuilder
	funcs   map[string]HostFunc
}

func NewExporter(builder wazero.HostModuleBuilder) *Exporter {
	return &Exporter{builder: builder, funcs: make(map[string]HostFunc)}
}

// Export registers fn under name with the given flat signature.
func (e *Exporter) Export(name string, fn api.GoModuleFunc, params, results []api.ValueType) *Exporter {
	e.funcs[name] = HostFunc{Name: name, Fn: fn, Params: params, Results: results}
	if e.builder != nil {
		e.builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, params, results).
			WithName(name).
			Export(name)
	}
	return e
}

// Lookup returns a registered function.
func (e *Exporter) Lookup(name string) (HostFunc, bool) {
	f, ok := e.funcs[name]
	return f, ok
}

// Names lists the registered functions in sorted order.
func (e *Exporter) Names() []string {
	names := make([]string, 0, len(e.funcs))
	for n := range e.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke calls a recorded host function as if the guest module mod had
// imported and called it.
func (f HostFunc) Invoke(ctx context.Context, mod api.Module, params ...uint64) []uint64 {
	stack := make([]uint64, max(len(f.Params), len(f.Results)))
	copy(stack, params)
	f.Fn.Call(ctx, mod, stack)
	return stack[:len(f.Results)]
}
