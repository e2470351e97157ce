package v0_2

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const i32, i64 = witgo.I32, witgo.I64

// --- wasi:random/random implementation ---

type wasiRandom struct{}

func NewRandom() wasip2.Implementation { return &wasiRandom{} }

func (i *wasiRandom) Name() string       { return "wasi:random/random" }
func (i *wasiRandom) Versions() []string { return wasip2.Versions }

func (i *wasiRandom) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newRandomImpl(h)
	e.Export("get-random-bytes", handler.GetRandomBytes, witgo.Params(i64, i32), nil)
	e.Export("get-random-u64", handler.GetRandomU64, nil, witgo.Params(i64))
}

// --- wasi:random/insecure implementation ---

type wasiInsecure struct{}

func NewInsecure() wasip2.Implementation { return &wasiInsecure{} }

func (i *wasiInsecure) Name() string       { return "wasi:random/insecure" }
func (i *wasiInsecure) Versions() []string { return wasip2.Versions }

func (i *wasiInsecure) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newInsecureImpl(h)
	e.Export("get-insecure-random-bytes", handler.GetInsecureRandomBytes, witgo.Params(i64, i32), nil)
	e.Export("get-insecure-random-u64", handler.GetInsecureRandomU64, nil, witgo.Params(i64))
}

// --- wasi:random/insecure-seed implementation ---

type wasiInsecureSeed struct{}

func NewInsecureSeed() wasip2.Implementation { return &wasiInsecureSeed{} }

func (i *wasiInsecureSeed) Name() string       { return "wasi:random/insecure-seed" }
func (i *wasiInsecureSeed) Versions() []string { return wasip2.Versions }

func (i *wasiInsecureSeed) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newInsecureSeedImpl(h)
	e.Export("insecure-seed", handler.InsecureSeed, witgo.Params(i32), nil)
}
