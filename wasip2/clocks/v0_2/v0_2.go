package v0_2

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const i32, i64 = witgo.I32, witgo.I64

// --- wasi:clocks/monotonic-clock implementation ---

type wasiMonotonicClock struct{}

func NewMonotonicClock() wasip2.Implementation { return &wasiMonotonicClock{} }

func (i *wasiMonotonicClock) Name() string       { return "wasi:clocks/monotonic-clock" }
func (i *wasiMonotonicClock) Versions() []string { return wasip2.Versions }

func (i *wasiMonotonicClock) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newMonotonicClockImpl(h)
	e.Export("now", handler.Now, nil, witgo.Params(i64))
	e.Export("resolution", handler.Resolution, nil, witgo.Params(i64))
	e.Export("subscribe-instant", handler.SubscribeInstant, witgo.Params(i64), witgo.Params(i32))
	e.Export("subscribe-duration", handler.SubscribeDuration, witgo.Params(i64), witgo.Params(i32))
}

// --- wasi:clocks/wall-clock implementation ---

type wasiWallClock struct{}

func NewWallClock() wasip2.Implementation { return &wasiWallClock{} }

func (i *wasiWallClock) Name() string       { return "wasi:clocks/wall-clock" }
func (i *wasiWallClock) Versions() []string { return wasip2.Versions }

func (i *wasiWallClock) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newWallClockImpl(h)
	e.Export("now", handler.Now, witgo.Params(i32), nil)
	e.Export("resolution", handler.Resolution, witgo.Params(i32), nil)
}
