package v0_2

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// --- wasi:sockets/tcp ---

type wasiTCP struct{}

func NewTCP() wasip2.Implementation { return &wasiTCP{} }

func (i *wasiTCP) Name() string       { return "wasi:sockets/tcp" }
func (i *wasiTCP) Versions() []string { return wasip2.Versions }

func (i *wasiTCP) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	e.Export("[resource-drop]tcp-socket", h.Drop(), witgo.Params(witgo.I32), nil)
}

// --- wasi:sockets/udp ---

type wasiUDP struct{}

func NewUDP() wasip2.Implementation { return &wasiUDP{} }

func (i *wasiUDP) Name() string       { return "wasi:sockets/udp" }
func (i *wasiUDP) Versions() []string { return wasip2.Versions }

func (i *wasiUDP) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	e.Export("[resource-drop]udp-socket", h.Drop(), witgo.Params(witgo.I32), nil)
	e.Export("[resource-drop]incoming-datagram-stream", h.Drop(), witgo.Params(witgo.I32), nil)
	e.Export("[resource-drop]outgoing-datagram-stream", h.Drop(), witgo.Params(witgo.I32), nil)
}
