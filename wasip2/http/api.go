package wasi_http

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	v0_2 "github.com/OpenListTeam/wazero-agenthost/wasip2/http/v0_2"
)

// Module 返回一个配置好的 wasi:http 模块选项 (types 与 outgoing-handler)。
func Module() wasip2.ModuleOption {
	return func(h *wasip2.Host) {
		h.AddImplementation(v0_2.NewTypes())
		h.AddImplementation(v0_2.NewOutgoingHandler())
	}
}
