package wasi_sockets

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	v0_2 "github.com/OpenListTeam/wazero-agenthost/wasip2/sockets/v0_2"
)

// Module 返回一个配置好的 wasi:sockets 模块选项。
// 宿主不提供原始套接字，只导出析构函数，保证导入能被解析。
func Module() wasip2.ModuleOption {
	return func(h *wasip2.Host) {
		h.AddImplementation(v0_2.NewTCP())
		h.AddImplementation(v0_2.NewUDP())
	}
}
