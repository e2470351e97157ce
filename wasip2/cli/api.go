package wasi_cli

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	v0_2 "github.com/OpenListTeam/wazero-agenthost/wasip2/cli/v0_2"
)

// Module 返回一个配置好的 wasi:cli 模块选项 (stderr 与终端接口)。
func Module() wasip2.ModuleOption {
	return func(h *wasip2.Host) {
		h.AddImplementation(v0_2.NewStderr())
		h.AddImplementation(v0_2.NewTerminalOutput())
		h.AddImplementation(v0_2.NewTerminalStderr())
	}
}
