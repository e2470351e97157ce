package wasi_io

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	v0_2 "github.com/OpenListTeam/wazero-agenthost/wasip2/io/v0_2"
)

// Module 返回一个启用 wasi:io (error, poll, streams) 的模块选项。
func Module() wasip2.ModuleOption {
	return func(h *wasip2.Host) {
		h.AddImplementation(v0_2.NewError())
		h.AddImplementation(v0_2.NewPoll())
		h.AddImplementation(v0_2.NewStreams())
	}
}
