package wasi_random

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	v0_2 "github.com/OpenListTeam/wazero-agenthost/wasip2/random/v0_2"
)

// Module 返回一个配置好的 wasi:random 模块选项。
func Module() wasip2.ModuleOption {
	return func(h *wasip2.Host) {
		h.AddImplementation(v0_2.NewRandom())
		h.AddImplementation(v0_2.NewInsecure())
		h.AddImplementation(v0_2.NewInsecureSeed())
	}
}
