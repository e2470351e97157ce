package io

import "github.com/OpenListTeam/wazero-agenthost/manager/resource"

// ErrorResource is wasi:io/error.error.
type ErrorResource struct {
	Err error
}

func (*ErrorResource) Kind() resource.Kind { return resource.KindError }

func (e *ErrorResource) DebugString() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}
