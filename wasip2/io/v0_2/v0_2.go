package v0_2

import (
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const i32, i64 = witgo.I32, witgo.I64

// --- wasi:io/error implementation ---

type wasiError struct{}

func NewError() wasip2.Implementation { return &wasiError{} }

func (i *wasiError) Name() string       { return "wasi:io/error" }
func (i *wasiError) Versions() []string { return wasip2.Versions }

func (i *wasiError) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newErrorImpl(h)
	e.Export("[resource-drop]error", h.Drop(), witgo.Params(i32), nil)
	e.Export("[method]error.to-debug-string", handler.ToDebugString, witgo.Params(i32, i32), nil)
}

// --- wasi:io/poll implementation ---

type wasiPoll struct{}

func NewPoll() wasip2.Implementation { return &wasiPoll{} }

func (i *wasiPoll) Name() string       { return "wasi:io/poll" }
func (i *wasiPoll) Versions() []string { return wasip2.Versions }

func (i *wasiPoll) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newPollImpl(h)
	e.Export("[resource-drop]pollable", h.Drop(), witgo.Params(i32), nil)
	e.Export("[method]pollable.ready", handler.Ready, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]pollable.block", handler.Block, witgo.Params(i32), nil)
	e.Export("poll", handler.Poll, witgo.Params(i32, i32, i32), nil)
}

// --- wasi:io/streams implementation ---

type wasiStreams struct{}

func NewStreams() wasip2.Implementation { return &wasiStreams{} }

func (i *wasiStreams) Name() string       { return "wasi:io/streams" }
func (i *wasiStreams) Versions() []string { return wasip2.Versions }

func (i *wasiStreams) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := newStreamsImpl(h)

	// 导出资源析构函数
	e.Export("[resource-drop]input-stream", h.Drop(), witgo.Params(i32), nil)
	e.Export("[resource-drop]output-stream", h.Drop(), witgo.Params(i32), nil)

	// 导出 input-stream 的方法
	e.Export("[method]input-stream.read", handler.Read, witgo.Params(i32, i64, i32), nil)
	e.Export("[method]input-stream.blocking-read", handler.BlockingRead, witgo.Params(i32, i64, i32), nil)
	e.Export("[method]input-stream.skip", handler.Skip, witgo.Params(i32, i64, i32), nil)
	e.Export("[method]input-stream.blocking-skip", handler.BlockingSkip, witgo.Params(i32, i64, i32), nil)
	e.Export("[method]input-stream.subscribe", handler.SubscribeInput, witgo.Params(i32), witgo.Params(i32))

	// 导出 output-stream 的方法
	e.Export("[method]output-stream.check-write", handler.CheckWrite, witgo.Params(i32, i32), nil)
	e.Export("[method]output-stream.write", handler.Write, witgo.Params(i32, i32, i32, i32), nil)
	e.Export("[method]output-stream.blocking-write-and-flush", handler.Write, witgo.Params(i32, i32, i32, i32), nil)
	e.Export("[method]output-stream.flush", handler.Flush, witgo.Params(i32, i32), nil)
	e.Export("[method]output-stream.blocking-flush", handler.Flush, witgo.Params(i32, i32), nil)
	e.Export("[method]output-stream.write-zeroes", handler.WriteZeroes, witgo.Params(i32, i64, i32), nil)
	e.Export("[method]output-stream.blocking-write-zeroes-and-flush", handler.WriteZeroes, witgo.Params(i32, i64, i32), nil)
	e.Export("[method]output-stream.splice", handler.Splice, witgo.Params(i32, i32, i64, i32), nil)
	e.Export("[method]output-stream.blocking-splice", handler.BlockingSplice, witgo.Params(i32, i32, i64, i32), nil)
	e.Export("[method]output-stream.subscribe", handler.SubscribeOutput, witgo.Params(i32), witgo.Params(i32))
}
