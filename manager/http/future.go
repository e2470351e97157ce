package http

import (
	"context"
	"errors"
	"sync"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
)

// ErrTimeout resolves a future whose block expired before the response
// arrived.
var ErrTimeout = errors.New("timed out waiting for response")

// FutureIncomingResponse is resolved exactly once, by the transfer goroutine
// or by a block timeout, whichever comes first. After that it can be read
// any number of times.
type FutureIncomingResponse struct {
	ready  *manager_io.ChannelPollable
	cancel context.CancelFunc

	mu       sync.Mutex
	resolved bool
	resp     *IncomingResponse
	err      error
	handle   int32
}

func (*FutureIncomingResponse) Kind() resource.Kind { return resource.KindFutureIncomingResponse }

// NewFutureIncomingResponse creates a pending future. cancel, if not nil,
// aborts the work that would resolve it.
func NewFutureIncomingResponse(cancel context.CancelFunc) *FutureIncomingResponse {
	return &FutureIncomingResponse{ready: manager_io.NewPollable(nil), cancel: cancel}
}

// Resolve stores the outcome and reports whether this call won.
func (f *FutureIncomingResponse) Resolve(resp *IncomingResponse, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.resp, f.err = resp, err
	f.mu.Unlock()
	f.ready.SetReady()
	return true
}

// Result returns the outcome once resolved.
func (f *FutureIncomingResponse) Result() (resp *IncomingResponse, ready bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.resolved, f.err
}

// Subscribe returns a pollable that is ready once the future resolves. A
// block that times out resolves the future with ErrTimeout and cancels the
// request.
func (f *FutureIncomingResponse) Subscribe() manager_io.IPollable {
	return &manager_io.FuncPollable{
		Wait: f.ready.Channel,
		OnTimeout: func() {
			if f.Resolve(nil, ErrTimeout) && f.cancel != nil {
				f.cancel()
			}
		},
	}
}

// ResponseHandle registers the response on first use and returns the same
// handle afterwards, so repeated gets see the same payload.
func (f *FutureIncomingResponse) ResponseHandle(register func(*IncomingResponse) int32) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == 0 && f.resp != nil {
		f.handle = register(f.resp)
	}
	return f.handle
}

// Close aborts the request when the guest drops the future before taking
// the response. A response already handed out keeps streaming until its
// own handle (or its body's) is dropped.
func (f *FutureIncomingResponse) Close() error {
	f.mu.Lock()
	handed := f.handle != 0
	f.mu.Unlock()
	if !handed && f.cancel != nil {
		f.cancel()
	}
	return nil
}
