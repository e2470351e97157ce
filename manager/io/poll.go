package io

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
)

// DefaultBlockTimeout bounds every wait the guest can trigger on network
// work: pollable.block, poll and blocking stream reads.
const DefaultBlockTimeout = 30 * time.Second

type IPollable interface {
	// IsReady 以非阻塞方式检查是否就绪。
	IsReady() bool
	// Channel is closed once the pollable is ready. Pollables whose state can
	// go back to not-ready return a fresh channel on each call.
	Channel() <-chan struct{}
	// Close releases whatever backs the pollable, e.g. a timer.
	Close()
}

// TimeoutHandler is implemented by pollables that turn an expired block into
// an explicit error instead of staying pending.
type TimeoutHandler interface {
	OnBlockTimeout()
}

// Pollable is how an IPollable is stored in the resource table.
type Pollable struct {
	IPollable
}

func (Pollable) Kind() resource.Kind { return resource.KindPollable }

func (p Pollable) Close() error {
	p.IPollable.Close()
	return nil
}

// ChannelPollable is a one-shot ready signal.
type ChannelPollable struct {
	mu        sync.Mutex
	readyChan chan struct{}
	cancel    func()
}

func NewPollable(cancel func()) *ChannelPollable {
	return &ChannelPollable{readyChan: make(chan struct{}), cancel: cancel}
}

// NewReadyPollable 创建一个已经就绪的 pollable。
func NewReadyPollable() *ChannelPollable {
	ch := make(chan struct{})
	close(ch)
	return &ChannelPollable{readyChan: ch}
}

// NewTimerPollable becomes ready after d.
func NewTimerPollable(d time.Duration) *ChannelPollable {
	p := &ChannelPollable{readyChan: make(chan struct{})}
	if d <= 0 {
		close(p.readyChan)
		return p
	}
	timer := time.AfterFunc(d, p.SetReady)
	p.cancel = func() { timer.Stop() }
	return p
}

func (p *ChannelPollable) IsReady() bool {
	select {
	case <-p.Channel():
		return true
	default:
		return false
	}
}

// SetReady 幂等地将状态设置为就绪。
func (p *ChannelPollable) SetReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.readyChan:
	default:
		close(p.readyChan)
	}
}

// Reset makes a ready pollable pending again.
func (p *ChannelPollable) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.readyChan:
		p.readyChan = make(chan struct{})
	default:
	}
}

func (p *ChannelPollable) Channel() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyChan
}

func (p *ChannelPollable) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}

// FuncPollable derives readiness from a channel factory, for state that
// changes repeatedly such as a growing body buffer.
type FuncPollable struct {
	Wait      func() <-chan struct{}
	OnTimeout func()
}

func (p *FuncPollable) IsReady() bool {
	select {
	case <-p.Wait():
		return true
	default:
		return false
	}
}

func (p *FuncPollable) Channel() <-chan struct{} { return p.Wait() }

func (p *FuncPollable) Close() {}

func (p *FuncPollable) OnBlockTimeout() {
	if p.OnTimeout != nil {
		p.OnTimeout()
	}
}

// Block waits until p is ready, ctx is done or timeout elapses. It reports
// whether p became ready. On timeout a TimeoutHandler gets to resolve itself.
func Block(ctx context.Context, p IPollable, timeout time.Duration) bool {
	if p.IsReady() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.Channel():
		return true
	case <-timer.C:
		if h, ok := p.(TimeoutHandler); ok {
			h.OnBlockTimeout()
		}
		return p.IsReady()
	case <-ctx.Done():
		return false
	}
}

// Poll returns the indexes of ready pollables, waiting for at least one to
// become ready. After timeout it returns whatever is ready, possibly nothing.
func Poll(ctx context.Context, ps []IPollable, timeout time.Duration) []uint32 {
	if ready := readyIndexes(ps); len(ready) > 0 {
		return ready
	}
	if len(ps) == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// 使用 reflect.Select 同时等待多个 channel
	cases := make([]reflect.SelectCase, 0, len(ps)+2)
	for _, p := range ps {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.Channel())})
	}
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
	)
	chosen, _, _ := reflect.Select(cases)
	if chosen == len(ps) {
		for _, p := range ps {
			if h, ok := p.(TimeoutHandler); ok {
				h.OnBlockTimeout()
			}
		}
	}
	return readyIndexes(ps)
}

func readyIndexes(ps []IPollable) []uint32 {
	var ready []uint32
	for i, p := range ps {
		if p.IsReady() {
			ready = append(ready, uint32(i))
		}
	}
	return ready
}
