package v0_2

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
)

// Monotonic clock zero value, initialized at package load time.
var programStart = time.Now()

type monotonicClockImpl struct {
	h *wasip2.Host
}

func newMonotonicClockImpl(h *wasip2.Host) *monotonicClockImpl {
	return &monotonicClockImpl{h: h}
}

func (i *monotonicClockImpl) instant() uint64 {
	return uint64(time.Since(programStart).Nanoseconds())
}

// Now returns the current time from the monotonic clock in nanoseconds.
func (i *monotonicClockImpl) Now(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = i.instant()
}

// Go 的时间精度为 1 纳秒。
func (i *monotonicClockImpl) Resolution(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = 1
}

func (i *monotonicClockImpl) subscribe(d time.Duration) uint64 {
	p := manager_io.NewTimerPollable(d)
	return api.EncodeU32(uint32(i.h.Table().Add(manager_io.Pollable{IPollable: p})))
}

// SubscribeInstant creates a pollable that resolves at a specific instant.
func (i *monotonicClockImpl) SubscribeInstant(_ context.Context, _ api.Module, stack []uint64) {
	when, now := stack[0], i.instant()
	var d time.Duration
	if when > now {
		d = time.Duration(when - now)
	}
	stack[0] = i.subscribe(d)
}

// SubscribeDuration creates a pollable that resolves after a duration.
func (i *monotonicClockImpl) SubscribeDuration(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = i.subscribe(time.Duration(stack[0]))
}
