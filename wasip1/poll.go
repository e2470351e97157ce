package wasip1

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/manager/filesystem"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const (
	subscriptionSize = 48
	eventSize        = 32

	eventTypeClock   uint8 = 0
	eventTypeFDRead  uint8 = 1
	eventTypeFDWrite uint8 = 2

	subscriptionClockAbstime uint16 = 1
)

type subscription struct {
	userdata uint64
	tag      uint8
	clockID  uint32
	timeout  uint64
	flags    uint16
}

// pollOneoff supports clock subscriptions, which is what sleep compiles to.
// fd subscriptions are reported ready at once: sandbox files never block.
func (m *Module) pollOneoff(ctx context.Context, mem *witgo.Memory, stack []uint64) error {
	in, out := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	n := api.DecodeU32(stack[2])
	if n == 0 {
		return filesystem.ErrnoInval
	}
	raw, err := mem.Bytes(in, n*subscriptionSize)
	if err != nil {
		return err
	}

	subs := make([]subscription, n)
	delays := make([]time.Duration, n)
	wait := time.Duration(-1)
	for i := range subs {
		b := raw[i*subscriptionSize:]
		s := subscription{
			userdata: binary.LittleEndian.Uint64(b[0:]),
			tag:      b[8],
			clockID:  binary.LittleEndian.Uint32(b[16:]),
			timeout:  binary.LittleEndian.Uint64(b[24:]),
			flags:    binary.LittleEndian.Uint16(b[40:]),
		}
		subs[i] = s
		d := time.Duration(0)
		if s.tag == eventTypeClock {
			d = m.clockDelay(s)
		}
		delays[i] = d
		if wait < 0 || d < wait {
			wait = d
		}
	}

	started := m.now()
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return filesystem.ErrnoIntr
		}
	}

	var events []byte
	var ev [eventSize]byte
	elapsed := max(m.now().Sub(started), wait)
	for i, s := range subs {
		if s.tag == eventTypeClock && delays[i] > elapsed {
			continue
		}
		clear(ev[:])
		binary.LittleEndian.PutUint64(ev[0:], s.userdata)
		ev[10] = s.tag
		if s.tag != eventTypeClock && s.tag != eventTypeFDRead && s.tag != eventTypeFDWrite {
			binary.LittleEndian.PutUint16(ev[8:], uint16(filesystem.ErrnoInval))
		}
		events = append(events, ev[:]...)
	}
	if err := mem.PutBytes(out, events); err != nil {
		return err
	}
	return mem.PutU32(api.DecodeU32(stack[3]), uint32(len(events)/eventSize))
}

// clockDelay is how long until s fires, zero or less when already due.
func (m *Module) clockDelay(s subscription) time.Duration {
	if s.flags&subscriptionClockAbstime == 0 {
		return time.Duration(s.timeout)
	}
	now := m.now()
	if s.clockID == clockRealtime {
		return time.Duration(int64(s.timeout) - now.UnixNano())
	}
	return time.Duration(int64(s.timeout) - now.Sub(m.start).Nanoseconds())
}
