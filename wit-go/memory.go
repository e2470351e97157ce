package witgo

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
)

var (
	ErrOutOfBounds = errors.New("guest memory access out of bounds")
	ErrNoMemory    = errors.New("guest does not export memory")
	ErrInvalidUTF8 = errors.New("string is not valid utf-8")
)

// Memory is the accessor every handler uses to touch guest linear memory.
// It is bound to one call: the context is the one wazero handed the host
// function and the allocator is resolved lazily from the calling module.
type Memory struct {
	ctx    context.Context
	module api.Module
	mem    api.Memory
	alloc  *GuestAllocator
}

// NewMemory binds an accessor to the module that made the current call.
func NewMemory(ctx context.Context, module api.Module) *Memory {
	return &Memory{ctx: ctx, module: module, mem: module.Memory()}
}

func (m *Memory) Context() context.Context { return m.ctx }

func (m *Memory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

func (m *Memory) fault(kind string, ptr, n uint32) error {
	if m.mem == nil {
		return ErrNoMemory
	}
	return fmt.Errorf("%w: %s of %d bytes at %d (memory size %d)", ErrOutOfBounds, kind, n, ptr, m.mem.Size())
}

func (m *Memory) U8(ptr uint32) (uint8, error) {
	if m.mem == nil {
		return 0, ErrNoMemory
	}
	v, ok := m.mem.ReadByte(ptr)
	if !ok {
		return 0, m.fault("read", ptr, 1)
	}
	return v, nil
}

func (m *Memory) U16(ptr uint32) (uint16, error) {
	if m.mem == nil {
		return 0, ErrNoMemory
	}
	v, ok := m.mem.ReadUint16Le(ptr)
	if !ok {
		return 0, m.fault("read", ptr, 2)
	}
	return v, nil
}

func (m *Memory) U32(ptr uint32) (uint32, error) {
	if m.mem == nil {
		return 0, ErrNoMemory
	}
	v, ok := m.mem.ReadUint32Le(ptr)
	if !ok {
		return 0, m.fault("read", ptr, 4)
	}
	return v, nil
}

func (m *Memory) U64(ptr uint32) (uint64, error) {
	if m.mem == nil {
		return 0, ErrNoMemory
	}
	v, ok := m.mem.ReadUint64Le(ptr)
	if !ok {
		return 0, m.fault("read", ptr, 8)
	}
	return v, nil
}

// Bytes copies n bytes out of guest memory.
func (m *Memory) Bytes(ptr, n uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, ErrNoMemory
	}
	if n == 0 {
		return []byte{}, nil
	}
	view, ok := m.mem.Read(ptr, n)
	if !ok {
		return nil, m.fault("read", ptr, n)
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

// View returns a slice aliasing guest memory. It is only valid until the
// guest next runs or grows its memory.
func (m *Memory) View(ptr, n uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, ErrNoMemory
	}
	view, ok := m.mem.Read(ptr, n)
	if !ok {
		return nil, m.fault("read", ptr, n)
	}
	return view, nil
}

// String reads a (ptr, len) utf-8 string.
func (m *Memory) String(ptr, n uint32) (string, error) {
	b, err := m.Bytes(ptr, n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w at %d", ErrInvalidUTF8, ptr)
	}
	return string(b), nil
}

func (m *Memory) PutU8(ptr uint32, v uint8) error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if !m.mem.WriteByte(ptr, v) {
		return m.fault("write", ptr, 1)
	}
	return nil
}

func (m *Memory) PutBool(ptr uint32, v bool) error {
	if v {
		return m.PutU8(ptr, 1)
	}
	return m.PutU8(ptr, 0)
}

func (m *Memory) PutU16(ptr uint32, v uint16) error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if !m.mem.WriteUint16Le(ptr, v) {
		return m.fault("write", ptr, 2)
	}
	return nil
}

func (m *Memory) PutU32(ptr uint32, v uint32) error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if !m.mem.WriteUint32Le(ptr, v) {
		return m.fault("write", ptr, 4)
	}
	return nil
}

func (m *Memory) PutU64(ptr uint32, v uint64) error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if !m.mem.WriteUint64Le(ptr, v) {
		return m.fault("write", ptr, 8)
	}
	return nil
}

func (m *Memory) PutBytes(ptr uint32, b []byte) error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if len(b) == 0 {
		return nil
	}
	if !m.mem.Write(ptr, b) {
		return m.fault("write", ptr, uint32(len(b)))
	}
	return nil
}

// Alloc reserves guest memory through cabi_realloc.
func (m *Memory) Alloc(size, align uint32) (uint32, error) {
	if m.alloc == nil {
		a, err := NewGuestAllocator(m.module)
		if err != nil {
			return 0, err
		}
		m.alloc = a
	}
	return m.alloc.Allocate(m.ctx, size, align)
}
