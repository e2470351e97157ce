package v0_2

import (
	"context"
	"encoding/binary"
	"io"
	"math/rand/v2"

	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/wasip2"
)

// maxRandomBytes 限制单次调用可请求的字节数。
const maxRandomBytes = 1 << 20

type randomImpl struct {
	h *wasip2.Host
}

func newRandomImpl(h *wasip2.Host) *randomImpl {
	return &randomImpl{h: h}
}

// GetRandomBytes 从宿主的安全随机源读取字节。
func (i *randomImpl) GetRandomBytes(ctx context.Context, mod api.Module, stack []uint64) {
	b := make([]byte, min(stack[0], maxRandomBytes))
	if _, err := io.ReadFull(i.h.Random(), b); err != nil {
		i.h.Fault("get-random-bytes", err)
	}
	if err := i.h.Memory(ctx, mod).PutByteList(api.DecodeU32(stack[1]), b); err != nil {
		i.h.Fault("get-random-bytes", err)
	}
}

func (i *randomImpl) GetRandomU64(_ context.Context, _ api.Module, stack []uint64) {
	var b [8]byte
	if _, err := io.ReadFull(i.h.Random(), b[:]); err != nil {
		i.h.Fault("get-random-u64", err)
	}
	stack[0] = binary.LittleEndian.Uint64(b[:])
}

type insecureImpl struct {
	h *wasip2.Host
}

func newInsecureImpl(h *wasip2.Host) *insecureImpl {
	return &insecureImpl{h: h}
}

func (i *insecureImpl) GetInsecureRandomBytes(ctx context.Context, mod api.Module, stack []uint64) {
	b := make([]byte, min(stack[0], maxRandomBytes))
	for n := 0; n < len(b); n += 8 {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], rand.Uint64())
		copy(b[n:], word[:])
	}
	if err := i.h.Memory(ctx, mod).PutByteList(api.DecodeU32(stack[1]), b); err != nil {
		i.h.Fault("get-insecure-random-bytes", err)
	}
}

func (i *insecureImpl) GetInsecureRandomU64(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = rand.Uint64()
}

type insecureSeedImpl struct {
	h *wasip2.Host
}

func newInsecureSeedImpl(h *wasip2.Host) *insecureSeedImpl {
	return &insecureSeedImpl{h: h}
}

// InsecureSeed 返回 tuple<u64, u64>，写入 retptr。
func (i *insecureSeedImpl) InsecureSeed(ctx context.Context, mod api.Module, stack []uint64) {
	mem := i.h.Memory(ctx, mod)
	at := api.DecodeU32(stack[0])
	err := mem.PutU64(at, rand.Uint64())
	if err == nil {
		err = mem.PutU64(at+8, rand.Uint64())
	}
	if err != nil {
		i.h.Fault("insecure-seed", err)
	}
}
