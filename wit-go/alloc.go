package witgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// ReallocExport is the allocator every guest toolchain we target exports.
const ReallocExport = "cabi_realloc"

var ErrNoAllocator = errors.New("guest does not export " + ReallocExport)

// GuestAllocator hands out guest memory through the guest's own allocator.
// The host never carves out guest memory any other way.
type GuestAllocator struct {
	realloc api.Function
}

// NewGuestAllocator finds `cabi_realloc` on module.
func NewGuestAllocator(module api.Module) (*GuestAllocator, error) {
	fn := module.ExportedFunction(ReallocExport)
	if fn == nil {
		return nil, ErrNoAllocator
	}
	return &GuestAllocator{realloc: fn}, nil
}

// Allocate reserves size bytes aligned to align.
func (a *GuestAllocator) Allocate(ctx context.Context, size, align uint32) (uint32, error) {
	// (old_ptr=0, old_size=0, align, new_size) is a fresh allocation.
	results, err := a.realloc.Call(ctx, 0, 0, uint64(align), uint64(size))
	if err != nil {
		return 0, fmt.Errorf("cabi_realloc(%d, %d) failed: %w", size, align, err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("cabi_realloc returned %d values", len(results))
	}
	ptr := uint32(results[0])
	if ptr == 0 && size != 0 {
		return 0, fmt.Errorf("cabi_realloc(%d, %d) returned null", size, align)
	}
	return ptr, nil
}
