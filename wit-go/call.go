package witgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

var ErrExportNotFound = errors.New("guest export not found")

// PostReturnPrefix names the cleanup export paired with each export that
// returns through memory.
const PostReturnPrefix = "cabi_post_"

// Caller invokes guest exports. Export names are resolved with an optional
// interface prefix first ("pkg:iface/agent@0.2.9#send") and then bare.
type Caller struct {
	module api.Module
	prefix string
}

func NewCaller(module api.Module, prefix string) *Caller {
	return &Caller{module: module, prefix: prefix}
}

func (c *Caller) Module() api.Module { return c.module }

// Resolve returns the export name actually present in the guest.
func (c *Caller) Resolve(name string) (string, api.Function, bool) {
	if c.prefix != "" {
		full := c.prefix + "#" + name
		if fn := c.module.ExportedFunction(full); fn != nil {
			return full, fn, true
		}
	}
	if fn := c.module.ExportedFunction(name); fn != nil {
		return name, fn, true
	}
	return "", nil, false
}

func (c *Caller) Has(name string) bool {
	_, _, ok := c.Resolve(name)
	return ok
}

// Call invokes name and returns its flat results.
func (c *Caller) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	full, fn, ok := c.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("guest %s: %w", full, err)
	}
	return results, nil
}

// CallWithResult invokes an export that returns a pointer into guest
// memory, hands the pointer to read, and then calls the export's
// cabi_post_* cleanup, if the guest has one, once read is done.
func (c *Caller) CallWithResult(ctx context.Context, name string, read func(mem *Memory, ptr uint32) error, params ...uint64) error {
	full, fn, ok := c.Resolve(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExportNotFound, name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return fmt.Errorf("guest %s: %w", full, err)
	}
	if len(results) != 1 {
		return fmt.Errorf("guest %s returned %d values, want a result pointer", full, len(results))
	}
	ptr := uint32(results[0])
	readErr := read(NewMemory(ctx, c.module), ptr)

	if post := c.module.ExportedFunction(PostReturnPrefix + full); post != nil {
		if _, err := post.Call(ctx, results[0]); err != nil && readErr == nil {
			return fmt.Errorf("guest %s%s: %w", PostReturnPrefix, full, err)
		}
	}
	return readErr
}
