package io

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	ErrBufferClosed = errors.New("buffer already finished")
	ErrWaitTimeout  = errors.New("timed out waiting for stream data")
	ErrDiscarded    = errors.New("buffer offset already released")
)

// Buffer is a growable byte buffer shared between one producer and any
// number of cursors. Readers track their own offsets. Bytes are kept until
// Release drops them, so a buffer with several readers, or one whose
// reader never releases, grows with everything written. Complete
// distinguishes "no bytes yet" from "finished".
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	base   int64 // offset of data[0]
	done   bool
	err    error
	signal chan struct{}
	doneCh chan struct{}
}

func NewBuffer() *Buffer {
	return &Buffer{signal: make(chan struct{}), doneCh: make(chan struct{})}
}

// NewBufferFrom returns an already finished buffer holding b.
func NewBufferFrom(b []byte) *Buffer {
	buf := NewBuffer()
	buf.data = append([]byte(nil), b...)
	buf.done = true
	close(buf.signal)
	close(buf.doneCh)
	return buf
}

// broadcast wakes every waiter. Must hold mu.
func (b *Buffer) broadcast() {
	close(b.signal)
	if !b.done {
		b.signal = make(chan struct{})
	}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return 0, ErrBufferClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	b.data = append(b.data, p...)
	b.broadcast()
	return len(p), nil
}

// CloseWithError marks the buffer complete. A nil err is a clean end of
// data. Closing twice keeps the first outcome.
func (b *Buffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.err = err
	b.broadcast()
	close(b.doneCh)
}

// Done is closed once the buffer is complete.
func (b *Buffer) Done() <-chan struct{} { return b.doneCh }

// Err returns the producer's error once the buffer is complete.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Buffer) Close() error {
	b.CloseWithError(nil)
	return nil
}

// Len is the number of bytes still held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Written is the total number of bytes written, released ones included.
func (b *Buffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + int64(len(b.data))
}

// Release drops the bytes before off. Later reads below off fail with
// ErrDiscarded.
func (b *Buffer) Release(off int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	drop := min(off-b.base, int64(len(b.data)))
	if drop <= 0 {
		return
	}
	b.data = b.data[drop:]
	if len(b.data) == 0 {
		b.data = nil
	}
	b.base += drop
}

func (b *Buffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Bytes returns a copy of the bytes still held.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// ReadAt copies bytes from off without waiting. When nothing is available
// it returns 0 and nil while the producer is still writing, and io.EOF (or
// the producer's error) once the buffer is complete.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < b.base {
		return 0, ErrDiscarded
	}
	if i := off - b.base; i < int64(len(b.data)) {
		return copy(p, b.data[i:]), nil
	}
	if b.done {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	return 0, nil
}

// Wait returns a channel that is closed once bytes past off exist or the
// buffer is complete.
func (b *Buffer) Wait(off int64) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < b.base+int64(len(b.data)) || b.done {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.signal
}

// WaitAt blocks until Wait(off) fires, ctx ends or timeout elapses.
func (b *Buffer) WaitAt(ctx context.Context, off int64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.Wait(off):
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reader returns a blocking io.ReadCloser over the buffer from offset 0.
// Each Read waits at most timeout for new data.
func (b *Buffer) Reader(ctx context.Context, timeout time.Duration) io.ReadCloser {
	return &bufferReader{buf: b, ctx: ctx, timeout: timeout}
}

type bufferReader struct {
	buf     *Buffer
	ctx     context.Context
	timeout time.Duration
	off     int64
}

func (r *bufferReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := r.buf.ReadAt(p, r.off)
		r.off += int64(n)
		if n > 0 || err != nil {
			return n, err
		}
		if err := r.buf.WaitAt(r.ctx, r.off, r.timeout); err != nil {
			return 0, err
		}
	}
}

func (r *bufferReader) Close() error { return nil }
