package io

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
)

// ErrStreamClosed maps to stream-error.closed.
var ErrStreamClosed = errors.New("stream closed")

// DefaultWriteBudget is what check-write reports for writers that never
// push back.
const DefaultWriteBudget = 64 * 1024

// InputStream is the host side of wasi:io/streams.input-stream.
type InputStream interface {
	// Read returns up to n bytes. Without blocking it may return no bytes
	// and no error. io.EOF and ErrStreamClosed mean the stream is closed;
	// any other error is a failed operation.
	Read(ctx context.Context, n uint64, blocking bool) ([]byte, error)
	Subscribe() IPollable
}

// OutputStream is the host side of wasi:io/streams.output-stream.
type OutputStream interface {
	CheckWrite() (uint64, error)
	Write(p []byte) error
	Flush() error
	Subscribe() IPollable
}

// InputStreamResource 是 input-stream 在资源表中的形式。
type InputStreamResource struct {
	InputStream
}

func (InputStreamResource) Kind() resource.Kind { return resource.KindInputStream }

func (s InputStreamResource) Close() error {
	if c, ok := s.InputStream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type OutputStreamResource struct {
	OutputStream
}

func (OutputStreamResource) Kind() resource.Kind { return resource.KindOutputStream }

func (s OutputStreamResource) Close() error {
	if c, ok := s.OutputStream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// BufferInputStream reads a Buffer from its own cursor. Blocking reads wait
// for new bytes for at most Timeout.
type BufferInputStream struct {
	buf     *Buffer
	mu      sync.Mutex
	off     int64
	release bool
	Timeout time.Duration
}

func NewBufferInputStream(buf *Buffer) *BufferInputStream {
	return &BufferInputStream{buf: buf, Timeout: DefaultBlockTimeout}
}

// NewConsumingInputStream is for the only reader of buf: every read
// releases what it returned, so a long stream does not pile up in memory.
func NewConsumingInputStream(buf *Buffer) *BufferInputStream {
	return &BufferInputStream{buf: buf, release: true, Timeout: DefaultBlockTimeout}
}

func (s *BufferInputStream) Read(ctx context.Context, n uint64, blocking bool) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	p := make([]byte, min(n, uint64(DefaultWriteBudget)))
	for {
		s.mu.Lock()
		got, err := s.buf.ReadAt(p, s.off)
		s.off += int64(got)
		off := s.off
		if s.release && got > 0 {
			s.buf.Release(off)
		}
		s.mu.Unlock()
		if got > 0 {
			return p[:got], nil
		}
		if err != nil {
			return nil, err
		}
		if !blocking {
			return []byte{}, nil
		}
		if err := s.buf.WaitAt(ctx, off, s.Timeout); err != nil {
			return nil, err
		}
	}
}

// Subscribe is ready whenever unread bytes exist or the buffer is complete.
// Every append re-arms it, so a streaming reader sees each chunk.
func (s *BufferInputStream) Subscribe() IPollable {
	return &FuncPollable{Wait: func() <-chan struct{} {
		s.mu.Lock()
		off := s.off
		s.mu.Unlock()
		return s.buf.Wait(off)
	}}
}

// BufferOutputStream appends to a Buffer until the buffer is finished.
type BufferOutputStream struct {
	buf *Buffer
}

func NewBufferOutputStream(buf *Buffer) *BufferOutputStream {
	return &BufferOutputStream{buf: buf}
}

func (s *BufferOutputStream) CheckWrite() (uint64, error) {
	if s.buf.Complete() {
		return 0, ErrStreamClosed
	}
	return DefaultWriteBudget, nil
}

func (s *BufferOutputStream) Write(p []byte) error {
	if _, err := s.buf.Write(p); err != nil {
		return ErrStreamClosed
	}
	return nil
}

func (s *BufferOutputStream) Flush() error { return nil }

func (s *BufferOutputStream) Subscribe() IPollable { return NewReadyPollable() }

// WriterOutputStream forwards to an io.Writer, e.g. the host's stderr.
type WriterOutputStream struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterOutputStream(w io.Writer) *WriterOutputStream {
	return &WriterOutputStream{w: w}
}

func (s *WriterOutputStream) CheckWrite() (uint64, error) { return DefaultWriteBudget, nil }

func (s *WriterOutputStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(p)
	return err
}

func (s *WriterOutputStream) Flush() error {
	if f, ok := s.w.(interface{ Sync() error }); ok {
		// Sync on a terminal or pipe reports EINVAL, which is not a failure here.
		_ = f.Sync()
	}
	return nil
}

func (s *WriterOutputStream) Subscribe() IPollable { return NewReadyPollable() }
