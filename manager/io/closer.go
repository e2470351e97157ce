package io

import (
	"errors"
	"io"
	"sync"
)

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// MultiCloser closes a set of resources in reverse registration order, once.
type MultiCloser struct {
	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// Add 注册一个 closer，nil 会被忽略。Add after Close closes c immediately.
func (m *MultiCloser) Add(c io.Closer) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	m.closers = append(m.closers, c)
	m.mu.Unlock()
}

func (m *MultiCloser) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
