package io

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPollable(t *testing.T) {
	p := NewPollable(nil)
	assert.False(t, p.IsReady())
	p.SetReady()
	p.SetReady()
	assert.True(t, p.IsReady())
	p.Reset()
	assert.False(t, p.IsReady())

	assert.True(t, NewReadyPollable().IsReady())
	assert.True(t, NewTimerPollable(0).IsReady())
}

func TestBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("ready before timeout", func(t *testing.T) {
		p := NewTimerPollable(10 * time.Millisecond)
		defer p.Close()
		assert.True(t, Block(ctx, p, time.Second))
	})

	t.Run("timeout leaves plain pollables pending", func(t *testing.T) {
		p := NewPollable(nil)
		assert.False(t, Block(ctx, p, 10*time.Millisecond))
	})

	t.Run("timeout handler resolves itself", func(t *testing.T) {
		inner := NewPollable(nil)
		p := &FuncPollable{Wait: inner.Channel, OnTimeout: inner.SetReady}
		assert.True(t, Block(ctx, p, 10*time.Millisecond))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.False(t, Block(cctx, NewPollable(nil), time.Second))
	})
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	a, b, c := NewPollable(nil), NewPollable(nil), NewPollable(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.SetReady()
	}()
	assert.Equal(t, []uint32{1}, Poll(ctx, []IPollable{a, b, c}, time.Second))

	c.SetReady()
	assert.Equal(t, []uint32{1, 2}, Poll(ctx, []IPollable{a, b, c}, time.Second))

	assert.Empty(t, Poll(ctx, []IPollable{a}, 10*time.Millisecond))
	assert.Empty(t, Poll(ctx, nil, time.Second))
}

func TestBuffer(t *testing.T) {
	t.Run("readers keep their own offsets", func(t *testing.T) {
		buf := NewBuffer()
		_, err := buf.Write([]byte("hello "))
		require.NoError(t, err)

		p := make([]byte, 16)
		n, err := buf.ReadAt(p, 0)
		require.NoError(t, err)
		assert.Equal(t, "hello ", string(p[:n]))

		n, err = buf.ReadAt(p, 6)
		assert.NoError(t, err, "an open buffer is not at EOF")
		assert.Zero(t, n)

		_, _ = buf.Write([]byte("world"))
		require.NoError(t, buf.Close())
		n, _ = buf.ReadAt(p, 6)
		assert.Equal(t, "world", string(p[:n]))

		_, err = buf.ReadAt(p, 11)
		assert.ErrorIs(t, err, io.EOF)

		_, err = buf.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrBufferClosed)
	})

	t.Run("producer error is surfaced once drained", func(t *testing.T) {
		boom := errors.New("boom")
		buf := NewBuffer()
		_, _ = buf.Write([]byte("a"))
		buf.CloseWithError(boom)
		buf.CloseWithError(nil)

		p := make([]byte, 4)
		n, err := buf.ReadAt(p, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = buf.ReadAt(p, 1)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("wait is re-armed by each append", func(t *testing.T) {
		buf := NewBuffer()
		w := buf.Wait(0)
		select {
		case <-w:
			t.Fatal("empty buffer must not be ready")
		default:
		}
		_, _ = buf.Write([]byte("1"))
		<-w

		w = buf.Wait(1)
		select {
		case <-w:
			t.Fatal("no bytes past offset 1 yet")
		default:
		}
		_, _ = buf.Write([]byte("2"))
		<-w
	})

	t.Run("wait times out", func(t *testing.T) {
		buf := NewBuffer()
		err := buf.WaitAt(context.Background(), 0, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrWaitTimeout)
	})

	t.Run("blocking reader", func(t *testing.T) {
		buf := NewBuffer()
		go func() {
			for _, s := range []string{"a", "b", "c"} {
				_, _ = buf.Write([]byte(s))
				time.Sleep(2 * time.Millisecond)
			}
			_ = buf.Close()
		}()
		got, err := io.ReadAll(buf.Reader(context.Background(), time.Second))
		require.NoError(t, err)
		assert.Equal(t, "abc", string(got))
	})
}

func TestBufferInputStream(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer()
	s := NewBufferInputStream(buf)
	s.Timeout = 20 * time.Millisecond

	got, err := s.Read(ctx, 10, false)
	require.NoError(t, err)
	assert.Empty(t, got, "non-blocking read of an empty open stream")

	_, err = s.Read(ctx, 10, true)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	sub := s.Subscribe()
	assert.False(t, sub.IsReady())
	_, _ = buf.Write([]byte("data: 1\n\n"))
	assert.True(t, sub.IsReady())

	got, err = s.Read(ctx, 4, true)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
	got, err = s.Read(ctx, 100, true)
	require.NoError(t, err)
	assert.Equal(t, ": 1\n\n", string(got))

	assert.False(t, sub.IsReady(), "subscription tracks the cursor")
	_ = buf.Close()
	assert.True(t, sub.IsReady())
	_, err = s.Read(ctx, 1, true)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsumingInputStream(t *testing.T) {
	ctx := context.Background()
	buf := NewBuffer()
	s := NewConsumingInputStream(buf)
	other := NewBufferInputStream(buf)

	for range 100 {
		_, _ = buf.Write([]byte("data: chunk\n\n"))
		got, err := s.Read(ctx, 1024, true)
		require.NoError(t, err)
		assert.Equal(t, "data: chunk\n\n", string(got))
	}
	assert.Zero(t, buf.Len(), "read bytes are released")
	assert.Equal(t, int64(1300), buf.Written())

	_, err := other.Read(ctx, 10, false)
	assert.ErrorIs(t, err, ErrDiscarded)

	_, _ = buf.Write([]byte("tail"))
	assert.Equal(t, 4, buf.Len())
	sub := s.Subscribe()
	assert.True(t, sub.IsReady())
	got, err := s.Read(ctx, 2, true)
	require.NoError(t, err)
	assert.Equal(t, "ta", string(got))
	assert.Equal(t, "il", string(buf.Bytes()))

	buf.Release(0)
	assert.Equal(t, 2, buf.Len(), "release below the base is a no-op")
	_ = buf.Close()
	_, _ = s.Read(ctx, 10, true)
	_, err = s.Read(ctx, 10, true)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOutputStreams(t *testing.T) {
	buf := NewBuffer()
	out := NewBufferOutputStream(buf)
	n, err := out.CheckWrite()
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultWriteBudget), n)
	require.NoError(t, out.Write([]byte(`{"a":1}`)))
	_ = buf.Close()
	_, err = out.CheckWrite()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, out.Write([]byte("x")), ErrStreamClosed)
	assert.Equal(t, `{"a":1}`, string(buf.Bytes()))

	var sink bytes.Buffer
	w := NewWriterOutputStream(&sink)
	require.NoError(t, w.Write([]byte("log line")))
	require.NoError(t, w.Flush())
	assert.Equal(t, "log line", sink.String())
}

func TestMultiCloser(t *testing.T) {
	var order []int
	var m MultiCloser
	for i := range 3 {
		m.Add(CloserFunc(func() error {
			order = append(order, i)
			if i == 1 {
				return errors.New("fail")
			}
			return nil
		}))
	}
	m.Add(nil)
	err := m.Close()
	assert.ErrorContains(t, err, "fail")
	assert.Equal(t, []int{2, 1, 0}, order)
	assert.NoError(t, m.Close())

	closed := false
	m.Add(CloserFunc(func() error { closed = true; return nil }))
	assert.True(t, closed, "add after close closes immediately")
}
