package resource

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollable struct{ id int }

func (*pollable) Kind() Kind { return KindPollable }

type fields struct{ closed bool }

func (*fields) Kind() Kind { return KindFields }

func (f *fields) Close() error {
	f.closed = true
	return nil
}

func TestTable(t *testing.T) {
	t.Run("add and get return the same object", func(t *testing.T) {
		tbl := NewTable()
		objs := make([]*pollable, 50)
		handles := make([]Handle, 50)
		for i := range objs {
			objs[i] = &pollable{id: i}
			handles[i] = tbl.Add(objs[i])
			require.Positive(t, handles[i])
		}
		for i, h := range handles {
			got, ok := GetAs[*pollable](tbl, h)
			require.True(t, ok)
			assert.Same(t, objs[i], got)
		}
	})

	t.Run("handles are monotonic and never reused", func(t *testing.T) {
		tbl := NewTable()
		a := tbl.Add(&pollable{})
		tbl.Remove(a)
		b := tbl.Add(&pollable{})
		assert.Greater(t, b, a)
	})

	t.Run("get after drop", func(t *testing.T) {
		tbl := NewTable()
		h := tbl.Add(&pollable{})
		_, ok := tbl.Remove(h)
		require.True(t, ok)
		_, ok = tbl.Get(h)
		assert.False(t, ok)
	})

	t.Run("drop unknown is a no-op", func(t *testing.T) {
		tbl := NewTable()
		h := tbl.Add(&pollable{})
		_, ok := tbl.Remove(h + 100)
		assert.False(t, ok)
		_, ok = tbl.Remove(h)
		assert.True(t, ok)
		_, ok = tbl.Remove(h)
		assert.False(t, ok)
		assert.Equal(t, 0, tbl.Len())
	})

	t.Run("wrong kind is a soft failure", func(t *testing.T) {
		tbl := NewTable()
		h := tbl.Add(&fields{})
		p, ok := GetAs[*pollable](tbl, h)
		assert.False(t, ok)
		assert.Nil(t, p)

		_, ok = RemoveAs[*pollable](tbl, h)
		assert.False(t, ok)
		_, ok = tbl.Get(h)
		assert.True(t, ok, "a mismatched RemoveAs must leave the entry")
	})

	t.Run("close drops and closes everything", func(t *testing.T) {
		tbl := NewTable()
		f := &fields{}
		tbl.Add(f)
		tbl.Add(&pollable{})
		require.NoError(t, tbl.Close())
		assert.True(t, f.closed)
		assert.Equal(t, 0, tbl.Len())
	})
}

func TestTableConcurrentDropAndGet(t *testing.T) {
	tbl := NewTable()
	const n = 200
	handles := make([]Handle, n)
	for i := range handles {
		handles[i] = tbl.Add(&pollable{id: i})
	}

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(2)
		go func(h Handle) {
			defer wg.Done()
			tbl.Remove(h)
		}(handles[i])
		go func(h Handle, want int) {
			defer wg.Done()
			p, ok := GetAs[*pollable](tbl, h)
			if ok {
				assert.Equal(t, want, p.id)
			} else {
				assert.Nil(t, p)
			}
		}(handles[i], i)
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}
