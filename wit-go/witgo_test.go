package witgo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/internal/wasmtest"
)

func TestLayout(t *testing.T) {
	t.Run("align", func(t *testing.T) {
		assert.Equal(t, uint32(0), Align(0, 4))
		assert.Equal(t, uint32(4), Align(1, 4))
		assert.Equal(t, uint32(8), Align(8, 8))
		assert.Equal(t, uint32(5), Align(5, 1))
	})

	t.Run("sum types use a one byte tag", func(t *testing.T) {
		l, off := SumLayout(LayoutString)
		assert.Equal(t, TypeLayout{Size: 12, Alignment: 4}, l)
		assert.Equal(t, uint32(4), off)

		l, off = SumLayout(LayoutU64)
		assert.Equal(t, TypeLayout{Size: 16, Alignment: 8}, l)
		assert.Equal(t, uint32(8), off)

		l, off = SumLayout()
		assert.Equal(t, TypeLayout{Size: 1, Alignment: 1}, l)
		assert.Equal(t, uint32(1), off)
	})

	t.Run("record offsets", func(t *testing.T) {
		r := NewRecordLayout(
			Field("id", LayoutString),
			Field("success", LayoutBool),
			Field("output", OptionOf(LayoutString)),
		)
		assert.Equal(t, uint32(0), r.MustOffset("id"))
		assert.Equal(t, uint32(8), r.MustOffset("success"))
		assert.Equal(t, uint32(12), r.MustOffset("output"))
		assert.Equal(t, uint32(24), r.Size)
		assert.Equal(t, uint32(4), r.Alignment)

		_, err := r.Offset("missing")
		assert.Error(t, err)
	})
}

func TestMemory(t *testing.T) {
	ctx, mod := wasmtest.Guest(t)
	mem := NewMemory(ctx, mod)

	t.Run("scalars", func(t *testing.T) {
		require.NoError(t, mem.PutU8(100, 0xab))
		require.NoError(t, mem.PutU16(102, 0xbeef))
		require.NoError(t, mem.PutU32(104, 0xdeadbeef))
		require.NoError(t, mem.PutU64(112, 1<<40+7))

		v8, err := mem.U8(100)
		require.NoError(t, err)
		assert.Equal(t, uint8(0xab), v8)
		v16, err := mem.U16(102)
		require.NoError(t, err)
		assert.Equal(t, uint16(0xbeef), v16)
		v32, err := mem.U32(104)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdeadbeef), v32)
		v64, err := mem.U64(112)
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<40+7), v64)
	})

	t.Run("out of bounds is an error, not a panic", func(t *testing.T) {
		_, err := mem.U32(mem.Size() - 2)
		assert.ErrorIs(t, err, ErrOutOfBounds)
		assert.ErrorIs(t, mem.PutBytes(mem.Size()-1, []byte{1, 2}), ErrOutOfBounds)
		_, err = mem.String(mem.Size(), 10)
		assert.ErrorIs(t, err, ErrOutOfBounds)
	})

	t.Run("invalid utf-8", func(t *testing.T) {
		require.NoError(t, mem.PutBytes(200, []byte{0xff, 0xfe}))
		_, err := mem.String(200, 2)
		assert.ErrorIs(t, err, ErrInvalidUTF8)
	})

	t.Run("allocations come from cabi_realloc", func(t *testing.T) {
		a, err := mem.Alloc(3, 1)
		require.NoError(t, err)
		b, err := mem.Alloc(8, 8)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a, uint32(wasmtest.HeapBase))
		assert.Zero(t, b%8)
		assert.GreaterOrEqual(t, b, a+3)
	})

	t.Run("strings and lists", func(t *testing.T) {
		require.NoError(t, mem.PutString(300, "héllo"))
		s, err := mem.ReadString(300)
		require.NoError(t, err)
		assert.Equal(t, "héllo", s)

		ptr, n, err := mem.LowerStrings([]string{"a", "", "ccc"})
		require.NoError(t, err)
		got, err := mem.ReadStrings(ptr, n)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "", "ccc"}, got)

		ptr, n, err = mem.LowerByteLists([][]byte{{1}, {2, 3}})
		require.NoError(t, err)
		lists, err := mem.ReadByteLists(ptr, n)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{{1}, {2, 3}}, lists)

		entries := []Tuple[string, []byte]{{F0: "content-type", F1: []byte("application/json")}, {F0: "x", F1: nil}}
		ptr, n, err = mem.LowerEntries(entries)
		require.NoError(t, err)
		back, err := mem.ReadEntries(ptr, n)
		require.NoError(t, err)
		require.Len(t, back, 2)
		assert.Equal(t, "content-type", back[0].F0)
		assert.Equal(t, []byte("application/json"), back[0].F1)
		assert.Empty(t, back[1].F1)
	})

	t.Run("option string", func(t *testing.T) {
		v := "x"
		require.NoError(t, mem.PutOptionString(400, &v))
		got, err := mem.ReadOptionString(400)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "x", *got)

		require.NoError(t, mem.PutOptionString(420, nil))
		got, err = mem.ReadOptionString(420)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, mem.PutU8(440, 9))
		_, err = mem.ReadOptionString(440)
		assert.ErrorIs(t, err, ErrUnknownTag)
	})
}

func TestRecordWriter(t *testing.T) {
	ctx, mod := wasmtest.Guest(t)
	mem := NewMemory(ctx, mod)
	layout := NewRecordLayout(
		Field("provider", LayoutString),
		Field("base-url", OptionOf(LayoutString)),
		Field("models", LayoutList),
		Field("max-turns", LayoutU32),
	)

	t.Run("children before parent", func(t *testing.T) {
		url := "http://127.0.0.1"
		ptr, err := NewRecordWriter(mem, layout).
			String("provider", "anthropic").
			OptionString("base-url", &url).
			Strings("models", []string{"m1", "m2"}).
			U32("max-turns", 8).
			Commit()
		require.NoError(t, err)

		provider, err := mem.ReadString(ptr)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", provider)

		got, err := mem.ReadOptionString(ptr + layout.MustOffset("base-url"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, url, *got)

		lp, ln, err := mem.ReadPair(ptr + layout.MustOffset("models"))
		require.NoError(t, err)
		models, err := mem.ReadStrings(lp, ln)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, models)

		turns, err := mem.U32(ptr + layout.MustOffset("max-turns"))
		require.NoError(t, err)
		assert.Equal(t, uint32(8), turns)

		// the parent is allocated last, after every child
		assert.Greater(t, ptr, lp)
	})

	t.Run("field order is enforced", func(t *testing.T) {
		_, err := NewRecordWriter(mem, layout).
			OptionString("base-url", nil).
			String("provider", "x").
			Commit()
		assert.ErrorContains(t, err, `"base-url" written where "provider" is expected`)
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		_, err := NewRecordWriter(mem, layout).String("provider", "x").Commit()
		assert.ErrorContains(t, err, "unwritten")
	})

	t.Run("layout mismatch is rejected", func(t *testing.T) {
		_, err := NewRecordWriter(mem, layout).U32("provider", 1).Commit()
		assert.ErrorContains(t, err, "has layout")
	})
}

func TestRecordReader(t *testing.T) {
	ctx, mod := wasmtest.Guest(t)
	mem := NewMemory(ctx, mod)
	layout := NewRecordLayout(
		Field("id", LayoutString),
		Field("done", LayoutBool),
		Field("output", OptionOf(LayoutString)),
		Field("turns", OptionOf(LayoutU32)),
		Field("size", LayoutU64),
		Field("tags", LayoutList),
	)
	turns := uint32(3)
	ptr, err := NewRecordWriter(mem, layout).
		String("id", "t1").
		Bool("done", true).
		OptionString("output", nil).
		OptionU32("turns", &turns).
		U64("size", 1<<40).
		Strings("tags", []string{"a"}).
		Commit()
	require.NoError(t, err)

	r := NewRecordReader(mem, layout, ptr)
	assert.Equal(t, uint64(1<<40), r.U64("size"))
	assert.Equal(t, "t1", r.String("id"))
	assert.True(t, r.Bool("done"))
	assert.Nil(t, r.OptionString("output"))
	assert.Equal(t, []string{"a"}, r.Strings("tags"))
	require.NoError(t, r.Err())

	tag, err := mem.U8(ptr + layout.MustOffset("turns"))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), tag)

	t.Run("errors stick", func(t *testing.T) {
		r := NewRecordReader(mem, layout, ptr)
		assert.Zero(t, r.U32("size"))
		assert.Empty(t, r.String("id"))
		assert.ErrorContains(t, r.Err(), `"size"`)

		r = NewRecordReader(mem, layout, mem.Size()-4)
		_ = r.String("id")
		assert.ErrorIs(t, r.Err(), ErrOutOfBounds)
	})
}

func TestCaller(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	m := wasmtest.New()
	posted := m.Global(0)
	m.Data(64, []byte{0, 0, 0, 0, 42, 0, 0, 0}) // result<u32, string>::ok(42)
	m.Func(wasmtest.Func{
		Name:    "pkg:agent/api@0.2.9#create",
		Params:  []api.ValueType{api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
		Body:    wasmtest.ReturnI32(64),
	})
	m.Func(wasmtest.Func{
		Name:   "cabi_post_pkg:agent/api@0.2.9#create",
		Params: []api.ValueType{api.ValueTypeI32},
		Body:   wasmtest.Concat(wasmtest.I32Const(1), []byte{wasmtest.OpGlobalSet, byte(posted), wasmtest.OpEnd}),
	})
	m.Func(wasmtest.Func{Name: "ping", Results: []api.ValueType{api.ValueTypeI32}, Body: wasmtest.ReturnI32(7)})
	m.Func(wasmtest.Func{
		Name:    "posted",
		Results: []api.ValueType{api.ValueTypeI32},
		Body:    []byte{wasmtest.OpGlobalGet, byte(posted), wasmtest.OpEnd},
	})
	mod := wasmtest.Instantiate(t, ctx, rt, m, "guest")

	c := NewCaller(mod, "pkg:agent/api@0.2.9")

	var handle uint32
	err := c.CallWithResult(ctx, "create", func(mem *Memory, ptr uint32) error {
		tag, err := mem.U8(ptr)
		require.NoError(t, err)
		require.Zero(t, tag)
		handle, err = mem.U32(ptr + 4)
		return err
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), handle)

	res, err := c.Call(ctx, "posted")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0], "cabi_post_ must run after the result is read")

	res, err = c.Call(ctx, "ping")
	require.NoError(t, err, "bare export names resolve when the prefixed one is missing")
	assert.Equal(t, uint64(7), res[0])

	_, err = c.Call(ctx, "missing")
	assert.ErrorIs(t, err, ErrExportNotFound)
}
