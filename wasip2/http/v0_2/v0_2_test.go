package v0_2

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/OpenListTeam/wazero-agenthost/internal/wasmtest"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	io_v0_2 "github.com/OpenListTeam/wazero-agenthost/wasip2/io/v0_2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const retptr = 0x400

type fixture struct {
	t   *testing.T
	ctx context.Context
	mod api.Module
	mem *witgo.Memory
	h   *wasip2.Host
	e   *witgo.Exporter
	// next free scratch address for guest strings
	scratch uint32
}

func newFixture(t *testing.T, opts ...wasip2.ModuleOption) *fixture {
	ctx, mod := wasmtest.Guest(t)
	h := wasip2.NewHost(opts...)
	t.Cleanup(func() { _ = h.Close() })
	e := witgo.NewExporter(nil)
	for _, impl := range []wasip2.Implementation{
		NewTypes(), NewOutgoingHandler(),
		io_v0_2.NewError(), io_v0_2.NewPoll(), io_v0_2.NewStreams(),
	} {
		impl.Export(h, "0.2.9", e)
	}
	return &fixture{t: t, ctx: ctx, mod: mod, mem: witgo.NewMemory(ctx, mod), h: h, e: e, scratch: 0x1000}
}

func (f *fixture) call(name string, params ...uint64) []uint64 {
	fn, ok := f.e.Lookup(name)
	require.True(f.t, ok, name)
	return fn.Invoke(f.ctx, f.mod, params...)
}

// str copies s into guest memory and returns its flat (ptr, len).
func (f *fixture) str(s string) (uint64, uint64) {
	at := f.scratch
	require.NoError(f.t, f.mem.PutBytes(at, []byte(s)))
	f.scratch += uint32(len(s)+7) &^ 7
	return uint64(at), uint64(len(s))
}

func (f *fixture) u8(at uint32) uint8 {
	v, err := f.mem.U8(at)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) u32(at uint32) uint64 {
	v, err := f.mem.U32(at)
	require.NoError(f.t, err)
	return uint64(v)
}

// readAll drains an input-stream through blocking-read.
func (f *fixture) readAll(in uint64) string {
	var sb strings.Builder
	for {
		f.call("[method]input-stream.blocking-read", in, 4096, retptr)
		if f.u8(retptr) != 0 {
			require.Equal(f.t, uint8(1), f.u8(retptr+4), "stream must end closed, not failed")
			return sb.String()
		}
		ptr, n, err := f.mem.ReadPair(retptr + 4)
		require.NoError(f.t, err)
		b, err := f.mem.Bytes(ptr, n)
		require.NoError(f.t, err)
		sb.Write(b)
	}
}

func echoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Uri", r.URL.RequestURI())
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOutgoingRequestEcho(t *testing.T) {
	srv := echoServer(t)
	f := newFixture(t)

	hdr := f.call("[constructor]fields")[0]
	np, nl := f.str("content-type")
	vp, vl := f.str("application/json")
	f.call("[method]fields.append", hdr, np, nl, vp, vl, retptr)
	require.Zero(t, f.u8(retptr))

	req := f.call("[constructor]outgoing-request", hdr)[0]

	t.Run("request headers are immutable", func(t *testing.T) {
		rh := f.call("[method]outgoing-request.headers", req)[0]
		f.call("[method]fields.append", rh, np, nl, vp, vl, retptr)
		assert.Equal(t, uint8(1), f.u8(retptr))
		assert.Equal(t, uint8(2), f.u8(retptr+1))
		f.call("[resource-drop]fields", rh)
	})

	assert.Zero(t, f.call("[method]outgoing-request.set-method", req, 2, 0, 0)[0])
	ap, al := f.str(strings.TrimPrefix(srv.URL, "http://"))
	assert.Zero(t, f.call("[method]outgoing-request.set-authority", req, 1, ap, al)[0])
	assert.Zero(t, f.call("[method]outgoing-request.set-scheme", req, 1, uint64(schemeHTTP), 0, 0)[0])
	pp, pl := f.str("/echo?x=1")
	assert.Zero(t, f.call("[method]outgoing-request.set-path-with-query", req, 1, pp, pl)[0])

	f.call("[method]outgoing-request.body", req, retptr)
	require.Zero(t, f.u8(retptr))
	body := f.u32(retptr + 4)
	f.call("[method]outgoing-body.write", body, retptr)
	require.Zero(t, f.u8(retptr))
	out := f.u32(retptr + 4)

	payload := `{"hello":"world"}`
	bp, bl := f.str(payload)
	f.call("[method]output-stream.blocking-write-and-flush", out, bp, bl, retptr)
	require.Zero(t, f.u8(retptr))
	f.call("[resource-drop]output-stream", out)
	f.call("[static]outgoing-body.finish", body, 0, 0, retptr)
	require.Zero(t, f.u8(retptr))

	f.call("handle", req, 0, 0, retptr)
	require.Zero(t, f.u8(retptr), "handle must accept the request")
	future := f.u32(retptr + 8)

	pollable := f.call("[method]future-incoming-response.subscribe", future)[0]
	f.call("[method]pollable.block", pollable)
	assert.Equal(t, uint64(1), f.call("[method]pollable.ready", pollable)[0])

	f.call("[method]future-incoming-response.get", future, retptr)
	require.Equal(t, uint8(1), f.u8(retptr), "future must be ready")
	require.Zero(t, f.u8(retptr+8))
	require.Zero(t, f.u8(retptr+16))
	resp := f.u32(retptr + 24)

	t.Run("get is idempotent", func(t *testing.T) {
		f.call("[method]future-incoming-response.get", future, retptr)
		require.Equal(t, uint8(1), f.u8(retptr))
		assert.Equal(t, resp, f.u32(retptr+24))
	})

	assert.Equal(t, uint64(http.StatusOK), f.call("[method]incoming-response.status", resp)[0])

	headers := f.call("[method]incoming-response.headers", resp)[0]
	for name, want := range map[string]string{"x-method": "POST", "x-uri": "/echo?x=1", "content-type": "application/json"} {
		hp, hl := f.str(name)
		assert.Equal(t, uint64(1), f.call("[method]fields.has", headers, hp, hl)[0], name)
		f.call("[method]fields.get", headers, hp, hl, retptr)
		lp, ln, err := f.mem.ReadPair(retptr)
		require.NoError(t, err)
		values, err := f.mem.ReadByteLists(lp, ln)
		require.NoError(t, err)
		require.Len(t, values, 1, name)
		assert.Equal(t, want, string(values[0]), name)
	}

	f.call("[method]incoming-response.consume", resp, retptr)
	require.Zero(t, f.u8(retptr))
	incoming := f.u32(retptr + 4)
	f.call("[method]incoming-response.consume", resp, retptr)
	assert.Equal(t, uint8(1), f.u8(retptr), "body can be consumed once")

	f.call("[method]incoming-body.stream", incoming, retptr)
	require.Zero(t, f.u8(retptr))
	in := f.u32(retptr + 4)
	assert.Equal(t, payload, f.readAll(in))
	f.call("[resource-drop]input-stream", in)

	trailers := f.call("[static]incoming-body.finish", incoming)[0]
	f.call("[method]future-trailers.get", trailers, retptr)
	require.Equal(t, uint8(1), f.u8(retptr))
	require.Zero(t, f.u8(retptr+16))
	assert.Zero(t, f.u8(retptr+24), "no trailers")
}

func TestOutgoingRequestErrors(t *testing.T) {
	t.Run("missing authority", func(t *testing.T) {
		f := newFixture(t)
		req := f.call("[constructor]outgoing-request", f.call("[constructor]fields")[0])[0]
		f.call("handle", req, 0, 0, retptr)
		require.Equal(t, uint8(1), f.u8(retptr))
		assert.Equal(t, uint8(errorCodeInternal), f.u8(retptr+8))
		msg, err := f.mem.ReadOptionString(retptr + 16)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Contains(t, *msg, "authority")
	})

	t.Run("block timeout resolves the future with an error", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-release }))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		f := newFixture(t, wasip2.WithBlockTimeout(50*time.Millisecond))
		req := f.call("[constructor]outgoing-request", f.call("[constructor]fields")[0])[0]
		ap, al := f.str(strings.TrimPrefix(srv.URL, "http://"))
		f.call("[method]outgoing-request.set-authority", req, 1, ap, al)
		f.call("[method]outgoing-request.set-scheme", req, 1, uint64(schemeHTTP), 0, 0)

		f.call("handle", req, 0, 0, retptr)
		require.Zero(t, f.u8(retptr))
		future := f.u32(retptr + 8)

		f.call("[method]future-incoming-response.get", future, retptr)
		assert.Zero(t, f.u8(retptr), "pending before block")

		start := time.Now()
		f.call("[method]pollable.block", f.call("[method]future-incoming-response.subscribe", future)[0])
		assert.Less(t, time.Since(start), 5*time.Second)

		f.call("[method]future-incoming-response.get", future, retptr)
		require.Equal(t, uint8(1), f.u8(retptr))
		require.Equal(t, uint8(1), f.u8(retptr+16), "inner result is an error")
		assert.Equal(t, uint8(errorCodeInternal), f.u8(retptr+24))
		msg, err := f.mem.ReadOptionString(retptr + 32)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Contains(t, *msg, "timed out")
	})

	t.Run("stale handles", func(t *testing.T) {
		f := newFixture(t)
		f.call("handle", 777, 0, 0, retptr)
		assert.Equal(t, uint8(1), f.u8(retptr))
		f.call("[method]future-incoming-response.get", 777, retptr)
		assert.Zero(t, f.u8(retptr))
		assert.Equal(t, uint64(1), f.call("[method]outgoing-request.set-method", 777, 0, 0, 0)[0])
	})
}

func TestOutgoingRequestAccessors(t *testing.T) {
	f := newFixture(t)
	req := f.call("[constructor]outgoing-request", f.call("[constructor]fields")[0])[0]

	f.call("[method]outgoing-request.method", req, retptr)
	assert.Zero(t, f.u8(retptr), "defaults to GET")

	op, ol := f.str("PURGE")
	require.Zero(t, f.call("[method]outgoing-request.set-method", req, uint64(methodOther), op, ol)[0])
	f.call("[method]outgoing-request.method", req, retptr)
	require.Equal(t, methodOther, f.u8(retptr))
	got, err := f.mem.ReadString(retptr + 4)
	require.NoError(t, err)
	assert.Equal(t, "PURGE", got)

	bp, bl := f.str("BAD METHOD")
	assert.Equal(t, uint64(1), f.call("[method]outgoing-request.set-method", req, uint64(methodOther), bp, bl)[0])

	f.call("[method]outgoing-request.scheme", req, retptr)
	assert.Zero(t, f.u8(retptr))
	sp, sl := f.str("ftp")
	require.Zero(t, f.call("[method]outgoing-request.set-scheme", req, 1, uint64(schemeOther), sp, sl)[0])
	f.call("[method]outgoing-request.scheme", req, retptr)
	require.Equal(t, uint8(1), f.u8(retptr))
	require.Equal(t, schemeOther, f.u8(retptr+4))
	got, err = f.mem.ReadString(retptr + 8)
	require.NoError(t, err)
	assert.Equal(t, "ftp", got)

	xp, xl := f.str("evil.com/path")
	assert.Equal(t, uint64(1), f.call("[method]outgoing-request.set-authority", req, 1, xp, xl)[0])
	f.call("[method]outgoing-request.authority", req, retptr)
	assert.Zero(t, f.u8(retptr))

	f.call("[method]outgoing-request.body", req, retptr)
	require.Zero(t, f.u8(retptr))
	f.call("[method]outgoing-request.body", req, retptr)
	assert.Equal(t, uint8(1), f.u8(retptr), "body can be taken once")
}

func TestRequestOptions(t *testing.T) {
	f := newFixture(t)
	o := f.call("[constructor]request-options")[0]

	f.call("[method]request-options.connect-timeout", o, retptr)
	assert.Zero(t, f.u8(retptr))

	require.Zero(t, f.call("[method]request-options.set-connect-timeout", o, 1, uint64(5*time.Second))[0])
	f.call("[method]request-options.connect-timeout", o, retptr)
	require.Equal(t, uint8(1), f.u8(retptr))
	v, err := f.mem.U64(retptr + 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(5*time.Second), v)

	require.Zero(t, f.call("[method]request-options.set-connect-timeout", o, 0, 0)[0])
	f.call("[method]request-options.connect-timeout", o, retptr)
	assert.Zero(t, f.u8(retptr))

	f.call("[method]request-options.between-bytes-timeout", o, retptr)
	assert.Zero(t, f.u8(retptr))
}

func TestFields(t *testing.T) {
	f := newFixture(t)

	t.Run("from-list rejects invalid names", func(t *testing.T) {
		ptr, n, err := f.mem.LowerEntries([]witgo.Tuple[string, []byte]{{F0: "bad name", F1: []byte("v")}})
		require.NoError(t, err)
		f.call("[static]fields.from-list", uint64(ptr), uint64(n), retptr)
		assert.Equal(t, uint8(1), f.u8(retptr))
		assert.Zero(t, f.u8(retptr+4), "invalid-syntax")
	})

	t.Run("set, delete and entries", func(t *testing.T) {
		ptr, n, err := f.mem.LowerEntries([]witgo.Tuple[string, []byte]{{F0: "a", F1: []byte("1")}, {F0: "b", F1: []byte("2")}})
		require.NoError(t, err)
		f.call("[static]fields.from-list", uint64(ptr), uint64(n), retptr)
		require.Zero(t, f.u8(retptr))
		fields := f.u32(retptr + 4)

		vals, vn, err := f.mem.LowerByteLists([][]byte{[]byte("x"), []byte("y")})
		require.NoError(t, err)
		ap, al := f.str("A")
		f.call("[method]fields.set", fields, ap, al, uint64(vals), uint64(vn), retptr)
		require.Zero(t, f.u8(retptr))
		bp, bl := f.str("b")
		f.call("[method]fields.delete", fields, bp, bl, retptr)
		require.Zero(t, f.u8(retptr))

		clone := f.call("[method]fields.clone", fields)[0]
		f.call("[method]fields.entries", clone, retptr)
		lp, ln, err := f.mem.ReadPair(retptr)
		require.NoError(t, err)
		entries, err := f.mem.ReadEntries(lp, ln)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "x", string(entries[0].F1))
		assert.Equal(t, "y", string(entries[1].F1))
	})
}
