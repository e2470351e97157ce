package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
)

func TestFields(t *testing.T) {
	f, err := FieldsFromList([]Entry{{Name: "content-type", Value: []byte("text/plain")}, {Name: "x-a", Value: []byte("1")}})
	require.NoError(t, err)
	require.NoError(t, f.Append("X-A", []byte("2")))
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, f.Get("x-a"))
	assert.True(t, f.Has("Content-Type"))

	require.NoError(t, f.Set("x-a", [][]byte{[]byte("3")}))
	assert.Equal(t, [][]byte{[]byte("3")}, f.Get("x-a"))
	require.NoError(t, f.Delete("x-a"))
	assert.False(t, f.Has("x-a"))

	assert.ErrorIs(t, f.Append("bad name", []byte("v")), ErrInvalidSyntax)
	assert.ErrorIs(t, f.Append("ok", []byte("line\nbreak")), ErrInvalidSyntax)
	_, err = FieldsFromList([]Entry{{Name: "", Value: nil}})
	assert.ErrorIs(t, err, ErrInvalidSyntax)

	clone := f.Clone()
	f.Freeze()
	assert.ErrorIs(t, f.Append("x", []byte("y")), ErrImmutable)
	assert.NoError(t, clone.Append("x", []byte("y")))

	h := clone.Header()
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
}

func echoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		_, _ = io.Copy(w, r.Body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRequest(t *testing.T, srv *httptest.Server, method, path string, headers ...Entry) *OutgoingRequest {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	f, err := FieldsFromList(headers)
	require.NoError(t, err)
	req := NewOutgoingRequest(f)
	scheme := "http"
	req.Method, req.Scheme, req.Authority, req.PathWithQuery = method, &scheme, &u.Host, &path
	return req
}

func wait(t *testing.T, f *FutureIncomingResponse) *IncomingResponse {
	t.Helper()
	require.True(t, manager_io.Block(context.Background(), f.Subscribe(), 5*time.Second))
	resp, ready, err := f.Result()
	require.True(t, ready)
	require.NoError(t, err)
	return resp
}

func readAll(t *testing.T, resp *IncomingResponse) []byte {
	t.Helper()
	body, err := resp.Consume()
	require.NoError(t, err)
	stream, err := body.Stream()
	require.NoError(t, err)
	var out []byte
	for {
		chunk, err := stream.Read(context.Background(), 4096, true)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestDispatchEcho(t *testing.T) {
	srv := echoServer(t)
	c := NewClient()
	defer c.Close()

	req := newRequest(t, srv, http.MethodPost, "/echo", Entry{Name: "content-type", Value: []byte("application/json")})
	body, err := req.Body()
	require.NoError(t, err)
	out, err := body.Write()
	require.NoError(t, err)
	require.NoError(t, out.Write([]byte(`{"a":1}`)))
	require.NoError(t, body.Finish(nil))

	future, err := c.Dispatch(req, nil)
	require.NoError(t, err)
	resp := wait(t, future)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, [][]byte{[]byte("application/json")}, resp.Headers.Get("content-type"))
	assert.Equal(t, `{"a":1}`, string(readAll(t, resp)))

	t.Run("get is idempotent", func(t *testing.T) {
		calls := 0
		register := func(*IncomingResponse) int32 { calls++; return 41 }
		for range 3 {
			assert.Equal(t, int32(41), future.ResponseHandle(register))
			again, ready, err := future.Result()
			require.True(t, ready)
			require.NoError(t, err)
			assert.Same(t, resp, again)
		}
		assert.Equal(t, 1, calls)
	})
}

func TestDispatchStreamingBody(t *testing.T) {
	srv := echoServer(t)
	c := NewClient()
	defer c.Close()

	req := newRequest(t, srv, http.MethodPut, "/", Entry{Name: "content-type", Value: []byte("text/plain")})
	body, err := req.Body()
	require.NoError(t, err)
	out, err := body.Write()
	require.NoError(t, err)

	future, err := c.Dispatch(req, nil)
	require.NoError(t, err)
	require.NoError(t, out.Write([]byte("part1 ")))
	require.NoError(t, out.Write([]byte("part2")))
	require.NoError(t, body.Finish(nil))

	resp := wait(t, future)
	assert.Equal(t, "part1 part2", string(readAll(t, resp)))
}

func TestDispatchEventStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: one\n\n")
		fl.Flush()
		<-release
		fmt.Fprint(w, "data: two\n\n")
	}))
	defer srv.Close()

	c := NewClient()
	defer c.Close()
	future, err := c.Dispatch(newRequest(t, srv, http.MethodGet, "/sse"), nil)
	require.NoError(t, err)

	// ready on headers, while the server is still holding the body open
	resp := wait(t, future)
	body, err := resp.Consume()
	require.NoError(t, err)
	stream, err := body.Stream()
	require.NoError(t, err)

	first, err := stream.Read(context.Background(), 1024, true)
	require.NoError(t, err)
	assert.Equal(t, "data: one\n\n", string(first))

	sub := stream.Subscribe()
	assert.False(t, sub.IsReady())
	close(release)
	require.True(t, manager_io.Block(context.Background(), sub, 5*time.Second))

	second, err := stream.Read(context.Background(), 1024, true)
	require.NoError(t, err)
	assert.Equal(t, "data: two\n\n", string(second))
	_, err = stream.Read(context.Background(), 1024, true)
	assert.ErrorIs(t, err, io.EOF)

	trailers := body.Finish()
	_, ready, err := trailers.Get()
	assert.True(t, ready)
	assert.NoError(t, err)
}

func endlessStream(t *testing.T) (*httptest.Server, <-chan struct{}) {
	gone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(gone)
		w.Header().Set("Content-Type", EventStreamType)
		fl := w.(http.Flusher)
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			fmt.Fprint(w, "data: x\n\n")
			fl.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-tick.C:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, gone
}

func TestDropEventStream(t *testing.T) {
	start := func(t *testing.T) (*IncomingResponse, <-chan struct{}) {
		srv, gone := endlessStream(t)
		c := NewClient()
		t.Cleanup(func() { _ = c.Close() })
		future, err := c.Dispatch(newRequest(t, srv, http.MethodGet, "/sse"), nil)
		require.NoError(t, err)
		resp := wait(t, future)
		future.ResponseHandle(func(*IncomingResponse) int32 { return 1 })
		require.NoError(t, future.Close())
		return resp, gone
	}
	ended := func(t *testing.T, gone <-chan struct{}) {
		t.Helper()
		select {
		case <-gone:
		case <-time.After(5 * time.Second):
			t.Fatal("server request context still open")
		}
	}

	t.Run("response dropped", func(t *testing.T) {
		resp, gone := start(t)
		require.NoError(t, resp.Close())
		ended(t, gone)
		_, err := resp.Consume()
		assert.ErrorIs(t, err, ErrAlreadyTaken)
	})

	t.Run("body dropped mid-stream", func(t *testing.T) {
		resp, gone := start(t)
		body, err := resp.Consume()
		require.NoError(t, err)
		stream, err := body.Stream()
		require.NoError(t, err)
		first, err := stream.Read(context.Background(), 1024, true)
		require.NoError(t, err)
		assert.NotEmpty(t, first)

		require.NoError(t, body.Close())
		ended(t, gone)
		assert.True(t, body.Buffer().Complete())
		assert.ErrorIs(t, body.Buffer().Err(), ErrBodyDropped)
		// dropping the response afterwards leaves the body to its own handle
		assert.NoError(t, resp.Close())
	})

	t.Run("trailers future dropped", func(t *testing.T) {
		resp, gone := start(t)
		body, err := resp.Consume()
		require.NoError(t, err)
		trailers := body.Finish()
		require.NoError(t, trailers.Close())
		ended(t, gone)
		_, ready, err := trailers.Get()
		assert.True(t, ready)
		assert.ErrorIs(t, err, ErrBodyDropped)
	})
}

func TestDispatchErrors(t *testing.T) {
	c := NewClient()
	defer c.Close()

	req := NewOutgoingRequest(NewFields())
	_, err := c.Dispatch(req, nil)
	assert.ErrorIs(t, err, ErrMissingAuthority)

	t.Run("transport failure resolves with an error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		r := newRequest(t, srv, http.MethodGet, "/")
		srv.Close()
		future, err := c.Dispatch(r, nil)
		require.NoError(t, err)
		require.True(t, manager_io.Block(context.Background(), future.Subscribe(), 5*time.Second))
		resp, ready, err := future.Result()
		assert.True(t, ready)
		assert.Nil(t, resp)
		assert.Error(t, err)
	})

	t.Run("block timeout resolves the future", func(t *testing.T) {
		hold := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-hold }))
		defer srv.Close()
		defer close(hold)

		future, err := c.Dispatch(newRequest(t, srv, http.MethodGet, "/slow"), nil)
		require.NoError(t, err)
		assert.True(t, manager_io.Block(context.Background(), future.Subscribe(), 20*time.Millisecond))
		_, ready, err := future.Result()
		assert.True(t, ready)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.False(t, future.Resolve(nil, nil), "first resolution wins")
	})
}

func TestRequestOptions(t *testing.T) {
	o := &RequestOptions{}
	assert.Nil(t, o.Timeout(ConnectTimeout))
	d := 2 * time.Second
	o.SetTimeout(ConnectTimeout, &d)
	got := o.Timeout(ConnectTimeout)
	require.NotNil(t, got)
	assert.Equal(t, d, *got)
	assert.Equal(t, timeoutConfig{connect: d}, o.config())
	o.SetTimeout(ConnectTimeout, nil)
	assert.Nil(t, o.Timeout(ConnectTimeout))

	c := NewClient()
	assert.Same(t, c.httpClient(o.config()), c.httpClient(timeoutConfig{}))
}

func TestServerResources(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example.local/api?q=1", nil)
	r.Header.Set("X-Test", "yes")
	in := NewIncomingRequest(r, NewIncomingBody(manager_io.NewBufferFrom([]byte("payload"))))
	assert.Equal(t, "/api?q=1", *in.PathWithQuery)
	assert.Equal(t, "example.local", *in.Authority)
	assert.Equal(t, [][]byte{[]byte("yes")}, in.Headers.Get("x-test"))
	_, err := in.Consume()
	require.NoError(t, err)
	_, err = in.Consume()
	assert.ErrorIs(t, err, ErrAlreadyTaken)

	resp := NewOutgoingResponse(NewFields())
	assert.Equal(t, 200, resp.Status())
	assert.ErrorIs(t, resp.SetStatus(42), ErrInvalidStatus)
	require.NoError(t, resp.SetStatus(201))

	out := NewResponseOutparam()
	assert.True(t, out.Set(resp, nil))
	assert.False(t, out.Set(nil, ErrOutparamDropped))
	require.NoError(t, out.Close())
	res := <-out.Result()
	assert.Same(t, resp, res.Response)
}
