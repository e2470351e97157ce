package wasi_http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/OpenListTeam/wazero-agenthost/common/bytespool"
	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

const incomingHandler = "wasi:http/incoming-handler"

var ErrNoIncomingHandler = errors.New("guest does not export wasi:http/incoming-handler#handle")

// Server 实现了 http.Handler，将传入的 HTTP 请求转发给 guest 的 incoming-handler 处理。
type Server struct {
	host    *wasip2.Host
	caller  *witgo.Caller
	mu      sync.Locker
	timeout time.Duration
}

type ServerOption func(*Server)

// WithLocker serializes guest calls with other users of the same guest.
func WithLocker(l sync.Locker) ServerOption {
	return func(s *Server) { s.mu = l }
}

// WithResponseTimeout bounds the wait for response-outparam.set and each
// read of the response body.
func WithResponseTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// NewServer 创建一个新的 wasi-http 服务器实例。
// guest 必须导出某个受支持版本的 wasi:http/incoming-handler#handle。
func NewServer(guest api.Module, host *wasip2.Host, opts ...ServerOption) (*Server, error) {
	s := &Server{host: host, mu: &sync.Mutex{}, timeout: host.BlockTimeout()}
	for _, opt := range opts {
		opt(s)
	}
	versions := slices.Clone(wasip2.Versions)
	slices.Reverse(versions)
	for _, v := range versions {
		c := witgo.NewCaller(guest, incomingHandler+"@"+v)
		if c.Has("handle") {
			s.caller = c
			return s, nil
		}
	}
	if guest.ExportedFunction(incomingHandler+"#handle") != nil {
		s.caller = witgo.NewCaller(guest, incomingHandler)
		return s, nil
	}
	return nil, ErrNoIncomingHandler
}

// ServeHTTP 是 http.Handler 接口的实现。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table := s.host.Table()

	// 1. 将 http.Request 转换为 incoming-request，请求体在后台持续写入缓冲区
	buf := manager_io.NewBuffer()
	go func() { buf.CloseWithError(manager_http.Pump(r.Body, buf)) }()
	body := manager_http.NewIncomingBody(buf)
	body.Timeout = s.timeout
	reqHandle := table.Add(manager_http.NewIncomingRequest(r, body))

	// 2. 创建一个 response-outparam
	outparam := manager_http.NewResponseOutparam()
	outHandle := table.Add(outparam)
	defer func() {
		// guest 未 drop 的句柄在请求结束时回收
		table.Remove(reqHandle)
		table.Remove(outHandle)
	}()

	// 3. 调用 guest 的 handle 函数
	s.mu.Lock()
	_, err := s.caller.Call(ctx, "handle", api.EncodeU32(uint32(reqHandle)), api.EncodeU32(uint32(outHandle)))
	s.mu.Unlock()
	if err != nil {
		s.host.Logger().Warn("incoming handler trapped", zap.Error(err))
		outparam.Set(nil, err)
	}

	// 4. 等待 guest 通过 response-outparam.set 返回结果
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		http.Error(w, "guest did not respond in time", http.StatusGatewayTimeout)
	case res := <-outparam.Result():
		if res.Err != nil {
			http.Error(w, fmt.Sprintf("guest handler failed: %v", res.Err), http.StatusInternalServerError)
			return
		}
		s.writeResponse(ctx, w, res.Response)
	}
}

// writeResponse 将 guest 返回的 outgoing-response 写入 http.ResponseWriter。
// 响应体可能仍在被 guest 写入，按块转发直到 finish。
func (s *Server) writeResponse(ctx context.Context, w http.ResponseWriter, resp *manager_http.OutgoingResponse) {
	for name, values := range resp.Headers.Header() {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.Status())

	reader := resp.BodyBuffer().Reader(ctx, s.timeout)
	p := bytespool.Alloc(32 * 1024)
	defer bytespool.Free(p)
	for {
		n, err := reader.Read(p)
		if n > 0 {
			if _, werr := w.Write(p[:n]); werr != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.host.Logger().Debug("response body ended early", zap.Error(err))
			}
			return
		}
	}
}
