package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/OpenListTeam/wazero-agenthost/common/bytespool"
	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
)

const (
	clientCacheSize = 32
	copyBufferSize  = 32 * 1024
)

// EventStreamType is the content type whose responses resolve on headers
// and stream their body.
const EventStreamType = "text/event-stream"

var ErrMissingAuthority = errors.New("request authority cannot be empty")

type timeoutConfig struct {
	connect      time.Duration
	firstByte    time.Duration
	betweenBytes time.Duration
}

// Client performs outgoing requests on behalf of the guest.
type Client struct {
	cache         *lru.Cache[timeoutConfig, *http.Client]
	transport     http.RoundTripper
	logger        *zap.Logger
	streamTimeout time.Duration

	base context.Context
	stop context.CancelFunc
}

type ClientOption func(*Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTransport replaces the dialing transport. Timeout options are then
// only applied through the client timeout.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.transport = rt }
}

// WithStreamTimeout bounds each wait for body bytes, in both directions.
func WithStreamTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.streamTimeout = d }
}

func NewClient(opts ...ClientOption) *Client {
	cache, _ := lru.New[timeoutConfig, *http.Client](clientCacheSize)
	c := &Client{
		cache:         cache,
		logger:        zap.NewNop(),
		streamTimeout: manager_io.DefaultBlockTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.base, c.stop = context.WithCancel(context.Background())
	return c
}

// httpClient 按超时配置缓存 *http.Client，零值配置即默认客户端。
func (c *Client) httpClient(cfg timeoutConfig) *http.Client {
	if client, ok := c.cache.Get(cfg); ok {
		return client
	}
	rt := c.transport
	if rt == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyFromEnvironment
		transport.DialContext = (&net.Dialer{
			Timeout:   cfg.connect,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.ResponseHeaderTimeout = cfg.firstByte
		rt = transport
	}
	// 重定向由 guest 处理
	client := &http.Client{
		Transport: rt,
		Timeout:   cfg.betweenBytes,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.cache.Add(cfg, client)
	return client
}

// Dispatch starts req and returns its future at once. The transfer runs on
// its own goroutine and outlives the calling guest invocation.
func (c *Client) Dispatch(req *OutgoingRequest, opts *RequestOptions) (*FutureIncomingResponse, error) {
	ctx, cancel := context.WithCancel(c.base)
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	future := NewFutureIncomingResponse(cancel)
	client := c.httpClient(opts.config())
	c.logger.Debug("dispatch outgoing request",
		zap.String("method", httpReq.Method),
		zap.String("url", httpReq.URL.String()))
	go c.execute(client, httpReq, future, cancel)
	return future, nil
}

func (c *Client) buildRequest(ctx context.Context, req *OutgoingRequest) (*http.Request, error) {
	t := req.Target()
	method, scheme, authority, path := t.Method, t.Scheme, t.Authority, t.PathWithQuery

	if authority == nil || *authority == "" {
		return nil, ErrMissingAuthority
	}
	s := "https"
	if scheme != nil {
		s = *scheme
	}
	p := "/"
	if path != nil && *path != "" {
		p = *path
	}

	var body io.Reader
	contentLength := int64(0)
	if ob := req.OutgoingBody(); ob != nil {
		if ob.Finished() {
			data := ob.Buffer().Bytes()
			body, contentLength = bytes.NewReader(data), int64(len(data))
		} else {
			body, contentLength = ob.Buffer().Reader(ctx, c.streamTimeout), -1
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s://%s%s", s, *authority, p), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Headers.Header()
	if host := httpReq.Header.Get("Host"); host != "" {
		httpReq.Host = host
		httpReq.Header.Del("Host")
	}
	if body != nil {
		httpReq.ContentLength = contentLength
		if contentLength < 0 {
			if n, err := strconv.ParseInt(httpReq.Header.Get("Content-Length"), 10, 64); err == nil {
				httpReq.ContentLength = n
			}
		}
	}
	return httpReq, nil
}

// execute 在 body 传输结束后释放请求的 context。
func (c *Client) execute(client *http.Client, httpReq *http.Request, future *FutureIncomingResponse, cancel context.CancelFunc) {
	defer cancel()
	resp, err := client.Do(httpReq)
	if err != nil {
		c.logger.Warn("outgoing request failed", zap.String("url", httpReq.URL.String()), zap.Error(err))
		future.Resolve(nil, err)
		return
	}
	defer resp.Body.Close()

	buf := manager_io.NewBuffer()
	body := NewIncomingBody(buf)
	body.Timeout = c.streamTimeout
	body.cancel = cancel
	in := NewIncomingResponse(resp.StatusCode, FieldsFromHeader(resp.Header), body)

	streaming := IsEventStream(resp.Header.Get("Content-Type"))
	if streaming && !future.Resolve(in, nil) {
		return
	}
	err = Pump(resp.Body, buf)
	if len(resp.Trailer) > 0 {
		body.SetTrailers(FieldsFromHeader(resp.Trailer))
	}
	buf.CloseWithError(err)
	if err != nil && !errors.Is(buf.Err(), ErrBodyDropped) {
		c.logger.Warn("response body transfer failed", zap.String("url", httpReq.URL.String()), zap.Error(err))
	}
	if !streaming {
		future.Resolve(in, nil)
	}
}

// Pump copies r into buf chunk by chunk so readers see every chunk as it
// arrives. It returns nil on a clean EOF.
func Pump(r io.Reader, buf *manager_io.Buffer) error {
	p := bytespool.Alloc(copyBufferSize)
	defer bytespool.Free(p)
	for {
		n, err := r.Read(p)
		if n > 0 {
			if _, werr := buf.Write(p[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func IsEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == EventStreamType
}

// Close aborts every in-flight request.
func (c *Client) Close() error {
	c.stop()
	c.cache.Purge()
	return nil
}
