// Package http holds the host state behind wasi:http resources and the
// client that performs outgoing requests.
package http

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
)

var (
	// ErrAlreadyTaken 表示 body/stream 这类只能获取一次的子资源已被取走。
	ErrAlreadyTaken = errors.New("resource already taken")
	ErrBodyFinished = errors.New("body already finished")
	ErrBodyDropped  = errors.New("incoming body dropped")
)

// OutgoingRequest is built by the guest and consumed by the outgoing handler.
type OutgoingRequest struct {
	mu            sync.Mutex
	Method        string
	Scheme        *string
	Authority     *string
	PathWithQuery *string
	Headers       *Fields

	body      *OutgoingBody
	bodyTaken bool
}

func (*OutgoingRequest) Kind() resource.Kind { return resource.KindOutgoingRequest }

// NewOutgoingRequest takes ownership of headers and freezes them.
func NewOutgoingRequest(headers *Fields) *OutgoingRequest {
	headers.Freeze()
	return &OutgoingRequest{Method: "GET", Headers: headers, body: NewOutgoingBody()}
}

// Body hands out the request body once.
func (r *OutgoingRequest) Body() (*OutgoingBody, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyTaken {
		return nil, ErrAlreadyTaken
	}
	r.bodyTaken = true
	return r.body, nil
}

// Target is the request line of an OutgoingRequest.
type Target struct {
	Method        string
	Scheme        *string
	Authority     *string
	PathWithQuery *string
}

// Target returns a copy of the request line.
func (r *OutgoingRequest) Target() Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Target{Method: r.Method, Scheme: r.Scheme, Authority: r.Authority, PathWithQuery: r.PathWithQuery}
}

// SetMethod rejects anything that is not an HTTP token.
func (r *OutgoingRequest) SetMethod(m string) error {
	if m == "" || !httpguts.ValidHeaderFieldName(m) {
		return ErrInvalidSyntax
	}
	r.mu.Lock()
	r.Method = m
	r.mu.Unlock()
	return nil
}

func (r *OutgoingRequest) SetScheme(s *string) error {
	if s != nil && (*s == "" || strings.ContainsAny(*s, ":/ ")) {
		return ErrInvalidSyntax
	}
	r.mu.Lock()
	r.Scheme = s
	r.mu.Unlock()
	return nil
}

func (r *OutgoingRequest) SetAuthority(a *string) error {
	if a != nil && strings.ContainsAny(*a, "/?# ") {
		return ErrInvalidSyntax
	}
	r.mu.Lock()
	r.Authority = a
	r.mu.Unlock()
	return nil
}

func (r *OutgoingRequest) SetPathWithQuery(p *string) error {
	if p != nil && strings.ContainsAny(*p, " \r\n") {
		return ErrInvalidSyntax
	}
	r.mu.Lock()
	r.PathWithQuery = p
	r.mu.Unlock()
	return nil
}

// OutgoingBody reports the body to send, nil when the guest never asked for
// one.
func (r *OutgoingRequest) OutgoingBody() *OutgoingBody {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bodyTaken {
		return nil
	}
	return r.body
}

// OutgoingBody is a growable buffer with a finished flag: the guest writes
// through an output-stream, then calls finish.
type OutgoingBody struct {
	mu          sync.Mutex
	buf         *manager_io.Buffer
	streamTaken bool
	trailers    *Fields
}

func (*OutgoingBody) Kind() resource.Kind { return resource.KindOutgoingBody }

func NewOutgoingBody() *OutgoingBody {
	return &OutgoingBody{buf: manager_io.NewBuffer()}
}

func (b *OutgoingBody) Buffer() *manager_io.Buffer { return b.buf }

// Write returns the body's output stream once.
func (b *OutgoingBody) Write() (manager_io.OutputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamTaken {
		return nil, ErrAlreadyTaken
	}
	b.streamTaken = true
	return manager_io.NewBufferOutputStream(b.buf), nil
}

// Finish marks the body complete. trailers may be nil.
func (b *OutgoingBody) Finish(trailers *Fields) error {
	if b.buf.Complete() {
		return ErrBodyFinished
	}
	b.mu.Lock()
	b.trailers = trailers
	b.mu.Unlock()
	b.buf.CloseWithError(nil)
	return nil
}

func (b *OutgoingBody) Finished() bool { return b.buf.Complete() }

func (b *OutgoingBody) Trailers() *Fields {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trailers
}

// Abort ends the body with an error, which fails the in-flight request.
func (b *OutgoingBody) Abort(err error) { b.buf.CloseWithError(err) }

// TimeoutKind selects one of the request-options durations.
type TimeoutKind int

const (
	ConnectTimeout TimeoutKind = iota
	FirstByteTimeout
	BetweenBytesTimeout
)

// RequestOptions holds the optional per-request timeouts.
type RequestOptions struct {
	mu       sync.Mutex
	timeouts [3]*time.Duration
}

func (*RequestOptions) Kind() resource.Kind { return resource.KindRequestOptions }

func (o *RequestOptions) Timeout(k TimeoutKind) *time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d := o.timeouts[k]; d != nil {
		v := *d
		return &v
	}
	return nil
}

// SetTimeout sets or clears (d == nil) one duration.
func (o *RequestOptions) SetTimeout(k TimeoutKind, d *time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d == nil {
		o.timeouts[k] = nil
		return
	}
	v := *d
	o.timeouts[k] = &v
}

func (o *RequestOptions) config() timeoutConfig {
	var cfg timeoutConfig
	if o == nil {
		return cfg
	}
	if d := o.Timeout(ConnectTimeout); d != nil {
		cfg.connect = *d
	}
	if d := o.Timeout(FirstByteTimeout); d != nil {
		cfg.firstByte = *d
	}
	if d := o.Timeout(BetweenBytesTimeout); d != nil {
		cfg.betweenBytes = *d
	}
	return cfg
}

// IncomingResponse is a response received by the host. Its body buffer
// grows while the transfer runs; Complete tells "no bytes yet" apart from
// "finished".
type IncomingResponse struct {
	Status  int
	Headers *Fields

	mu        sync.Mutex
	body      *IncomingBody
	bodyTaken bool
}

func (*IncomingResponse) Kind() resource.Kind { return resource.KindIncomingResponse }

func NewIncomingResponse(status int, headers *Fields, body *IncomingBody) *IncomingResponse {
	return &IncomingResponse{Status: status, Headers: headers, body: body}
}

// Consume hands out the body once.
func (r *IncomingResponse) Consume() (*IncomingBody, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyTaken {
		return nil, ErrAlreadyTaken
	}
	r.bodyTaken = true
	return r.body, nil
}

// Close releases the body when the guest drops the response without taking
// it. A body already handed out is closed through its own handle.
func (r *IncomingResponse) Close() error {
	r.mu.Lock()
	body := r.body
	if r.bodyTaken {
		body = nil
	}
	r.bodyTaken = true
	r.mu.Unlock()
	if body == nil {
		return nil
	}
	return body.Close()
}

// IncomingBody is shared by the incoming response/request and the
// transfer goroutine that fills it.
type IncomingBody struct {
	buf *manager_io.Buffer

	mu          sync.Mutex
	streamTaken bool
	trailers    *Fields
	cancel      context.CancelFunc
	// Timeout bounds each blocking read of the body stream.
	Timeout time.Duration
}

func (*IncomingBody) Kind() resource.Kind { return resource.KindIncomingBody }

func NewIncomingBody(buf *manager_io.Buffer) *IncomingBody {
	return &IncomingBody{buf: buf, Timeout: manager_io.DefaultBlockTimeout}
}

func (b *IncomingBody) Buffer() *manager_io.Buffer { return b.buf }

// Stream returns the body's input stream once.
func (b *IncomingBody) Stream() (manager_io.InputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamTaken {
		return nil, ErrAlreadyTaken
	}
	b.streamTaken = true
	s := manager_io.NewConsumingInputStream(b.buf)
	s.Timeout = b.Timeout
	return s, nil
}

// Close aborts the transfer that fills the body. Bytes already received
// stay readable; a body that was still growing ends with ErrBodyDropped.
func (b *IncomingBody) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.buf.CloseWithError(ErrBodyDropped)
	return nil
}

// SetTrailers is called by the producer before it completes the buffer.
func (b *IncomingBody) SetTrailers(f *Fields) {
	b.mu.Lock()
	b.trailers = f
	b.mu.Unlock()
}

// Finish turns the body into its trailers future.
func (b *IncomingBody) Finish() *FutureTrailers {
	return &FutureTrailers{body: b}
}

// FutureTrailers resolves when the body transfer is complete.
type FutureTrailers struct {
	body *IncomingBody

	mu     sync.Mutex
	handle int32
}

func (*FutureTrailers) Kind() resource.Kind { return resource.KindFutureTrailers }

// Close drops the body with the future: nobody is left to read it.
func (f *FutureTrailers) Close() error { return f.body.Close() }

func (f *FutureTrailers) Subscribe() manager_io.IPollable {
	return &manager_io.FuncPollable{Wait: f.body.buf.Done}
}

// Get reports whether the body is complete and, if so, its trailers (nil
// when the response carried none) or the transfer error.
func (f *FutureTrailers) Get() (trailers *Fields, ready bool, err error) {
	select {
	case <-f.body.buf.Done():
	default:
		return nil, false, nil
	}
	if err := f.body.buf.Err(); err != nil {
		return nil, true, err
	}
	f.body.mu.Lock()
	defer f.body.mu.Unlock()
	return f.body.trailers, true, nil
}

// TrailersHandle returns the handle registered for the trailers, calling
// register only the first time.
func (f *FutureTrailers) TrailersHandle(register func() int32) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == 0 {
		f.handle = register()
	}
	return f.handle
}
