package http

import (
	"errors"
	"net/http"
	"sync"

	manager_io "github.com/OpenListTeam/wazero-agenthost/manager/io"
	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
)

var (
	ErrInvalidStatus   = errors.New("invalid status code")
	ErrOutparamDropped = errors.New("response-outparam dropped without a response")
)

// IncomingRequest is a request the host received and hands to the guest's
// incoming-handler.
type IncomingRequest struct {
	Method        string
	Scheme        *string
	Authority     *string
	PathWithQuery *string
	Headers       *Fields

	mu        sync.Mutex
	body      *IncomingBody
	bodyTaken bool
}

func (*IncomingRequest) Kind() resource.Kind { return resource.KindIncomingRequest }

// NewIncomingRequest snapshots r. body is filled by the caller.
func NewIncomingRequest(r *http.Request, body *IncomingBody) *IncomingRequest {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	authority := r.Host
	path := r.URL.RequestURI()
	return &IncomingRequest{
		Method:        r.Method,
		Scheme:        &scheme,
		Authority:     &authority,
		PathWithQuery: &path,
		Headers:       FieldsFromHeader(r.Header),
		body:          body,
	}
}

func (r *IncomingRequest) Consume() (*IncomingBody, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyTaken || r.body == nil {
		return nil, ErrAlreadyTaken
	}
	r.bodyTaken = true
	return r.body, nil
}

// OutgoingResponse is the guest's answer to an incoming request.
type OutgoingResponse struct {
	Headers *Fields

	mu        sync.Mutex
	status    int
	body      *OutgoingBody
	bodyTaken bool
}

func (*OutgoingResponse) Kind() resource.Kind { return resource.KindOutgoingResponse }

// NewOutgoingResponse takes ownership of headers. The status defaults to 200.
func NewOutgoingResponse(headers *Fields) *OutgoingResponse {
	headers.Freeze()
	return &OutgoingResponse{Headers: headers, status: http.StatusOK, body: NewOutgoingBody()}
}

func (r *OutgoingResponse) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *OutgoingResponse) SetStatus(code int) error {
	if code < 100 || code > 999 {
		return ErrInvalidStatus
	}
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
	return nil
}

func (r *OutgoingResponse) Body() (*OutgoingBody, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyTaken {
		return nil, ErrAlreadyTaken
	}
	r.bodyTaken = true
	return r.body, nil
}

// BodyBuffer is the response body, complete or still being written. Once
// the response is delivered the guest can no longer ask for a body, so one
// it never took is empty.
func (r *OutgoingResponse) BodyBuffer() *manager_io.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bodyTaken {
		r.body.Buffer().CloseWithError(nil)
	}
	return r.body.Buffer()
}

// OutparamResult is what the guest delivered through response-outparam.set.
type OutparamResult struct {
	Response *OutgoingResponse
	Err      error
}

// ResponseOutparam is a one-shot slot the guest fills with its response.
type ResponseOutparam struct {
	once sync.Once
	ch   chan OutparamResult
}

func (*ResponseOutparam) Kind() resource.Kind { return resource.KindResponseOutparam }

func NewResponseOutparam() *ResponseOutparam {
	return &ResponseOutparam{ch: make(chan OutparamResult, 1)}
}

// Set delivers the result and reports whether it was the first.
func (o *ResponseOutparam) Set(resp *OutgoingResponse, err error) bool {
	set := false
	o.once.Do(func() {
		o.ch <- OutparamResult{Response: resp, Err: err}
		set = true
	})
	return set
}

func (o *ResponseOutparam) Result() <-chan OutparamResult { return o.ch }

// Close unblocks the server when the guest drops the outparam unset.
func (o *ResponseOutparam) Close() error {
	o.Set(nil, ErrOutparamDropped)
	return nil
}
