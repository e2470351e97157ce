package v0_2

import (
	manager_http "github.com/OpenListTeam/wazero-agenthost/manager/http"
	"github.com/OpenListTeam/wazero-agenthost/wasip2"
	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// --- wasi:http/types implementation ---

type httpTypes struct{}

func NewTypes() wasip2.Implementation { return &httpTypes{} }

func (i *httpTypes) Name() string       { return "wasi:http/types" }
func (i *httpTypes) Versions() []string { return wasip2.Versions }

func (i *httpTypes) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	b := base{h: h}
	drop := h.Drop()

	// --- fields ---
	fields := &fieldsImpl{b}
	e.Export("[constructor]fields", fields.Constructor, nil, witgo.Params(i32))
	e.Export("[static]fields.from-list", fields.FromList, witgo.Params(i32, i32, i32), nil)
	e.Export("[resource-drop]fields", drop, witgo.Params(i32), nil)
	e.Export("[method]fields.get", fields.Get, witgo.Params(i32, i32, i32, i32), nil)
	e.Export("[method]fields.has", fields.Has, witgo.Params(i32, i32, i32), witgo.Params(i32))
	e.Export("[method]fields.set", fields.Set, witgo.Params(i32, i32, i32, i32, i32, i32), nil)
	e.Export("[method]fields.delete", fields.Delete, witgo.Params(i32, i32, i32, i32), nil)
	e.Export("[method]fields.append", fields.Append, witgo.Params(i32, i32, i32, i32, i32, i32), nil)
	e.Export("[method]fields.entries", fields.Entries, witgo.Params(i32, i32), nil)
	e.Export("[method]fields.clone", fields.Clone, witgo.Params(i32), witgo.Params(i32))

	// --- incoming-request ---
	incomingRequest := &incomingRequestImpl{b}
	e.Export("[resource-drop]incoming-request", drop, witgo.Params(i32), nil)
	e.Export("[method]incoming-request.method", incomingRequest.Method, witgo.Params(i32, i32), nil)
	e.Export("[method]incoming-request.path-with-query", incomingRequest.PathWithQuery, witgo.Params(i32, i32), nil)
	e.Export("[method]incoming-request.scheme", incomingRequest.Scheme, witgo.Params(i32, i32), nil)
	e.Export("[method]incoming-request.authority", incomingRequest.Authority, witgo.Params(i32, i32), nil)
	e.Export("[method]incoming-request.headers", incomingRequest.Headers, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]incoming-request.consume", incomingRequest.Consume, witgo.Params(i32, i32), nil)

	// --- outgoing-request ---
	outgoingRequest := &outgoingRequestImpl{b}
	e.Export("[constructor]outgoing-request", outgoingRequest.Constructor, witgo.Params(i32), witgo.Params(i32))
	e.Export("[resource-drop]outgoing-request", drop, witgo.Params(i32), nil)
	e.Export("[method]outgoing-request.body", outgoingRequest.Body, witgo.Params(i32, i32), nil)
	e.Export("[method]outgoing-request.method", outgoingRequest.Method, witgo.Params(i32, i32), nil)
	e.Export("[method]outgoing-request.set-method", outgoingRequest.SetMethod, witgo.Params(i32, i32, i32, i32), witgo.Params(i32))
	e.Export("[method]outgoing-request.path-with-query", outgoingRequest.PathWithQuery, witgo.Params(i32, i32), nil)
	e.Export("[method]outgoing-request.set-path-with-query", outgoingRequest.SetPathWithQuery, witgo.Params(i32, i32, i32, i32), witgo.Params(i32))
	e.Export("[method]outgoing-request.scheme", outgoingRequest.Scheme, witgo.Params(i32, i32), nil)
	e.Export("[method]outgoing-request.set-scheme", outgoingRequest.SetScheme, witgo.Params(i32, i32, i32, i32, i32), witgo.Params(i32))
	e.Export("[method]outgoing-request.authority", outgoingRequest.Authority, witgo.Params(i32, i32), nil)
	e.Export("[method]outgoing-request.set-authority", outgoingRequest.SetAuthority, witgo.Params(i32, i32, i32, i32), witgo.Params(i32))
	e.Export("[method]outgoing-request.headers", outgoingRequest.Headers, witgo.Params(i32), witgo.Params(i32))

	// --- request-options ---
	options := &requestOptionsImpl{b}
	e.Export("[constructor]request-options", options.Constructor, nil, witgo.Params(i32))
	e.Export("[resource-drop]request-options", drop, witgo.Params(i32), nil)
	for name, kind := range timeoutNames {
		e.Export("[method]request-options."+name, options.getter(kind), witgo.Params(i32, i32), nil)
		e.Export("[method]request-options.set-"+name, options.setter(kind), witgo.Params(i32, i32, i64), witgo.Params(i32))
	}

	// --- response-outparam ---
	outparam := &responseOutparamImpl{b}
	e.Export("[resource-drop]response-outparam", drop, witgo.Params(i32), nil)
	e.Export("[static]response-outparam.set", outparam.Set, witgo.Params(i32, i32, i32, i32, i64, i32, i32, i32, i32), nil)

	// --- incoming-response ---
	incomingResponse := &incomingResponseImpl{b}
	e.Export("[resource-drop]incoming-response", drop, witgo.Params(i32), nil)
	e.Export("[method]incoming-response.status", incomingResponse.Status, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]incoming-response.headers", incomingResponse.Headers, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]incoming-response.consume", incomingResponse.Consume, witgo.Params(i32, i32), nil)

	// --- incoming-body ---
	incomingBody := &incomingBodyImpl{b}
	e.Export("[resource-drop]incoming-body", drop, witgo.Params(i32), nil)
	e.Export("[method]incoming-body.stream", incomingBody.Stream, witgo.Params(i32, i32), nil)
	e.Export("[static]incoming-body.finish", incomingBody.Finish, witgo.Params(i32), witgo.Params(i32))

	// --- future-trailers ---
	futureTrailers := &futureTrailersImpl{b}
	e.Export("[resource-drop]future-trailers", drop, witgo.Params(i32), nil)
	e.Export("[method]future-trailers.subscribe", futureTrailers.Subscribe, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]future-trailers.get", futureTrailers.Get, witgo.Params(i32, i32), nil)

	// --- outgoing-response ---
	outgoingResponse := &outgoingResponseImpl{b}
	e.Export("[constructor]outgoing-response", outgoingResponse.Constructor, witgo.Params(i32), witgo.Params(i32))
	e.Export("[resource-drop]outgoing-response", drop, witgo.Params(i32), nil)
	e.Export("[method]outgoing-response.status-code", outgoingResponse.StatusCode, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]outgoing-response.set-status-code", outgoingResponse.SetStatusCode, witgo.Params(i32, i32), witgo.Params(i32))
	e.Export("[method]outgoing-response.headers", outgoingResponse.Headers, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]outgoing-response.body", outgoingResponse.Body, witgo.Params(i32, i32), nil)

	// --- outgoing-body ---
	outgoingBody := &outgoingBodyImpl{b}
	e.Export("[resource-drop]outgoing-body", drop, witgo.Params(i32), nil)
	e.Export("[method]outgoing-body.write", outgoingBody.Write, witgo.Params(i32, i32), nil)
	e.Export("[static]outgoing-body.finish", outgoingBody.Finish, witgo.Params(i32, i32, i32, i32), nil)

	// --- future-incoming-response ---
	future := &futureIncomingResponseImpl{b}
	e.Export("[resource-drop]future-incoming-response", drop, witgo.Params(i32), nil)
	e.Export("[method]future-incoming-response.subscribe", future.Subscribe, witgo.Params(i32), witgo.Params(i32))
	e.Export("[method]future-incoming-response.get", future.Get, witgo.Params(i32, i32), nil)

	// --- http-error-code ---
	handler := &outgoingHandlerImpl{b}
	e.Export("http-error-code", handler.HTTPErrorCode, witgo.Params(i32, i32), nil)
}

var timeoutNames = map[string]manager_http.TimeoutKind{
	"connect-timeout":       manager_http.ConnectTimeout,
	"first-byte-timeout":    manager_http.FirstByteTimeout,
	"between-bytes-timeout": manager_http.BetweenBytesTimeout,
}

// --- wasi:http/outgoing-handler implementation ---

type outgoingHandler struct{}

func NewOutgoingHandler() wasip2.Implementation { return &outgoingHandler{} }

func (i *outgoingHandler) Name() string       { return "wasi:http/outgoing-handler" }
func (i *outgoingHandler) Versions() []string { return wasip2.Versions }

func (i *outgoingHandler) Export(h *wasip2.Host, _ string, e *witgo.Exporter) {
	handler := &outgoingHandlerImpl{base{h: h}}
	e.Export("handle", handler.Handle, witgo.Params(i32, i32, i32, i32), nil)
}
