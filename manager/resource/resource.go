package resource

import (
	"io"
	"math"
	"sync"
)

// Kind tags every host object stored in a Table so that lookups can reject a
// handle that points at the wrong kind of resource.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPollable
	KindInputStream
	KindOutputStream
	KindError
	KindFields
	KindOutgoingRequest
	KindOutgoingBody
	KindRequestOptions
	KindFutureIncomingResponse
	KindIncomingResponse
	KindIncomingBody
	KindFutureTrailers
	KindIncomingRequest
	KindOutgoingResponse
	KindResponseOutparam
)

var kindNames = [...]string{
	KindInvalid:                "invalid",
	KindPollable:               "pollable",
	KindInputStream:            "input-stream",
	KindOutputStream:           "output-stream",
	KindError:                  "error",
	KindFields:                 "fields",
	KindOutgoingRequest:        "outgoing-request",
	KindOutgoingBody:           "outgoing-body",
	KindRequestOptions:         "request-options",
	KindFutureIncomingResponse: "future-incoming-response",
	KindIncomingResponse:       "incoming-response",
	KindIncomingBody:           "incoming-body",
	KindFutureTrailers:         "future-trailers",
	KindIncomingRequest:        "incoming-request",
	KindOutgoingResponse:       "outgoing-response",
	KindResponseOutparam:       "response-outparam",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Resource is a host object reachable from the guest through a handle.
type Resource interface {
	Kind() Kind
}

// Handle is the guest-visible reference to a Resource. Valid handles are
// always positive.
type Handle = int32

// Table maps handles to host objects. Every operation takes the same mutex:
// guest calls and asynchronous completions both resolve and drop handles.
type Table struct {
	mu      sync.Mutex
	entries map[Handle]Resource
	next    Handle
}

func NewTable() *Table {
	return &Table{entries: make(map[Handle]Resource)}
}

// Add stores r and returns its new handle.
func (t *Table) Add(r Resource) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.next == math.MaxInt32 {
			t.next = 0
		}
		t.next++
		if _, taken := t.entries[t.next]; !taken {
			break
		}
	}
	t.entries[t.next] = r
	return t.next
}

// Get returns the resource stored under h.
func (t *Table) Get(h Handle) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[h]
	return r, ok
}

// GetAs returns the resource under h if it exists and has type T. A missing
// handle and a handle of another type both report false.
func GetAs[T Resource](t *Table, h Handle) (T, bool) {
	r, ok := t.Get(h)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := r.(T)
	return v, ok
}

// Remove deletes h and returns what it referred to. Unknown handles are a
// no-op.
func (t *Table) Remove(h Handle) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	return r, ok
}

// RemoveAs removes h only when it holds a T.
func RemoveAs[T Resource](t *Table, h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	r, ok := t.entries[h]
	if !ok {
		return zero, false
	}
	v, ok := r.(T)
	if !ok {
		return zero, false
	}
	delete(t.entries, h)
	return v, true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Range calls f for each entry until f returns false. f runs without the
// table lock held.
func (t *Table) Range(f func(h Handle, r Resource) bool) {
	t.mu.Lock()
	snapshot := make(map[Handle]Resource, len(t.entries))
	for h, r := range t.entries {
		snapshot[h] = r
	}
	t.mu.Unlock()
	for h, r := range snapshot {
		if !f(h, r) {
			return
		}
	}
}

// Close empties the table, closing every entry that is an io.Closer. Entries
// the guest never dropped live until this point.
func (t *Table) Close() error {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[Handle]Resource)
	t.mu.Unlock()

	var firstErr error
	for _, r := range entries {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
