package http

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/OpenListTeam/wazero-agenthost/manager/resource"
)

// header-error cases.
var (
	ErrInvalidSyntax = errors.New("invalid header syntax")
	ErrForbidden     = errors.New("forbidden header")
	ErrImmutable     = errors.New("headers are immutable")
)

// Entry is one header line. Values are raw bytes, as WASI transports them.
type Entry struct {
	Name  string
	Value []byte
}

// Fields 是 wasi:http/types.fields，一个保持插入顺序的多值映射。名称不区分大小写。
type Fields struct {
	mu        sync.Mutex
	entries   []Entry
	immutable bool
}

func (*Fields) Kind() resource.Kind { return resource.KindFields }

func NewFields() *Fields { return &Fields{} }

// FieldsFromList validates every entry before building the fields.
func FieldsFromList(entries []Entry) (*Fields, error) {
	f := &Fields{entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		if err := validate(e.Name, e.Value); err != nil {
			return nil, err
		}
		f.entries = append(f.entries, Entry{Name: e.Name, Value: append([]byte(nil), e.Value...)})
	}
	return f, nil
}

// FieldsFromHeader converts a net/http header. The result is immutable.
func FieldsFromHeader(h http.Header) *Fields {
	f := &Fields{immutable: true}
	for name, values := range h {
		lower := strings.ToLower(name)
		for _, v := range values {
			f.entries = append(f.entries, Entry{Name: lower, Value: []byte(v)})
		}
	}
	return f
}

func validate(name string, value []byte) error {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(string(value)) {
		return ErrInvalidSyntax
	}
	return nil
}

func (f *Fields) Immutable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.immutable
}

// Freeze makes f immutable. Request and response constructors freeze the
// fields they take ownership of.
func (f *Fields) Freeze() {
	f.mu.Lock()
	f.immutable = true
	f.mu.Unlock()
}

func (f *Fields) Get(name string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, e := range f.entries {
		if strings.EqualFold(e.Name, name) {
			out = append(out, append([]byte(nil), e.Value...))
		}
	}
	return out
}

func (f *Fields) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces all values of name.
func (f *Fields) Set(name string, values [][]byte) error {
	for _, v := range values {
		if err := validate(name, v); err != nil {
			return err
		}
	}
	if err := validate(name, nil); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.immutable {
		return ErrImmutable
	}
	f.deleteLocked(name)
	for _, v := range values {
		f.entries = append(f.entries, Entry{Name: name, Value: append([]byte(nil), v...)})
	}
	return nil
}

func (f *Fields) Delete(name string) error {
	if err := validate(name, nil); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.immutable {
		return ErrImmutable
	}
	f.deleteLocked(name)
	return nil
}

func (f *Fields) deleteLocked(name string) {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
		}
	}
	f.entries = kept
}

func (f *Fields) Append(name string, value []byte) error {
	if err := validate(name, value); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.immutable {
		return ErrImmutable
	}
	f.entries = append(f.entries, Entry{Name: name, Value: append([]byte(nil), value...)})
	return nil
}

// Entries returns a copy in insertion order.
func (f *Fields) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

// Clone returns a mutable deep copy.
func (f *Fields) Clone() *Fields {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Fields{entries: make([]Entry, len(f.entries))}
	for i, e := range f.entries {
		c.entries[i] = Entry{Name: e.Name, Value: append([]byte(nil), e.Value...)}
	}
	return c
}

// Header converts f for net/http. Go canonicalizes the names.
func (f *Fields) Header() http.Header {
	h := make(http.Header)
	if f == nil {
		return h
	}
	for _, e := range f.Entries() {
		h.Add(e.Name, string(e.Value))
	}
	return h
}
