package witgo

import "fmt"

// RecordWriter encodes one record in the canonical ABI. Variable-length
// children are lowered into their own allocations as each field is written;
// the fixed-size parent is staged in a host buffer and only allocated and
// copied into the guest by Commit. Fields must be written in exactly the
// order the layout declares them.
type RecordWriter struct {
	mem    *Memory
	layout *RecordLayout
	buf    []byte
	next   int
	err    error
}

func NewRecordWriter(mem *Memory, layout *RecordLayout) *RecordWriter {
	return &RecordWriter{mem: mem, layout: layout, buf: make([]byte, layout.Size)}
}

func (w *RecordWriter) field(name string, want TypeLayout) (uint32, bool) {
	if w.err != nil {
		return 0, false
	}
	if w.next >= len(w.layout.Fields) {
		w.err = fmt.Errorf("record field %q written past the last field", name)
		return 0, false
	}
	f := w.layout.Fields[w.next]
	if f.Name != name {
		w.err = fmt.Errorf("record field %q written where %q is expected", name, f.Name)
		return 0, false
	}
	if f.Type != want {
		w.err = fmt.Errorf("record field %q has layout %+v, not %+v", name, f.Type, want)
		return 0, false
	}
	w.next++
	return f.Offset, true
}

func (w *RecordWriter) put32(off, v uint32) {
	w.buf[off] = byte(v)
	w.buf[off+1] = byte(v >> 8)
	w.buf[off+2] = byte(v >> 16)
	w.buf[off+3] = byte(v >> 24)
}

func (w *RecordWriter) put64(off uint32, v uint64) {
	w.put32(off, uint32(v))
	w.put32(off+4, uint32(v>>32))
}

func (w *RecordWriter) String(name, s string) *RecordWriter {
	off, ok := w.field(name, LayoutString)
	if !ok {
		return w
	}
	ptr, n, err := w.mem.LowerString(s)
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", name, err)
		return w
	}
	w.put32(off, ptr)
	w.put32(off+4, n)
	return w
}

func (w *RecordWriter) OptionString(name string, s *string) *RecordWriter {
	opt, payload := OptionLayout(LayoutString)
	off, ok := w.field(name, opt)
	if !ok || s == nil {
		return w
	}
	ptr, n, err := w.mem.LowerString(*s)
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", name, err)
		return w
	}
	w.buf[off] = 1
	w.put32(off+payload, ptr)
	w.put32(off+payload+4, n)
	return w
}

func (w *RecordWriter) Strings(name string, ss []string) *RecordWriter {
	off, ok := w.field(name, LayoutList)
	if !ok {
		return w
	}
	ptr, n, err := w.mem.LowerStrings(ss)
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", name, err)
		return w
	}
	w.put32(off, ptr)
	w.put32(off+4, n)
	return w
}

// Records writes list<record> where each element is encoded by its own
// RecordLayout-driven callback into the element's slot.
func (w *RecordWriter) Records(name string, elem *RecordLayout, count int, each func(i int, rw *RecordWriter)) *RecordWriter {
	off, ok := w.field(name, LayoutList)
	if !ok {
		return w
	}
	ptr, n, err := w.mem.lowerList(count, elem.Layout(), func(i int, at uint32) error {
		rw := NewRecordWriter(w.mem, elem)
		each(i, rw)
		return rw.CommitAt(at)
	})
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", name, err)
		return w
	}
	w.put32(off, ptr)
	w.put32(off+4, n)
	return w
}

func (w *RecordWriter) U32(name string, v uint32) *RecordWriter {
	if off, ok := w.field(name, LayoutU32); ok {
		w.put32(off, v)
	}
	return w
}

func (w *RecordWriter) OptionU32(name string, v *uint32) *RecordWriter {
	opt, payload := OptionLayout(LayoutU32)
	if off, ok := w.field(name, opt); ok && v != nil {
		w.buf[off] = 1
		w.put32(off+payload, *v)
	}
	return w
}

func (w *RecordWriter) U64(name string, v uint64) *RecordWriter {
	if off, ok := w.field(name, LayoutU64); ok {
		w.put64(off, v)
	}
	return w
}

func (w *RecordWriter) Bool(name string, v bool) *RecordWriter {
	if off, ok := w.field(name, LayoutBool); ok && v {
		w.buf[off] = 1
	}
	return w
}

func (w *RecordWriter) U8(name string, v uint8) *RecordWriter {
	if off, ok := w.field(name, LayoutU8); ok {
		w.buf[off] = v
	}
	return w
}

func (w *RecordWriter) Err() error {
	if w.err != nil {
		return w.err
	}
	if w.next != len(w.layout.Fields) {
		return fmt.Errorf("record committed with field %q unwritten", w.layout.Fields[w.next].Name)
	}
	return nil
}

// Commit allocates the parent record and copies the staged bytes into it.
func (w *RecordWriter) Commit() (uint32, error) {
	if err := w.Err(); err != nil {
		return 0, err
	}
	ptr, err := w.mem.Alloc(w.layout.Size, w.layout.Alignment)
	if err != nil {
		return 0, err
	}
	return ptr, w.mem.PutBytes(ptr, w.buf)
}

// CommitAt copies the staged record into memory the caller already owns.
func (w *RecordWriter) CommitAt(ptr uint32) error {
	if err := w.Err(); err != nil {
		return err
	}
	return w.mem.PutBytes(ptr, w.buf)
}

// RecordReader lifts fields of a record the guest wrote at a fixed address.
// Fields may be read in any order; the first failure sticks and later reads
// return zero values.
type RecordReader struct {
	mem    *Memory
	layout *RecordLayout
	at     uint32
	err    error
}

func NewRecordReader(mem *Memory, layout *RecordLayout, at uint32) *RecordReader {
	return &RecordReader{mem: mem, layout: layout, at: at}
}

func (r *RecordReader) offset(name string, want TypeLayout) (uint32, bool) {
	if r.err != nil {
		return 0, false
	}
	i, ok := r.layout.index[name]
	if !ok {
		r.err = fmt.Errorf("record has no field %q", name)
		return 0, false
	}
	f := r.layout.Fields[i]
	if f.Type != want {
		r.err = fmt.Errorf("record field %q has layout %+v, not %+v", name, f.Type, want)
		return 0, false
	}
	return r.at + f.Offset, true
}

func (r *RecordReader) fail(name string, err error) {
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("field %q: %w", name, err)
	}
}

func (r *RecordReader) String(name string) string {
	at, ok := r.offset(name, LayoutString)
	if !ok {
		return ""
	}
	s, err := r.mem.ReadString(at)
	r.fail(name, err)
	return s
}

func (r *RecordReader) OptionString(name string) *string {
	at, ok := r.offset(name, OptionOf(LayoutString))
	if !ok {
		return nil
	}
	s, err := r.mem.ReadOptionString(at)
	r.fail(name, err)
	return s
}

func (r *RecordReader) Strings(name string) []string {
	at, ok := r.offset(name, LayoutList)
	if !ok {
		return nil
	}
	ptr, n, err := r.mem.ReadPair(at)
	if err != nil {
		r.fail(name, err)
		return nil
	}
	ss, err := r.mem.ReadStrings(ptr, n)
	r.fail(name, err)
	return ss
}

func (r *RecordReader) U8(name string) uint8 {
	at, ok := r.offset(name, LayoutU8)
	if !ok {
		return 0
	}
	v, err := r.mem.U8(at)
	r.fail(name, err)
	return v
}

// Bool treats any non-zero byte as true.
func (r *RecordReader) Bool(name string) bool {
	return r.U8(name) != 0
}

func (r *RecordReader) U32(name string) uint32 {
	at, ok := r.offset(name, LayoutU32)
	if !ok {
		return 0
	}
	v, err := r.mem.U32(at)
	r.fail(name, err)
	return v
}

func (r *RecordReader) U64(name string) uint64 {
	at, ok := r.offset(name, LayoutU64)
	if !ok {
		return 0
	}
	v, err := r.mem.U64(at)
	r.fail(name, err)
	return v
}

func (r *RecordReader) Err() error { return r.err }
