package witgo

import "fmt"

// TypeLayout is the size and alignment of a canonical ABI value.
type TypeLayout struct {
	Size      uint32
	Alignment uint32
}

var (
	LayoutU8     = TypeLayout{Size: 1, Alignment: 1}
	LayoutBool   = LayoutU8
	LayoutU16    = TypeLayout{Size: 2, Alignment: 2}
	LayoutU32    = TypeLayout{Size: 4, Alignment: 4}
	LayoutHandle = LayoutU32
	LayoutU64    = TypeLayout{Size: 8, Alignment: 8}
	// strings and lists are {ptr, len}
	LayoutString = TypeLayout{Size: 8, Alignment: 4}
	LayoutList   = LayoutString
)

// Align rounds off up to a multiple of alignment.
func Align(off, alignment uint32) uint32 {
	if alignment <= 1 {
		return off
	}
	return (off + alignment - 1) &^ (alignment - 1)
}

// SumLayout computes the layout of an option, result or variant whose cases
// carry the given payloads. The discriminant is always a single byte, which
// is what the guest toolchains we host emit regardless of the case count.
func SumLayout(cases ...TypeLayout) (layout TypeLayout, payloadOffset uint32) {
	var size, alignment uint32 = 0, 1
	for _, c := range cases {
		size = max(size, c.Size)
		alignment = max(alignment, c.Alignment)
	}
	payloadOffset = Align(1, alignment)
	return TypeLayout{Size: Align(payloadOffset+size, alignment), Alignment: alignment}, payloadOffset
}

// OptionLayout is option<T>.
func OptionLayout(t TypeLayout) (TypeLayout, uint32) {
	return SumLayout(t)
}

// FieldLayout is one named field of a record.
type FieldLayout struct {
	Name   string
	Type   TypeLayout
	Offset uint32
}

// RecordLayout lays out record fields in declaration order, each at its
// natural alignment.
type RecordLayout struct {
	TypeLayout
	Fields []FieldLayout
	index  map[string]int
}

// Field declares a record field for NewRecordLayout.
func Field(name string, t TypeLayout) FieldLayout {
	return FieldLayout{Name: name, Type: t}
}

func NewRecordLayout(fields ...FieldLayout) *RecordLayout {
	r := &RecordLayout{
		Fields: make([]FieldLayout, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	var off, alignment uint32 = 0, 1
	for i, f := range fields {
		off = Align(off, f.Type.Alignment)
		f.Offset = off
		off += f.Type.Size
		alignment = max(alignment, f.Type.Alignment)
		r.Fields[i] = f
		r.index[f.Name] = i
	}
	r.Size = Align(off, alignment)
	r.Alignment = alignment
	return r
}

// Offset returns the byte offset of the named field.
func (r *RecordLayout) Offset(name string) (uint32, error) {
	i, ok := r.index[name]
	if !ok {
		return 0, fmt.Errorf("record has no field %q", name)
	}
	return r.Fields[i].Offset, nil
}

// MustOffset is Offset for layouts known at compile time.
func (r *RecordLayout) MustOffset(name string) uint32 {
	off, err := r.Offset(name)
	if err != nil {
		panic(err)
	}
	return off
}

// Layout returns the record as a TypeLayout, for nesting.
func (r *RecordLayout) Layout() TypeLayout { return r.TypeLayout }

// OptionOf is the layout of option<T> without its payload offset.
func OptionOf(t TypeLayout) TypeLayout {
	l, _ := SumLayout(t)
	return l
}
