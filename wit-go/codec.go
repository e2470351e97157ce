package witgo

import (
	"errors"
	"fmt"
)

// ErrUnknownTag is returned when a variant discriminant has no known case.
var ErrUnknownTag = errors.New("unknown variant tag")

// LowerBytes copies b into a fresh guest allocation.
func (m *Memory) LowerBytes(b []byte) (ptr, n uint32, err error) {
	if len(b) == 0 {
		// Empty lists still need a non-null, aligned pointer.
		return 1, 0, nil
	}
	ptr, err = m.Alloc(uint32(len(b)), 1)
	if err != nil {
		return 0, 0, err
	}
	if err := m.PutBytes(ptr, b); err != nil {
		return 0, 0, err
	}
	return ptr, uint32(len(b)), nil
}

func (m *Memory) LowerString(s string) (ptr, n uint32, err error) {
	return m.LowerBytes([]byte(s))
}

// PutString lowers s and writes its (ptr, len) pair at at.
func (m *Memory) PutString(at uint32, s string) error {
	ptr, n, err := m.LowerString(s)
	if err != nil {
		return err
	}
	return m.PutPair(at, ptr, n)
}

// PutByteList is PutString for list<u8>.
func (m *Memory) PutByteList(at uint32, b []byte) error {
	ptr, n, err := m.LowerBytes(b)
	if err != nil {
		return err
	}
	return m.PutPair(at, ptr, n)
}

// PutPair writes a (ptr, len) pair, the flat form of strings and lists.
func (m *Memory) PutPair(at, ptr, n uint32) error {
	if err := m.PutU32(at, ptr); err != nil {
		return err
	}
	return m.PutU32(at+4, n)
}

// lowerList allocates count elements of elem layout and lets write fill
// element i at its address. Children are written before the caller stores
// the list's (ptr, len) in its parent.
func (m *Memory) lowerList(count int, elem TypeLayout, write func(i int, at uint32) error) (ptr, n uint32, err error) {
	if count == 0 {
		return elem.Alignment, 0, nil
	}
	ptr, err = m.Alloc(uint32(count)*elem.Size, elem.Alignment)
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < count; i++ {
		if err := write(i, ptr+uint32(i)*elem.Size); err != nil {
			return 0, 0, err
		}
	}
	return ptr, uint32(count), nil
}

// LowerStrings lowers list<string>.
func (m *Memory) LowerStrings(ss []string) (ptr, n uint32, err error) {
	return m.lowerList(len(ss), LayoutString, func(i int, at uint32) error {
		return m.PutString(at, ss[i])
	})
}

// LowerByteLists lowers list<list<u8>>.
func (m *Memory) LowerByteLists(bs [][]byte) (ptr, n uint32, err error) {
	return m.lowerList(len(bs), LayoutList, func(i int, at uint32) error {
		return m.PutByteList(at, bs[i])
	})
}

// EntryLayout is tuple<string, list<u8>>.
var EntryLayout = NewRecordLayout(Field("name", LayoutString), Field("value", LayoutList))

// LowerEntries lowers list<tuple<string, list<u8>>>.
func (m *Memory) LowerEntries(entries []Tuple[string, []byte]) (ptr, n uint32, err error) {
	return m.lowerList(len(entries), EntryLayout.Layout(), func(i int, at uint32) error {
		if err := m.PutString(at, entries[i].F0); err != nil {
			return err
		}
		return m.PutByteList(at+EntryLayout.MustOffset("value"), entries[i].F1)
	})
}

// ReadPair reads a (ptr, len) pair stored at at.
func (m *Memory) ReadPair(at uint32) (ptr, n uint32, err error) {
	if ptr, err = m.U32(at); err != nil {
		return 0, 0, err
	}
	if n, err = m.U32(at + 4); err != nil {
		return 0, 0, err
	}
	return ptr, n, nil
}

// ReadString reads a string whose (ptr, len) pair is stored at at.
func (m *Memory) ReadString(at uint32) (string, error) {
	ptr, n, err := m.ReadPair(at)
	if err != nil {
		return "", err
	}
	return m.String(ptr, n)
}

// ReadStrings reads list<string> elements.
func (m *Memory) ReadStrings(ptr, n uint32) ([]string, error) {
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := m.ReadString(ptr + i*LayoutString.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadByteLists reads list<list<u8>> elements.
func (m *Memory) ReadByteLists(ptr, n uint32) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		p, l, err := m.ReadPair(ptr + i*LayoutList.Size)
		if err != nil {
			return nil, err
		}
		b, err := m.Bytes(p, l)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ReadEntries reads list<tuple<string, list<u8>>> elements.
func (m *Memory) ReadEntries(ptr, n uint32) ([]Tuple[string, []byte], error) {
	out := make([]Tuple[string, []byte], 0, n)
	for i := uint32(0); i < n; i++ {
		at := ptr + i*EntryLayout.Size
		name, err := m.ReadString(at)
		if err != nil {
			return nil, err
		}
		p, l, err := m.ReadPair(at + EntryLayout.MustOffset("value"))
		if err != nil {
			return nil, err
		}
		value, err := m.Bytes(p, l)
		if err != nil {
			return nil, err
		}
		out = append(out, Tuple[string, []byte]{F0: name, F1: value})
	}
	return out, nil
}

// ReadU32s reads list<u32> (and list<borrow<T>>) elements.
func (m *Memory) ReadU32s(ptr, n uint32) ([]uint32, error) {
	out := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := m.U32(ptr + i*4)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// LowerU32s lowers list<u32>.
func (m *Memory) LowerU32s(vs []uint32) (ptr, n uint32, err error) {
	return m.lowerList(len(vs), LayoutU32, func(i int, at uint32) error {
		return m.PutU32(at, vs[i])
	})
}

// PutOptionString writes option<string> at at.
func (m *Memory) PutOptionString(at uint32, s *string) error {
	if s == nil {
		return m.PutU8(at, 0)
	}
	if err := m.PutU8(at, 1); err != nil {
		return err
	}
	_, payload := OptionLayout(LayoutString)
	return m.PutString(at+payload, *s)
}

// ReadOptionString reads option<string> stored at at.
func (m *Memory) ReadOptionString(at uint32) (*string, error) {
	tag, err := m.U8(at)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		_, payload := OptionLayout(LayoutString)
		s, err := m.ReadString(at + payload)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w %d for option at %d", ErrUnknownTag, tag, at)
	}
}

// PutOptionU64 writes option<u64> at at.
func (m *Memory) PutOptionU64(at uint32, v *uint64) error {
	if v == nil {
		return m.PutU8(at, 0)
	}
	if err := m.PutU8(at, 1); err != nil {
		return err
	}
	_, payload := OptionLayout(LayoutU64)
	return m.PutU64(at+payload, *v)
}

// PutResultTag writes only the result discriminant. Callers write the
// payload at the offset returned by SumLayout for the result's cases.
func (m *Memory) PutResultTag(at uint32, isErr bool) error {
	return m.PutBool(at, isErr)
}

// PutResultHandle writes result<own<T>, E> where E has no payload (or its
// payload is written by the caller).
func (m *Memory) PutResultHandle(at uint32, h int32, errLayout TypeLayout) error {
	if err := m.PutU8(at, 0); err != nil {
		return err
	}
	_, payload := SumLayout(LayoutHandle, errLayout)
	return m.PutU32(at+payload, uint32(h))
}

// PutResultErrString writes the error case of result<T, string>.
func (m *Memory) PutResultErrString(at uint32, okLayout TypeLayout, msg string) error {
	if err := m.PutU8(at, 1); err != nil {
		return err
	}
	_, payload := SumLayout(okLayout, LayoutString)
	return m.PutString(at+payload, msg)
}
