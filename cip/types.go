package cip

import (
	"fmt"
	"math"
	"strconv"
)

// TypeCode is the abbreviated type that precedes every value on the wire.
type TypeCode uint16

const (
	TypeBOOL   TypeCode = 0x00C1
	TypeSINT   TypeCode = 0x00C2
	TypeINT    TypeCode = 0x00C3
	TypeDINT   TypeCode = 0x00C4
	TypeREAL   TypeCode = 0x00CA
	TypeBITS   TypeCode = 0x00D3
	TypeSTRUCT TypeCode = 0x02A0
)

// StringHandle follows TypeSTRUCT for the controller's built-in STRING.
const StringHandle uint16 = 0x0FCE

const (
	// StringChars is the character capacity of a STRING element.
	StringChars = 82
	// stringSize is LEN (DINT), 82 chars and 2 pad bytes.
	stringSize = 4 + StringChars + 2
)

// Size returns the element size in bytes, 0 for unknown codes.
func (t TypeCode) Size() int {
	switch t {
	case TypeBOOL, TypeSINT:
		return 1
	case TypeINT:
		return 2
	case TypeDINT, TypeREAL, TypeBITS:
		return 4
	case TypeSTRUCT:
		return stringSize
	}
	return 0
}

func (t TypeCode) String() string {
	switch t {
	case TypeBOOL:
		return "BOOL"
	case TypeSINT:
		return "SINT"
	case TypeINT:
		return "INT"
	case TypeDINT:
		return "DINT"
	case TypeREAL:
		return "REAL"
	case TypeBITS:
		return "BITS"
	case TypeSTRUCT:
		return "STRING"
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// UnknownTypeError is returned for type codes that cannot be decoded.
type UnknownTypeError struct {
	Code   TypeCode
	Handle uint16
}

func (e *UnknownTypeError) Error() string {
	if e.Code == TypeSTRUCT {
		return fmt.Sprintf("unknown CIP structure handle 0x%04X", e.Handle)
	}
	return fmt.Sprintf("unknown CIP type 0x%04X", uint16(e.Code))
}

// Value is one decoded element. The variants are Bool, Sint, Int, Dint,
// Real, Bits and String.
type Value interface {
	Type() TypeCode
	String() string
	appendRaw(b []byte) []byte
}

// Numeric is implemented by every variant except String.
type Numeric interface {
	Value
	Float64() float64
}

type (
	Bool   bool
	Sint   int8
	Int    int16
	Dint   int32
	Real   float32
	Bits   uint32
	String string
)

func (Bool) Type() TypeCode   { return TypeBOOL }
func (Sint) Type() TypeCode   { return TypeSINT }
func (Int) Type() TypeCode    { return TypeINT }
func (Dint) Type() TypeCode   { return TypeDINT }
func (Real) Type() TypeCode   { return TypeREAL }
func (Bits) Type() TypeCode   { return TypeBITS }
func (String) Type() TypeCode { return TypeSTRUCT }

func (v Bool) String() string   { return strconv.FormatBool(bool(v)) }
func (v Sint) String() string   { return strconv.Itoa(int(v)) }
func (v Int) String() string    { return strconv.Itoa(int(v)) }
func (v Dint) String() string   { return strconv.Itoa(int(v)) }
func (v Real) String() string   { return strconv.FormatFloat(float64(v), 'g', -1, 32) }
func (v Bits) String() string   { return fmt.Sprintf("0x%08X", uint32(v)) }
func (v String) String() string { return string(v) }

func (v Bool) Float64() float64 {
	if v {
		return 1
	}
	return 0
}
func (v Sint) Float64() float64 { return float64(v) }
func (v Int) Float64() float64  { return float64(v) }
func (v Dint) Float64() float64 { return float64(v) }
func (v Real) Float64() float64 { return float64(v) }
func (v Bits) Float64() float64 { return float64(v) }

func (v Bool) appendRaw(b []byte) []byte {
	// Controllers report a set BOOL as 0xFF.
	if v {
		return append(b, 0xFF)
	}
	return append(b, 0)
}
func (v Sint) appendRaw(b []byte) []byte { return append(b, byte(v)) }
func (v Int) appendRaw(b []byte) []byte  { return AppendINT(b, int16(v)) }
func (v Dint) appendRaw(b []byte) []byte { return AppendDINT(b, int32(v)) }
func (v Real) appendRaw(b []byte) []byte { return AppendREAL(b, float32(v)) }
func (v Bits) appendRaw(b []byte) []byte { return AppendUDINT(b, uint32(v)) }
func (v String) appendRaw(b []byte) []byte {
	s := string(v)
	if len(s) > StringChars {
		s = s[:StringChars]
	}
	b = AppendUDINT(b, uint32(len(s)))
	b = append(b, s...)
	return append(b, make([]byte, stringSize-4-len(s))...)
}

var decoders = map[TypeCode]func([]byte) Value{
	TypeBOOL: func(b []byte) Value { return Bool(b[0] != 0) },
	TypeSINT: func(b []byte) Value { return Sint(int8(b[0])) },
	TypeINT:  func(b []byte) Value { return Int(INT(b)) },
	TypeDINT: func(b []byte) Value { return Dint(DINT(b)) },
	TypeREAL: func(b []byte) Value { return Real(REAL(b)) },
	TypeBITS: func(b []byte) Value { return Bits(UDINT(b)) },
	TypeSTRUCT: func(b []byte) Value {
		n := int(UINT(b))
		if n > StringChars {
			n = StringChars
		}
		if n > len(b)-4 {
			n = len(b) - 4
		}
		return String(b[4 : 4+n])
	},
}

// TypeHeader reads the abbreviated type at the start of data and returns
// the type and the header length (2, or 4 for structures).
func TypeHeader(data []byte) (TypeCode, int, error) {
	if len(data) < 2 {
		return 0, 0, fmt.Errorf("CIP data too short for a type: %d bytes", len(data))
	}
	t := TypeCode(UINT(data))
	if t != TypeSTRUCT {
		if _, ok := decoders[t]; !ok {
			return 0, 0, &UnknownTypeError{Code: t}
		}
		return t, 2, nil
	}
	if len(data) < 4 {
		return 0, 0, fmt.Errorf("CIP structure without handle")
	}
	if h := UINT(data[2:]); h != StringHandle {
		return 0, 0, &UnknownTypeError{Code: t, Handle: h}
	}
	return t, 4, nil
}

// ElementCount returns how many whole elements follow the type header.
func ElementCount(data []byte) (int, error) {
	t, hdr, err := TypeHeader(data)
	if err != nil {
		return 0, err
	}
	return (len(data) - hdr) / t.Size(), nil
}

// DecodeElement decodes element i of typed data.
func DecodeElement(data []byte, i int) (Value, error) {
	t, hdr, err := TypeHeader(data)
	if err != nil {
		return nil, err
	}
	off := hdr + i*t.Size()
	if i < 0 || off+minElementSize(t) > len(data) {
		return nil, fmt.Errorf("element %d out of range for %d bytes of %s", i, len(data), t)
	}
	return decoders[t](data[off:]), nil
}

// Decode decodes every element of typed data.
func Decode(data []byte) ([]Value, error) {
	n, err := ElementCount(data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// A STRING shorter than its declared layout still carries one value.
		if t, hdr, _ := TypeHeader(data); t == TypeSTRUCT && len(data)-hdr >= 4 {
			n = 1
		}
	}
	out := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		v, err := DecodeElement(data, i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func minElementSize(t TypeCode) int {
	if t == TypeSTRUCT {
		return 4
	}
	return t.Size()
}

// Encode builds typed data from values that all share one type.
func Encode(values ...Value) ([]byte, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("Encode: no values")
	}
	t := values[0].Type()
	out := AppendUINT(nil, uint16(t))
	if t == TypeSTRUCT {
		out = AppendUINT(out, StringHandle)
	}
	for _, v := range values {
		if v.Type() != t {
			return nil, fmt.Errorf("Encode: mixed types %s and %s", t, v.Type())
		}
		out = v.appendRaw(out)
	}
	return out, nil
}

// PutElement overwrites element i of typed data in place. The value must
// already have the stored type; use Convert for numeric coercion.
func PutElement(data []byte, i int, v Value) error {
	t, hdr, err := TypeHeader(data)
	if err != nil {
		return err
	}
	if v.Type() != t {
		return fmt.Errorf("PutElement: cannot store %s into %s", v.Type(), t)
	}
	off := hdr + i*t.Size()
	raw := v.appendRaw(nil)
	if i < 0 || off+len(raw) > len(data) {
		if t != TypeSTRUCT || i != 0 || off+4 > len(data) {
			return fmt.Errorf("element %d out of range for %d bytes of %s", i, len(data), t)
		}
		raw = raw[:len(data)-off]
	}
	copy(data[off:], raw)
	return nil
}

// Convert coerces a float into the variant for t, truncating like a C cast.
func Convert(t TypeCode, f float64) (Value, error) {
	switch t {
	case TypeBOOL:
		return Bool(f != 0), nil
	case TypeSINT:
		return Sint(int8(int64(f))), nil
	case TypeINT:
		return Int(int16(int64(f))), nil
	case TypeDINT:
		return Dint(int32(int64(f))), nil
	case TypeREAL:
		return Real(float32(f)), nil
	case TypeBITS:
		return Bits(uint32(int64(f))), nil
	}
	return nil, &UnknownTypeError{Code: t}
}

// Float64 returns element i of numeric typed data as a float.
func Float64(data []byte, i int) (float64, error) {
	v, err := DecodeElement(data, i)
	if err != nil {
		return math.NaN(), err
	}
	n, ok := v.(Numeric)
	if !ok {
		return math.NaN(), fmt.Errorf("%s is not numeric", v.Type())
	}
	return n.Float64(), nil
}
