package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// Stored values are normalized so every reader sees one Go type per field:
// numeric scalars use the exact Go type of the base type, char fields are
// strings, numeric arrays are typed slices of exactly ArrayLength elements.

func zeroScalar(t BaseType) any {
	switch t {
	case TypeUint8:
		return uint8(0)
	case TypeInt8:
		return int8(0)
	case TypeUint16:
		return uint16(0)
	case TypeInt16:
		return int16(0)
	case TypeUint32:
		return uint32(0)
	case TypeInt32:
		return int32(0)
	case TypeUint64:
		return uint64(0)
	case TypeInt64:
		return int64(0)
	case TypeFloat32:
		return float32(0)
	case TypeFloat64:
		return float64(0)
	case TypeChar:
		return ""
	default:
		return nil
	}
}

func zeroValue(ft FieldType) any {
	if ft.Base == TypeChar || !ft.IsArray() {
		return zeroScalar(ft.Base)
	}
	n := ft.ArrayLength
	switch ft.Base {
	case TypeUint8:
		return make([]uint8, n)
	case TypeInt8:
		return make([]int8, n)
	case TypeUint16:
		return make([]uint16, n)
	case TypeInt16:
		return make([]int16, n)
	case TypeUint32:
		return make([]uint32, n)
	case TypeInt32:
		return make([]int32, n)
	case TypeUint64:
		return make([]uint64, n)
	case TypeInt64:
		return make([]int64, n)
	case TypeFloat32:
		return make([]float32, n)
	case TypeFloat64:
		return make([]float64, n)
	default:
		return nil
	}
}

// cloneValue copies slices so callers never alias message storage.
func cloneValue(v any) any {
	switch x := v.(type) {
	case []uint8:
		return slices.Clone(x)
	case []int8:
		return slices.Clone(x)
	case []uint16:
		return slices.Clone(x)
	case []int16:
		return slices.Clone(x)
	case []uint32:
		return slices.Clone(x)
	case []int32:
		return slices.Clone(x)
	case []uint64:
		return slices.Clone(x)
	case []int64:
		return slices.Clone(x)
	case []float32:
		return slices.Clone(x)
	case []float64:
		return slices.Clone(x)
	default:
		return v
	}
}

func boxed[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// elements unpacks the sequence kinds accepted for array fields.
func elements(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []int:
		return boxed(x), true
	case []int8:
		return boxed(x), true
	case []int16:
		return boxed(x), true
	case []int32:
		return boxed(x), true
	case []int64:
		return boxed(x), true
	case []uint:
		return boxed(x), true
	case []uint8:
		return boxed(x), true
	case []uint16:
		return boxed(x), true
	case []uint32:
		return boxed(x), true
	case []uint64:
		return boxed(x), true
	case []float32:
		return boxed(x), true
	case []float64:
		return boxed(x), true
	default:
		return nil, false
	}
}

func fill[T any](dst []T, vals []any) []T {
	for i, v := range vals {
		dst[i] = v.(T)
	}
	return dst
}

// packArray places already coerced elements into a zeroed typed slice.
func packArray(ft FieldType, vals []any) any {
	switch dst := zeroValue(ft).(type) {
	case []uint8:
		return fill(dst, vals)
	case []int8:
		return fill(dst, vals)
	case []uint16:
		return fill(dst, vals)
	case []int16:
		return fill(dst, vals)
	case []uint32:
		return fill(dst, vals)
	case []int32:
		return fill(dst, vals)
	case []uint64:
		return fill(dst, vals)
	case []int64:
		return fill(dst, vals)
	case []float32:
		return fill(dst, vals)
	case []float64:
		return fill(dst, vals)
	default:
		return nil
	}
}

func mismatch(format string, args ...any) error {
	return &FieldError{Err: ErrTypeMismatch, Reason: fmt.Sprintf(format, args...)}
}

func outOfRange(format string, args ...any) error {
	return &FieldError{Err: ErrValueOutOfRange, Reason: fmt.Sprintf(format, args...)}
}

type numKind uint8

const (
	numNone numKind = iota
	numSigned
	numUnsigned
	numFloat
)

type number struct {
	kind numKind
	i    int64
	u    uint64
	f    float64
}

func asNumber(v any) number {
	switch x := v.(type) {
	case int:
		return number{kind: numSigned, i: int64(x)}
	case int8:
		return number{kind: numSigned, i: int64(x)}
	case int16:
		return number{kind: numSigned, i: int64(x)}
	case int32:
		return number{kind: numSigned, i: int64(x)}
	case int64:
		return number{kind: numSigned, i: x}
	case uint:
		return number{kind: numUnsigned, u: uint64(x)}
	case uint8:
		return number{kind: numUnsigned, u: uint64(x)}
	case uint16:
		return number{kind: numUnsigned, u: uint64(x)}
	case uint32:
		return number{kind: numUnsigned, u: uint64(x)}
	case uint64:
		return number{kind: numUnsigned, u: x}
	case uintptr:
		return number{kind: numUnsigned, u: uint64(x)}
	case float32:
		return number{kind: numFloat, f: float64(x)}
	case float64:
		return number{kind: numFloat, f: x}
	default:
		return number{}
	}
}

func (n number) float64() float64 {
	switch n.kind {
	case numSigned:
		return float64(n.i)
	case numUnsigned:
		return float64(n.u)
	default:
		return n.f
	}
}

func signedBounds(t BaseType) (int64, int64) {
	bits := uint(t.Size() * 8)
	return -1 << (bits - 1), 1<<(bits-1) - 1
}

func unsignedMax(t BaseType) uint64 {
	bits := uint(t.Size() * 8)
	if bits == 64 {
		return math.MaxUint64
	}
	return 1<<bits - 1
}

// integralFloat converts an integral float into the signed or unsigned
// domain of t. Non-integral values are a kind mismatch, not a range error.
func integralFloat(t BaseType, f float64) (number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return number{}, mismatch("%v is not an integer", f)
	}
	if t.signed() {
		if f < -9.223372036854775808e18 || f >= 9.223372036854775808e18 {
			return number{}, outOfRange("%v does not fit %s", f, t)
		}
		return number{kind: numSigned, i: int64(f)}, nil
	}
	if f < 0 || f >= 1.8446744073709551616e19 {
		return number{}, outOfRange("%v does not fit %s", f, t)
	}
	return number{kind: numUnsigned, u: uint64(f)}, nil
}

func coerceInteger(t BaseType, n number) (any, error) {
	if n.kind == numFloat {
		conv, err := integralFloat(t, n.f)
		if err != nil {
			return nil, err
		}
		n = conv
	}
	if t.signed() {
		lo, hi := signedBounds(t)
		var s int64
		switch n.kind {
		case numSigned:
			s = n.i
		case numUnsigned:
			if n.u > uint64(hi) {
				return nil, outOfRange("%d does not fit %s", n.u, t)
			}
			s = int64(n.u)
		}
		if s < lo || s > hi {
			return nil, outOfRange("%d does not fit %s", s, t)
		}
		switch t {
		case TypeInt8:
			return int8(s), nil
		case TypeInt16:
			return int16(s), nil
		case TypeInt32:
			return int32(s), nil
		default:
			return s, nil
		}
	}

	var u uint64
	switch n.kind {
	case numSigned:
		if n.i < 0 {
			return nil, outOfRange("%d does not fit %s", n.i, t)
		}
		u = uint64(n.i)
	case numUnsigned:
		u = n.u
	}
	if u > unsignedMax(t) {
		return nil, outOfRange("%d does not fit %s", u, t)
	}
	switch t {
	case TypeUint8:
		return uint8(u), nil
	case TypeUint16:
		return uint16(u), nil
	case TypeUint32:
		return uint32(u), nil
	default:
		return u, nil
	}
}

func coerceScalar(t BaseType, v any) (any, error) {
	if t == TypeChar {
		return coerceChars(1, v)
	}
	n := asNumber(v)
	if n.kind == numNone {
		return nil, mismatch("%T is not numeric", v)
	}
	switch t {
	case TypeFloat32:
		f := n.float64()
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, outOfRange("%v does not fit float32", f)
		}
		return float32(f), nil
	case TypeFloat64:
		return n.float64(), nil
	default:
		return coerceInteger(t, n)
	}
}

// coerceChars accepts text for a char field of width n. Content after the
// first NUL is dropped so the stored value matches what a decode produces.
func coerceChars(n int, v any) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		num := asNumber(v)
		if num.kind == numNone || n != 1 {
			return nil, mismatch("%T is not text", v)
		}
		b, err := coerceInteger(TypeUint8, num)
		if err != nil {
			return nil, err
		}
		raw = []byte{b.(uint8)}
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) > n {
		return nil, outOfRange("%d bytes exceeds length %d", len(raw), n)
	}
	return string(raw), nil
}

func coerceArray(ft FieldType, v any) (any, error) {
	if ft.Base == TypeChar {
		return coerceChars(ft.ArrayLength, v)
	}
	in, ok := elements(v)
	if !ok {
		return nil, mismatch("%T is not a sequence", v)
	}
	if len(in) > ft.ArrayLength {
		return nil, outOfRange("%d elements exceeds length %d", len(in), ft.ArrayLength)
	}
	vals := make([]any, len(in))
	for i, raw := range in {
		elem, err := coerceScalar(ft.Base, raw)
		if err != nil {
			if fe, ok := err.(*FieldError); ok {
				fe.Reason = fmt.Sprintf("index %d: %s", i, fe.Reason)
			}
			return nil, err
		}
		vals[i] = elem
	}
	return packArray(ft, vals), nil
}

func coerceValue(ft FieldType, v any) (any, error) {
	if v == nil {
		return nil, mismatch("nil value")
	}
	if ft.IsArray() {
		return coerceArray(ft, v)
	}
	return coerceScalar(ft.Base, v)
}

func putScalar(buf []byte, v any) {
	switch x := v.(type) {
	case uint8:
		buf[0] = x
	case int8:
		buf[0] = byte(x)
	case uint16:
		binary.LittleEndian.PutUint16(buf, x)
	case int16:
		binary.LittleEndian.PutUint16(buf, uint16(x))
	case uint32:
		binary.LittleEndian.PutUint32(buf, x)
	case int32:
		binary.LittleEndian.PutUint32(buf, uint32(x))
	case uint64:
		binary.LittleEndian.PutUint64(buf, x)
	case int64:
		binary.LittleEndian.PutUint64(buf, uint64(x))
	case float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
	case float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(x))
	}
}

func readScalar(t BaseType, buf []byte) any {
	switch t {
	case TypeUint8:
		return buf[0]
	case TypeInt8:
		return int8(buf[0])
	case TypeUint16:
		return binary.LittleEndian.Uint16(buf)
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(buf))
	case TypeUint32:
		return binary.LittleEndian.Uint32(buf)
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(buf))
	case TypeUint64:
		return binary.LittleEndian.Uint64(buf)
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(buf))
	case TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf))
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	default:
		return nil
	}
}

// kindOf reports the base type and element count of a normalized value.
func kindOf(v any) (BaseType, int) {
	switch x := v.(type) {
	case uint8:
		return TypeUint8, 1
	case int8:
		return TypeInt8, 1
	case uint16:
		return TypeUint16, 1
	case int16:
		return TypeInt16, 1
	case uint32:
		return TypeUint32, 1
	case int32:
		return TypeInt32, 1
	case uint64:
		return TypeUint64, 1
	case int64:
		return TypeInt64, 1
	case float32:
		return TypeFloat32, 1
	case float64:
		return TypeFloat64, 1
	case []uint8:
		return TypeUint8, len(x)
	case []int8:
		return TypeInt8, len(x)
	case []uint16:
		return TypeUint16, len(x)
	case []int16:
		return TypeInt16, len(x)
	case []uint32:
		return TypeUint32, len(x)
	case []int32:
		return TypeInt32, len(x)
	case []uint64:
		return TypeUint64, len(x)
	case []int64:
		return TypeInt64, len(x)
	case []float32:
		return TypeFloat32, len(x)
	case []float64:
		return TypeFloat64, len(x)
	default:
		return 0, 0
	}
}

// encodeField writes a normalized value into buf, which is exactly the
// field's wire width.
func encodeField(buf []byte, ft FieldType, v any) error {
	if ft.Base == TypeChar {
		s, ok := v.(string)
		if !ok {
			return mismatch("stored %T for char field", v)
		}
		n := copy(buf, s)
		clear(buf[n:])
		return nil
	}
	base, n := kindOf(v)
	if base != ft.Base || n != ft.Len() {
		return mismatch("stored %T for %s field", v, ft)
	}
	if !ft.IsArray() {
		putScalar(buf, v)
		return nil
	}
	width := ft.Base.Size()
	vals, _ := elements(v)
	for i, elem := range vals {
		putScalar(buf[i*width:], elem)
	}
	return nil
}

func decodeField(buf []byte, ft FieldType) any {
	if ft.Base == TypeChar {
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			buf = buf[:i]
		}
		return string(buf)
	}
	if !ft.IsArray() {
		return readScalar(ft.Base, buf)
	}
	width := ft.Base.Size()
	vals := make([]any, ft.ArrayLength)
	for i := range vals {
		vals[i] = readScalar(ft.Base, buf[i*width:])
	}
	return packArray(ft, vals)
}
