package sparkplug

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Packed array layout:
// - fixed width numbers: little endian, count = len/width
// - boolean: uint32 LE count, then bits MSB first, padding ignored
// - string: each element NUL terminated, then one empty element as end marker
// - datetime: int64 LE milliseconds
var le = binary.LittleEndian

var arrayWidth = map[DataType]int{
	Int8Array:     1,
	UInt8Array:    1,
	Int16Array:    2,
	UInt16Array:   2,
	Int32Array:    4,
	UInt32Array:   4,
	FloatArray:    4,
	Int64Array:    8,
	UInt64Array:   8,
	DoubleArray:   8,
	DateTimeArray: 8,
}

// PackArray encodes slice v of Go type matching dt (see package doc table).
func PackArray(dt DataType, v interface{}) ([]byte, error) {
	if !dt.IsArray() {
		return nil, &UnsupportedTypeError{DataType: dt, Context: "packed array"}
	}
	wrongShape := func() error {
		return errors.NotValidf("%s value type %T", dt, v)
	}

	switch dt {
	case BooleanArray:
		s, ok := v.([]bool)
		if !ok {
			return nil, wrongShape()
		}
		return packBools(s), nil

	case StringArray:
		s, ok := v.([]string)
		if !ok {
			return nil, wrongShape()
		}
		return packStrings(s)
	}

	var b []byte
	w := arrayWidth[dt]
	switch s := v.(type) {
	case []int8:
		if dt != Int8Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s))
		for i, x := range s {
			b[i] = uint8(x)
		}
	case []uint8:
		if dt != UInt8Array {
			return nil, wrongShape()
		}
		b = append([]byte(nil), s...)
	case []int16:
		if dt != Int16Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint16(b[i*w:], uint16(x))
		}
	case []uint16:
		if dt != UInt16Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint16(b[i*w:], x)
		}
	case []int32:
		if dt != Int32Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint32(b[i*w:], uint32(x))
		}
	case []uint32:
		if dt != UInt32Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint32(b[i*w:], x)
		}
	case []float32:
		if dt != FloatArray {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint32(b[i*w:], math.Float32bits(x))
		}
	case []int64:
		if dt != Int64Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint64(b[i*w:], uint64(x))
		}
	case []uint64:
		if dt != UInt64Array {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint64(b[i*w:], x)
		}
	case []float64:
		if dt != DoubleArray {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint64(b[i*w:], math.Float64bits(x))
		}
	case []time.Time:
		if dt != DateTimeArray {
			return nil, wrongShape()
		}
		b = make([]byte, len(s)*w)
		for i, x := range s {
			le.PutUint64(b[i*w:], uint64(x.UnixMilli()))
		}
	default:
		return nil, wrongShape()
	}
	return b, nil
}

// UnpackArray is reverse of PackArray. Returned value is always a non-nil slice.
func UnpackArray(dt DataType, b []byte) (interface{}, error) {
	switch dt {
	case BooleanArray:
		return unpackBools(b)
	case StringArray:
		return unpackStrings(b)
	}
	w, ok := arrayWidth[dt]
	if !ok {
		return nil, &UnsupportedTypeError{DataType: dt, Context: "packed array"}
	}
	if len(b)%w != 0 {
		return nil, decodeErrorf("%s length=%d not multiple of %d", dt, len(b), w)
	}
	n := len(b) / w

	switch dt {
	case Int8Array:
		s := make([]int8, n)
		for i := range s {
			s[i] = int8(b[i])
		}
		return s, nil
	case UInt8Array:
		return append(make([]uint8, 0, n), b...), nil
	case Int16Array:
		s := make([]int16, n)
		for i := range s {
			s[i] = int16(le.Uint16(b[i*w:]))
		}
		return s, nil
	case UInt16Array:
		s := make([]uint16, n)
		for i := range s {
			s[i] = le.Uint16(b[i*w:])
		}
		return s, nil
	case Int32Array:
		s := make([]int32, n)
		for i := range s {
			s[i] = int32(le.Uint32(b[i*w:]))
		}
		return s, nil
	case UInt32Array:
		s := make([]uint32, n)
		for i := range s {
			s[i] = le.Uint32(b[i*w:])
		}
		return s, nil
	case FloatArray:
		s := make([]float32, n)
		for i := range s {
			s[i] = math.Float32frombits(le.Uint32(b[i*w:]))
		}
		return s, nil
	case Int64Array:
		s := make([]int64, n)
		for i := range s {
			s[i] = int64(le.Uint64(b[i*w:]))
		}
		return s, nil
	case UInt64Array:
		s := make([]uint64, n)
		for i := range s {
			s[i] = le.Uint64(b[i*w:])
		}
		return s, nil
	case DoubleArray:
		s := make([]float64, n)
		for i := range s {
			s[i] = math.Float64frombits(le.Uint64(b[i*w:]))
		}
		return s, nil
	case DateTimeArray:
		s := make([]time.Time, n)
		for i := range s {
			s[i] = time.UnixMilli(int64(le.Uint64(b[i*w:]))).UTC()
		}
		return s, nil
	}
	panic("code error arrayWidth and UnpackArray out of sync dt=" + dt.String())
}

func packBools(s []bool) []byte {
	b := make([]byte, 4+(len(s)+7)/8)
	le.PutUint32(b, uint32(len(s)))
	for i, x := range s {
		if x {
			b[4+i/8] |= 0x80 >> uint(i%8)
		}
	}
	return b
}

func unpackBools(b []byte) ([]bool, error) {
	if len(b) < 4 {
		return nil, decodeErrorf("BooleanArray length=%d missing count", len(b))
	}
	n := int(le.Uint32(b))
	if need := 4 + (n+7)/8; len(b) < need {
		return nil, decodeErrorf("BooleanArray count=%d length=%d need=%d", n, len(b), need)
	}
	s := make([]bool, n)
	for i := range s {
		s[i] = b[4+i/8]&(0x80>>uint(i%8)) != 0
	}
	return s, nil
}

func packStrings(s []string) ([]byte, error) {
	size := 1
	for _, x := range s {
		size += len(x) + 1
	}
	b := make([]byte, 0, size)
	for i, x := range s {
		if strings.IndexByte(x, 0) != -1 {
			return nil, errors.NotValidf("StringArray element=%d contains NUL", i)
		}
		if !utf8.ValidString(x) {
			return nil, errors.NotValidf("StringArray element=%d invalid UTF-8", i)
		}
		b = append(b, x...)
		b = append(b, 0)
	}
	return append(b, 0), nil
}

func unpackStrings(b []byte) ([]string, error) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return nil, decodeErrorf("StringArray truncated, missing terminator")
	}
	parts := bytes.Split(b[:len(b)-1], []byte{0})
	// last part is the empty end marker
	if len(parts[len(parts)-1]) != 0 {
		return nil, decodeErrorf("StringArray missing end marker")
	}
	parts = parts[:len(parts)-1]
	s := make([]string, len(parts))
	for i, p := range parts {
		if !utf8.Valid(p) {
			return nil, decodeErrorf("StringArray element=%d invalid UTF-8", i)
		}
		s[i] = string(p)
	}
	return s, nil
}
