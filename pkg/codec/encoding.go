// ABOUTME: Self-describing binary encoding for Values
// ABOUTME: Tag byte + little-endian payload; composites carry byte length and count

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire tags
const (
	TAG_NULL        = 0
	TAG_FALSE       = 1
	TAG_TRUE        = 2
	TAG_INT64       = 3
	TAG_FLOAT64     = 4
	TAG_STRING      = 5
	TAG_OBJECTID    = 6
	TAG_DATETIME    = 7
	TAG_FILE_OFFSET = 8
	TAG_BINARY      = 9
	TAG_ARRAY       = 16
	TAG_OBJECT      = 17
)

// MaxHeaderSize is the number of leading bytes Span needs to size any record
const MaxHeaderSize = 5

// FileOffsetSize is the encoded size of a FileOffset record
const FileOffsetSize = 9

var ErrFormat = errors.New("codec: format error")

func formatErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Encode serializes v into a new buffer
func Encode(v Value) ([]byte, error) {
	return AppendValue(make([]byte, 0, 64), v)
}

// AppendValue appends the encoding of v to dst
func AppendValue(dst []byte, v Value) ([]byte, error) {
	switch v.Type {
	case TypeNull:
		return append(dst, TAG_NULL), nil
	case TypeBool:
		if v.Bool {
			return append(dst, TAG_TRUE), nil
		}
		return append(dst, TAG_FALSE), nil
	case TypeInt64:
		if v.I64 > MaxSafeInteger || v.I64 < MinSafeInteger {
			return nil, formatErr("int64 %d outside safe integer range", v.I64)
		}
		dst = append(dst, TAG_INT64)
		return binary.LittleEndian.AppendUint64(dst, uint64(v.I64)), nil
	case TypeFloat64:
		dst = append(dst, TAG_FLOAT64)
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.F64)), nil
	case TypeString:
		dst = append(dst, TAG_STRING)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Str)))
		return append(dst, v.Str...), nil
	case TypeObjectID:
		dst = append(dst, TAG_OBJECTID)
		return append(dst, v.OID[:]...), nil
	case TypeDateTime:
		dst = append(dst, TAG_DATETIME)
		return binary.LittleEndian.AppendUint64(dst, uint64(v.I64)), nil
	case TypeFileOffset:
		dst = append(dst, TAG_FILE_OFFSET)
		return binary.LittleEndian.AppendUint64(dst, v.U64), nil
	case TypeBinary:
		dst = append(dst, TAG_BINARY)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Bin)))
		return append(dst, v.Bin...), nil
	case TypeArray:
		return appendComposite(dst, TAG_ARRAY, len(v.Arr), func(b []byte) ([]byte, error) {
			var err error
			for _, item := range v.Arr {
				if b, err = AppendValue(b, item); err != nil {
					return nil, err
				}
			}
			return b, nil
		})
	case TypeObject:
		return appendComposite(dst, TAG_OBJECT, len(v.Obj), func(b []byte) ([]byte, error) {
			var err error
			for _, f := range v.Obj {
				b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Key)))
				b = append(b, f.Key...)
				if b, err = AppendValue(b, f.Value); err != nil {
					return nil, err
				}
			}
			return b, nil
		})
	}
	return nil, formatErr("cannot encode %s", v.Type)
}

// appendComposite writes tag, total length and count, then the content.
// The length slot is reserved up front and patched once content size is known.
func appendComposite(dst []byte, tag byte, count int, content func([]byte) ([]byte, error)) ([]byte, error) {
	dst = append(dst, tag)
	lenPos := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(count))
	dst, err := content(dst)
	if err != nil {
		return nil, err
	}
	total := len(dst) - lenPos - 4
	binary.LittleEndian.PutUint32(dst[lenPos:], uint32(total))
	return dst, nil
}

// Span returns the full byte length of the record whose first bytes are head.
// head needs the tag plus, for variable-length types, the 4-byte length field.
func Span(head []byte) (int, error) {
	if len(head) == 0 {
		return 0, formatErr("empty buffer")
	}
	switch head[0] {
	case TAG_NULL, TAG_FALSE, TAG_TRUE:
		return 1, nil
	case TAG_INT64, TAG_FLOAT64, TAG_DATETIME, TAG_FILE_OFFSET:
		return 9, nil
	case TAG_OBJECTID:
		return 13, nil
	case TAG_STRING, TAG_BINARY, TAG_ARRAY, TAG_OBJECT:
		if len(head) < 5 {
			return 0, formatErr("truncated length for tag %d", head[0])
		}
		return 5 + int(binary.LittleEndian.Uint32(head[1:5])), nil
	}
	return 0, formatErr("unknown tag %d", head[0])
}

// Decode parses one Value from the front of buf and reports the bytes consumed
func Decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, formatErr("empty buffer")
	}
	tag := buf[0]
	body := buf[1:]
	switch tag {
	case TAG_NULL:
		return NewNullValue(), 1, nil
	case TAG_FALSE:
		return NewBoolValue(false), 1, nil
	case TAG_TRUE:
		return NewBoolValue(true), 1, nil
	case TAG_INT64, TAG_FLOAT64, TAG_DATETIME, TAG_FILE_OFFSET:
		if len(body) < 8 {
			return Value{}, 0, formatErr("truncated fixed-width value for tag %d", tag)
		}
		u := binary.LittleEndian.Uint64(body)
		switch tag {
		case TAG_INT64:
			i := int64(u)
			if i > MaxSafeInteger || i < MinSafeInteger {
				return Value{}, 0, formatErr("int64 %d outside safe integer range", i)
			}
			return NewInt64Value(i), 9, nil
		case TAG_FLOAT64:
			return NewFloat64Value(math.Float64frombits(u)), 9, nil
		case TAG_DATETIME:
			return NewDateTimeMillis(int64(u)), 9, nil
		default:
			return NewFileOffsetValue(u), 9, nil
		}
	case TAG_OBJECTID:
		if len(body) < 12 {
			return Value{}, 0, formatErr("truncated objectId")
		}
		var id ObjectID
		copy(id[:], body[:12])
		return NewObjectIDValue(id), 13, nil
	case TAG_STRING, TAG_BINARY:
		if len(body) < 4 {
			return Value{}, 0, formatErr("truncated length for tag %d", tag)
		}
		n := int(binary.LittleEndian.Uint32(body))
		if len(body)-4 < n {
			return Value{}, 0, formatErr("truncated payload: need %d bytes, have %d", n, len(body)-4)
		}
		raw := body[4 : 4+n]
		if tag == TAG_STRING {
			return NewStringValue(string(raw)), 5 + n, nil
		}
		return NewBinaryValue(append([]byte(nil), raw...)), 5 + n, nil
	case TAG_ARRAY, TAG_OBJECT:
		return decodeComposite(tag, body)
	}
	return Value{}, 0, formatErr("unknown tag %d", tag)
}

func decodeComposite(tag byte, body []byte) (Value, int, error) {
	if len(body) < 8 {
		return Value{}, 0, formatErr("truncated composite header")
	}
	total := int(binary.LittleEndian.Uint32(body))
	if total < 4 {
		return Value{}, 0, formatErr("composite length %d too small", total)
	}
	if len(body)-4 < total {
		return Value{}, 0, formatErr("truncated composite: need %d bytes, have %d", total, len(body)-4)
	}
	count := int(binary.LittleEndian.Uint32(body[4:]))
	content := body[8 : 4+total]
	consumed := 5 + total

	// every element takes at least one byte, every pair at least five
	minPer := 1
	if tag == TAG_OBJECT {
		minPer = 5
	}
	if count > len(content)/minPer {
		return Value{}, 0, formatErr("composite count %d exceeds content length %d", count, len(content))
	}

	pos := 0
	if tag == TAG_ARRAY {
		items := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			item, n, err := Decode(content[pos:])
			if err != nil {
				return Value{}, 0, fmt.Errorf("array element %d: %w", i, err)
			}
			items = append(items, item)
			pos += n
		}
		if pos != len(content) {
			return Value{}, 0, formatErr("array length mismatch: %d of %d bytes used", pos, len(content))
		}
		return NewArrayValue(items...), consumed, nil
	}

	fields := make([]Field, 0, count)
	for i := 0; i < count; i++ {
		if len(content)-pos < 4 {
			return Value{}, 0, formatErr("truncated key length in pair %d", i)
		}
		kl := int(binary.LittleEndian.Uint32(content[pos:]))
		pos += 4
		if len(content)-pos < kl {
			return Value{}, 0, formatErr("truncated key in pair %d", i)
		}
		key := string(content[pos : pos+kl])
		pos += kl
		val, n, err := Decode(content[pos:])
		if err != nil {
			return Value{}, 0, fmt.Errorf("object field %q: %w", key, err)
		}
		fields = append(fields, Field{Key: key, Value: val})
		pos += n
	}
	if pos != len(content) {
		return Value{}, 0, formatErr("object length mismatch: %d of %d bytes used", pos, len(content))
	}
	return NewObjectValue(fields...), consumed, nil
}
