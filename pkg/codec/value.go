// ABOUTME: Tagged-union Value model shared by the codec, stores and trees
// ABOUTME: Constructors, accessors and field-path lookup for documents

package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Type is the logical kind of a Value
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt64
	TypeFloat64
	TypeString
	TypeObjectID
	TypeDateTime
	TypeFileOffset
	TypeBinary
	TypeArray
	TypeObject
)

// Integers beyond this magnitude cannot round-trip through a float64
const (
	MaxSafeInteger = 1<<53 - 1
	MinSafeInteger = -MaxSafeInteger
)

var typeNames = [...]string{
	TypeNull:       "null",
	TypeBool:       "bool",
	TypeInt64:      "int64",
	TypeFloat64:    "float64",
	TypeString:     "string",
	TypeObjectID:   "objectId",
	TypeDateTime:   "dateTime",
	TypeFileOffset: "fileOffset",
	TypeBinary:     "binary",
	TypeArray:      "array",
	TypeObject:     "object",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ObjectID is the 12-byte document identifier
type ObjectID = primitive.ObjectID

// Field is one key/value pair of an Object
type Field struct {
	Key   string
	Value Value
}

// Value is a self-describing document value.
// Only the payload field matching Type is meaningful.
type Value struct {
	Type Type
	Bool bool
	I64  int64  // Int64, DateTime (ms since epoch)
	U64  uint64 // FileOffset
	F64  float64
	Str  string
	OID  ObjectID
	Bin  []byte
	Arr  []Value
	Obj  []Field
}

// NewNullValue creates a null value
func NewNullValue() Value {
	return Value{Type: TypeNull}
}

// NewBoolValue creates a bool value
func NewBoolValue(b bool) Value {
	return Value{Type: TypeBool, Bool: b}
}

// NewInt64Value creates an int64 value
func NewInt64Value(i int64) Value {
	return Value{Type: TypeInt64, I64: i}
}

// NewFloat64Value creates a float64 value
func NewFloat64Value(f float64) Value {
	return Value{Type: TypeFloat64, F64: f}
}

// NewNumberValue picks Int64 for integral numbers in the safe range, Float64 otherwise
func NewNumberValue(f float64) Value {
	if f == math.Trunc(f) && f >= MinSafeInteger && f <= MaxSafeInteger {
		return NewInt64Value(int64(f))
	}
	return NewFloat64Value(f)
}

// NewStringValue creates a string value
func NewStringValue(s string) Value {
	return Value{Type: TypeString, Str: s}
}

// NewObjectIDValue creates an ObjectId value
func NewObjectIDValue(id ObjectID) Value {
	return Value{Type: TypeObjectID, OID: id}
}

// NewDateTimeValue creates a DateTime value with millisecond precision
func NewDateTimeValue(t time.Time) Value {
	return Value{Type: TypeDateTime, I64: t.UnixMilli()}
}

// NewDateTimeMillis creates a DateTime value from ms since epoch
func NewDateTimeMillis(ms int64) Value {
	return Value{Type: TypeDateTime, I64: ms}
}

// NewFileOffsetValue creates a FileOffset value
func NewFileOffsetValue(off uint64) Value {
	return Value{Type: TypeFileOffset, U64: off}
}

// NewBinaryValue creates a binary value
func NewBinaryValue(b []byte) Value {
	return Value{Type: TypeBinary, Bin: b}
}

// NewArrayValue creates an array value
func NewArrayValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Type: TypeArray, Arr: items}
}

// NewObjectValue creates an object value, keeping field order
func NewObjectValue(fields ...Field) Value {
	if fields == nil {
		fields = []Field{}
	}
	return Value{Type: TypeObject, Obj: fields}
}

// F is shorthand for building an Object field
func F(key string, v Value) Field {
	return Field{Key: key, Value: v}
}

// IsNull reports whether v is Null
func (v Value) IsNull() bool {
	return v.Type == TypeNull
}

// IsNumber reports whether v is Int64 or Float64
func (v Value) IsNumber() bool {
	return v.Type == TypeInt64 || v.Type == TypeFloat64
}

// Float returns a numeric value as float64
func (v Value) Float() (float64, bool) {
	switch v.Type {
	case TypeInt64:
		return float64(v.I64), true
	case TypeFloat64:
		return v.F64, true
	}
	return 0, false
}

// Time returns a DateTime value as time.Time
func (v Value) Time() time.Time {
	return time.UnixMilli(v.I64).UTC()
}

// Get returns the value stored under key in an Object
func (v Value) Get(key string) (Value, bool) {
	if v.Type != TypeObject {
		return Value{}, false
	}
	for _, f := range v.Obj {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Path resolves a dotted path ("a.b.0.c") through Objects and Arrays
func (v Value) Path(path string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch cur.Type {
		case TypeObject:
			next, ok := cur.Get(part)
			if !ok {
				return Value{}, false
			}
			cur = next
		case TypeArray:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(cur.Arr) {
				return Value{}, false
			}
			cur = cur.Arr[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Set returns a copy of an Object with key set to val (appended if new)
func (v Value) Set(key string, val Value) Value {
	fields := make([]Field, 0, len(v.Obj)+1)
	replaced := false
	for _, f := range v.Obj {
		if f.Key == key {
			f.Value = val
			replaced = true
		}
		fields = append(fields, f)
	}
	if !replaced {
		fields = append(fields, Field{Key: key, Value: val})
	}
	return Value{Type: TypeObject, Obj: fields}
}

// String renders the value in a JSON-like debug form
func (v Value) String() string {
	var sb strings.Builder
	writeValue(&sb, v)
	return sb.String()
}

func writeValue(sb *strings.Builder, v Value) {
	switch v.Type {
	case TypeNull:
		sb.WriteString("null")
	case TypeBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case TypeInt64:
		sb.WriteString(strconv.FormatInt(v.I64, 10))
	case TypeFloat64:
		sb.WriteString(strconv.FormatFloat(v.F64, 'g', -1, 64))
	case TypeString:
		sb.WriteString(strconv.Quote(v.Str))
	case TypeObjectID:
		fmt.Fprintf(sb, "ObjectId(%q)", v.OID.Hex())
	case TypeDateTime:
		fmt.Fprintf(sb, "Date(%s)", v.Time().Format(time.RFC3339Nano))
	case TypeFileOffset:
		fmt.Fprintf(sb, "@%d", v.U64)
	case TypeBinary:
		fmt.Fprintf(sb, "Binary(%x)", v.Bin)
	case TypeArray:
		sb.WriteByte('[')
		for i, item := range v.Arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeValue(sb, item)
		}
		sb.WriteByte(']')
	case TypeObject:
		sb.WriteByte('{')
		for i, f := range v.Obj {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(f.Key))
			sb.WriteByte(':')
			writeValue(sb, f.Value)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(v.Type.String())
	}
}
