// Conversion between stored values and protobuf Struct payloads
package server

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/docstore/pkg/codec"
)

// Extended JSON keys for types protobuf Struct cannot carry natively
const (
	keyOID    = "$oid"
	keyDate   = "$date"
	keyBinary = "$binary"
	keyOffset = "$offset"
)

// ToProto converts a stored value into a protobuf value
func ToProto(v codec.Value) (*structpb.Value, error) {
	switch v.Type {
	case codec.TypeNull:
		return structpb.NewNullValue(), nil
	case codec.TypeBool:
		return structpb.NewBoolValue(v.Bool), nil
	case codec.TypeInt64:
		return structpb.NewNumberValue(float64(v.I64)), nil
	case codec.TypeFloat64:
		return structpb.NewNumberValue(v.F64), nil
	case codec.TypeString:
		return structpb.NewStringValue(v.Str), nil
	case codec.TypeObjectID:
		return extended(keyOID, structpb.NewStringValue(v.OID.Hex())), nil
	case codec.TypeDateTime:
		return extended(keyDate, structpb.NewNumberValue(float64(v.I64))), nil
	case codec.TypeFileOffset:
		return extended(keyOffset, structpb.NewNumberValue(float64(v.U64))), nil
	case codec.TypeBinary:
		return extended(keyBinary, structpb.NewStringValue(base64.StdEncoding.EncodeToString(v.Bin))), nil
	case codec.TypeArray:
		items := make([]*structpb.Value, len(v.Arr))
		for i, item := range v.Arr {
			pv, err := ToProto(item)
			if err != nil {
				return nil, err
			}
			items[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: items}), nil
	case codec.TypeObject:
		s, err := ToStruct(v)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}
	return nil, fmt.Errorf("%w: cannot convert %s", codec.ErrFormat, v.Type)
}

// ToStruct converts an Object value into a protobuf Struct
func ToStruct(v codec.Value) (*structpb.Struct, error) {
	if v.Type != codec.TypeObject {
		return nil, fmt.Errorf("%w: %s is not an object", codec.ErrFormat, v.Type)
	}
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(v.Obj))}
	for _, f := range v.Obj {
		pv, err := ToProto(f.Value)
		if err != nil {
			return nil, err
		}
		s.Fields[f.Key] = pv
	}
	return s, nil
}

func extended(key string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{key: v}})
}

// FromProto converts a protobuf value into a stored value.
// Integral numbers become Int64 and single-key $-objects become their extended type.
func FromProto(pv *structpb.Value) (codec.Value, error) {
	if pv == nil {
		return codec.NewNullValue(), nil
	}
	switch k := pv.Kind.(type) {
	case *structpb.Value_NullValue:
		return codec.NewNullValue(), nil
	case *structpb.Value_BoolValue:
		return codec.NewBoolValue(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		if math.IsNaN(k.NumberValue) || math.IsInf(k.NumberValue, 0) {
			return codec.Value{}, fmt.Errorf("%w: non-finite number", codec.ErrFormat)
		}
		return codec.NewNumberValue(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return codec.NewStringValue(k.StringValue), nil
	case *structpb.Value_ListValue:
		items := make([]codec.Value, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			v, err := FromProto(item)
			if err != nil {
				return codec.Value{}, err
			}
			items = append(items, v)
		}
		return codec.NewArrayValue(items...), nil
	case *structpb.Value_StructValue:
		if v, ok, err := fromExtended(k.StructValue); ok || err != nil {
			return v, err
		}
		return FromStruct(k.StructValue)
	}
	return codec.Value{}, fmt.Errorf("%w: unsupported protobuf value", codec.ErrFormat)
}

// FromStruct converts a protobuf Struct into an Object value with keys in sorted order
func FromStruct(s *structpb.Struct) (codec.Value, error) {
	keys := make([]string, 0, len(s.GetFields()))
	for k := range s.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]codec.Field, 0, len(keys))
	for _, k := range keys {
		v, err := FromProto(s.Fields[k])
		if err != nil {
			return codec.Value{}, fmt.Errorf("field %s: %w", k, err)
		}
		fields = append(fields, codec.F(k, v))
	}
	return codec.NewObjectValue(fields...), nil
}

func fromExtended(s *structpb.Struct) (codec.Value, bool, error) {
	if len(s.GetFields()) != 1 {
		return codec.Value{}, false, nil
	}
	for key, pv := range s.Fields {
		switch key {
		case keyOID:
			id, err := codec.ObjectIDFromHex(pv.GetStringValue())
			if err != nil {
				return codec.Value{}, true, err
			}
			return codec.NewObjectIDValue(id), true, nil
		case keyDate:
			ms, err := integral(pv)
			if err != nil {
				return codec.Value{}, true, err
			}
			return codec.NewDateTimeMillis(ms), true, nil
		case keyOffset:
			off, err := integral(pv)
			if err != nil || off < 0 {
				return codec.Value{}, true, fmt.Errorf("%w: bad %s", codec.ErrFormat, keyOffset)
			}
			return codec.NewFileOffsetValue(uint64(off)), true, nil
		case keyBinary:
			b, err := base64.StdEncoding.DecodeString(pv.GetStringValue())
			if err != nil {
				return codec.Value{}, true, fmt.Errorf("%w: bad %s: %w", codec.ErrFormat, keyBinary, err)
			}
			return codec.NewBinaryValue(b), true, nil
		}
	}
	return codec.Value{}, false, nil
}

func integral(pv *structpb.Value) (int64, error) {
	n, ok := pv.Kind.(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > codec.MaxSafeInteger {
		return 0, fmt.Errorf("%w: expected an integer", codec.ErrFormat)
	}
	return int64(n.NumberValue), nil
}
