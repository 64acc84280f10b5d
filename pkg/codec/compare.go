// ABOUTME: Total ordering over Values used for B+Tree keys
// ABOUTME: Cross-type rank first, then natural order within a type

package codec

import (
	"bytes"
	"cmp"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// typeRank orders kinds relative to each other; Int64 and Float64 share a rank
func typeRank(t Type) int {
	switch t {
	case TypeNull:
		return 0
	case TypeInt64, TypeFloat64:
		return 1
	case TypeString:
		return 2
	case TypeObject:
		return 3
	case TypeArray:
		return 4
	case TypeBinary:
		return 5
	case TypeObjectID:
		return 6
	case TypeBool:
		return 7
	case TypeDateTime:
		return 8
	case TypeFileOffset:
		return 9
	}
	return 10
}

// Compare returns -1, 0 or 1
func Compare(a, b Value) int {
	if ra, rb := typeRank(a.Type), typeRank(b.Type); ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch a.Type {
	case TypeNull:
		return 0
	case TypeInt64, TypeFloat64:
		return compareNumbers(a, b)
	case TypeString:
		return strings.Compare(a.Str, b.Str)
	case TypeObject:
		for i := 0; i < len(a.Obj) && i < len(b.Obj); i++ {
			if c := strings.Compare(a.Obj[i].Key, b.Obj[i].Key); c != 0 {
				return c
			}
			if c := Compare(a.Obj[i].Value, b.Obj[i].Value); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a.Obj), len(b.Obj))
	case TypeArray:
		for i := 0; i < len(a.Arr) && i < len(b.Arr); i++ {
			if c := Compare(a.Arr[i], b.Arr[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a.Arr), len(b.Arr))
	case TypeBinary:
		return bytes.Compare(a.Bin, b.Bin)
	case TypeObjectID:
		return bytes.Compare(a.OID[:], b.OID[:])
	case TypeBool:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		}
		return 1
	case TypeDateTime:
		return cmp.Compare(a.I64, b.I64)
	case TypeFileOffset:
		return cmp.Compare(a.U64, b.U64)
	}
	return 0
}

func compareNumbers(a, b Value) int {
	if a.Type == TypeInt64 && b.Type == TypeInt64 {
		return cmp.Compare(a.I64, b.I64)
	}
	fa, _ := a.Float()
	fb, _ := b.Float()
	return cmp.Compare(fa, fb)
}

// Equal reports whether a and b compare equal
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Less reports whether a sorts before b
func Less(a, b Value) bool {
	return Compare(a, b) < 0
}

// NewObjectID generates a fresh identifier with a seconds timestamp prefix
func NewObjectID() ObjectID {
	return primitive.NewObjectID()
}

// ObjectIDFromHex parses a 24-character hex identifier
func ObjectIDFromHex(s string) (ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return ObjectID{}, formatErr("invalid objectId %q", s)
	}
	return id, nil
}
