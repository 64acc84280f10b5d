// ABOUTME: B+Tree node records and their codec representation
// ABOUTME: Nodes are immutable once appended; every change writes a new record

package bptree

import (
	"fmt"

	"github.com/nainya/docstore/pkg/codec"
)

// node is the in-memory form of one persisted node record.
// Leaves use vals, internal nodes use kids (len(kids) == len(keys)+1).
type node struct {
	id   uint32
	leaf bool
	keys []codec.Value
	vals []codec.Value
	kids []uint64
}

// encode builds the persisted object; next is reserved and always null
func (n *node) encode() codec.Value {
	kids := make([]codec.Value, len(n.kids))
	for i, k := range n.kids {
		kids[i] = codec.NewFileOffsetValue(k)
	}
	var vals []codec.Value
	if n.leaf {
		vals = n.vals
	}
	return codec.NewObjectValue(
		codec.F("id", codec.NewInt64Value(int64(n.id))),
		codec.F("isLeaf", codec.NewBoolValue(n.leaf)),
		codec.F("keys", codec.NewArrayValue(n.keys...)),
		codec.F("values", codec.NewArrayValue(vals...)),
		codec.F("children", codec.NewArrayValue(kids...)),
		codec.F("next", codec.NewNullValue()),
	)
}

// decodeNode validates and converts a record into a node
func decodeNode(v codec.Value) (*node, error) {
	if v.Type != codec.TypeObject {
		return nil, corruptf("node record is %s, not an object", v.Type)
	}
	id, err := intField(v, "id")
	if err != nil {
		return nil, err
	}
	isLeaf, ok := v.Get("isLeaf")
	if !ok || isLeaf.Type != codec.TypeBool {
		return nil, corruptf("node %d: missing isLeaf", id)
	}
	keys, err := arrayField(v, "keys")
	if err != nil {
		return nil, err
	}
	n := &node{id: uint32(id), leaf: isLeaf.Bool, keys: keys}

	if n.leaf {
		vals, err := arrayField(v, "values")
		if err != nil {
			return nil, err
		}
		if len(vals) != len(keys) {
			return nil, corruptf("leaf %d: %d keys but %d values", id, len(keys), len(vals))
		}
		n.vals = vals
		return n, nil
	}

	kids, err := arrayField(v, "children")
	if err != nil {
		return nil, err
	}
	if len(kids) != len(keys)+1 {
		return nil, corruptf("internal node %d: %d keys but %d children", id, len(keys), len(kids))
	}
	n.kids = make([]uint64, len(kids))
	for i, k := range kids {
		if k.Type != codec.TypeFileOffset {
			return nil, corruptf("internal node %d: child %d is %s, not a file offset", id, i, k.Type)
		}
		n.kids[i] = k.U64
	}
	return n, nil
}

func intField(v codec.Value, name string) (int64, error) {
	f, ok := v.Get(name)
	if !ok || f.Type != codec.TypeInt64 {
		return 0, corruptf("missing integer field %q", name)
	}
	return f.I64, nil
}

func arrayField(v codec.Value, name string) ([]codec.Value, error) {
	f, ok := v.Get(name)
	if !ok || f.Type != codec.TypeArray {
		return nil, corruptf("missing array field %q", name)
	}
	return f.Arr, nil
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// childIndex returns the first i with key < keys[i]; equal keys go right
func childIndex(keys []codec.Value, key codec.Value) int {
	for i, k := range keys {
		if codec.Compare(key, k) < 0 {
			return i
		}
	}
	return len(keys)
}

// leafPos returns the insertion position of key and whether it is present
func leafPos(keys []codec.Value, key codec.Value) (int, bool) {
	for i, k := range keys {
		switch c := codec.Compare(k, key); {
		case c == 0:
			return i, true
		case c > 0:
			return i, false
		}
	}
	return len(keys), false
}
