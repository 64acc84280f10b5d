// ABOUTME: R-Tree node records, leaf entries and metadata encoding
// ABOUTME: A node's bbox is always the union of its children's bounds

package rtree

import (
	"errors"
	"fmt"

	"github.com/nainya/docstore/pkg/codec"
)

var (
	ErrNotOpen        = errors.New("rtree: tree is not open")
	ErrAlreadyOpen    = errors.New("rtree: tree is already open")
	ErrCorrupt        = errors.New("rtree: corrupt tree file")
	ErrBadMaxEntries  = errors.New("rtree: maxEntries must be at least 2")
	ErrBadCoordinates = errors.New("rtree: coordinates out of range")
)

// Entry is one indexed point
type Entry struct {
	BBox BBox
	Lat  float64
	Lng  float64
	ID   codec.Value
}

func (e Entry) encode() codec.Value {
	return codec.NewObjectValue(
		codec.F("bbox", e.BBox.encode()),
		codec.F("lat", codec.NewFloat64Value(e.Lat)),
		codec.F("lng", codec.NewFloat64Value(e.Lng)),
		codec.F("objectId", e.ID),
	)
}

func decodeEntry(v codec.Value) (Entry, error) {
	if v.Type != codec.TypeObject {
		return Entry{}, corruptf("leaf entry is %s, not an object", v.Type)
	}
	bv, ok := v.Get("bbox")
	if !ok {
		return Entry{}, corruptf("leaf entry missing bbox")
	}
	box, err := decodeBBox(bv)
	if err != nil {
		return Entry{}, err
	}
	lat, latOK := floatField(v, "lat")
	lng, lngOK := floatField(v, "lng")
	id, idOK := v.Get("objectId")
	if !latOK || !lngOK || !idOK {
		return Entry{}, corruptf("leaf entry missing lat, lng or objectId")
	}
	return Entry{BBox: box, Lat: lat, Lng: lng, ID: id}, nil
}

// node is the in-memory form of one persisted node record
type node struct {
	id      uint32
	leaf    bool
	box     *BBox // nil when the node has no children
	entries []Entry
	kids    []uint64
}

func (n *node) count() int {
	if n.leaf {
		return len(n.entries)
	}
	return len(n.kids)
}

func (n *node) encode() codec.Value {
	box := codec.NewNullValue()
	if n.box != nil {
		box = n.box.encode()
	}
	children := make([]codec.Value, 0, n.count())
	if n.leaf {
		for _, e := range n.entries {
			children = append(children, e.encode())
		}
	} else {
		for _, k := range n.kids {
			children = append(children, codec.NewFileOffsetValue(k))
		}
	}
	return codec.NewObjectValue(
		codec.F("id", codec.NewInt64Value(int64(n.id))),
		codec.F("isLeaf", codec.NewBoolValue(n.leaf)),
		codec.F("bbox", box),
		codec.F("children", codec.NewArrayValue(children...)),
	)
}

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
	n := &node{id: uint32(id), leaf: isLeaf.Bool}

	bv, ok := v.Get("bbox")
	if !ok {
		return nil, corruptf("node %d: missing bbox", id)
	}
	if !bv.IsNull() {
		box, err := decodeBBox(bv)
		if err != nil {
			return nil, err
		}
		n.box = &box
	}

	children, ok := v.Get("children")
	if !ok || children.Type != codec.TypeArray {
		return nil, corruptf("node %d: missing children", id)
	}
	for i, c := range children.Arr {
		if n.leaf {
			e, err := decodeEntry(c)
			if err != nil {
				return nil, fmt.Errorf("node %d entry %d: %w", id, i, err)
			}
			n.entries = append(n.entries, e)
			continue
		}
		if c.Type != codec.TypeFileOffset {
			return nil, corruptf("node %d: child %d is %s, not a file offset", id, i, c.Type)
		}
		n.kids = append(n.kids, c.U64)
	}
	if (n.box == nil) != (n.count() == 0) {
		return nil, corruptf("node %d: bbox does not match %d children", id, n.count())
	}
	return n, nil
}

const metaVersion = 1

type meta struct {
	maxEntries int
	minEntries int
	size       uint64
	root       uint64
	nextID     uint32
}

func (m meta) encode() codec.Value {
	return codec.NewObjectValue(
		codec.F("version", codec.NewInt64Value(metaVersion)),
		codec.F("maxEntries", codec.NewInt64Value(int64(m.maxEntries))),
		codec.F("minEntries", codec.NewInt64Value(int64(m.minEntries))),
		codec.F("size", codec.NewInt64Value(int64(m.size))),
		codec.F("rootPointer", codec.NewFileOffsetValue(m.root)),
		codec.F("nextId", codec.NewInt64Value(int64(m.nextID))),
	)
}

func decodeMeta(v codec.Value) (meta, error) {
	var m meta
	version, err := intField(v, "version")
	if err != nil {
		return m, err
	}
	if version != metaVersion {
		return m, corruptf("unsupported metadata version %d", version)
	}
	maxEntries, err := intField(v, "maxEntries")
	if err != nil {
		return m, err
	}
	if maxEntries < 2 {
		return m, corruptf("metadata maxEntries %d", maxEntries)
	}
	minEntries, err := intField(v, "minEntries")
	if err != nil {
		return m, err
	}
	size, err := intField(v, "size")
	if err != nil {
		return m, err
	}
	nextID, err := intField(v, "nextId")
	if err != nil {
		return m, err
	}
	root, ok := v.Get("rootPointer")
	if !ok || root.Type != codec.TypeFileOffset {
		return m, corruptf("rootPointer is not a file offset")
	}
	if size < 0 {
		return m, corruptf("negative size %d", size)
	}
	return meta{
		maxEntries: int(maxEntries),
		minEntries: int(minEntries),
		size:       uint64(size),
		root:       root.U64,
		nextID:     uint32(nextID),
	}, nil
}

// minEntriesFor is max(2, ceil(maxEntries/2))
func minEntriesFor(maxEntries int) int {
	return max(2, (maxEntries+1)/2)
}

func intField(v codec.Value, name string) (int64, error) {
	f, ok := v.Get(name)
	if !ok || f.Type != codec.TypeInt64 {
		return 0, corruptf("missing integer field %q", name)
	}
	return f.I64, nil
}

func floatField(v codec.Value, name string) (float64, bool) {
	f, ok := v.Get(name)
	if !ok {
		return 0, false
	}
	return f.Float()
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
