// ABOUTME: B+Tree metadata record and sentinel errors
// ABOUTME: The metadata trailer is the sole source of tree shape on reopen

package bptree

import (
	"errors"

	"github.com/nainya/docstore/pkg/codec"
)

var (
	ErrNotOpen     = errors.New("bptree: tree is not open")
	ErrAlreadyOpen = errors.New("bptree: tree is already open")
	ErrCorrupt     = errors.New("bptree: corrupt tree file")
	ErrBadOrder    = errors.New("bptree: order must be at least 3")
)

const metaVersion = 1

type meta struct {
	order   int
	minKeys int
	size    uint64
	root    uint64
	nextID  uint32
}

// Field names are shared with the R-Tree metadata layout
func (m meta) encode() codec.Value {
	return codec.NewObjectValue(
		codec.F("version", codec.NewInt64Value(metaVersion)),
		codec.F("maxEntries", codec.NewInt64Value(int64(m.order))),
		codec.F("minEntries", codec.NewInt64Value(int64(m.minKeys))),
		codec.F("size", codec.NewInt64Value(int64(m.size))),
		codec.F("rootPointer", codec.NewFileOffsetValue(m.root)),
		codec.F("nextId", codec.NewInt64Value(int64(m.nextID))),
	)
}

func decodeMeta(v codec.Value) (meta, error) {
	version, err := intField(v, "version")
	if err != nil {
		return meta{}, err
	}
	if version != metaVersion {
		return meta{}, corruptf("unsupported metadata version %d", version)
	}
	order, err := intField(v, "maxEntries")
	if err != nil {
		return meta{}, err
	}
	if order < 3 {
		return meta{}, corruptf("metadata order %d", order)
	}
	minKeys, err := intField(v, "minEntries")
	if err != nil {
		return meta{}, err
	}
	size, err := intField(v, "size")
	if err != nil {
		return meta{}, err
	}
	if size < 0 {
		return meta{}, corruptf("negative size %d", size)
	}
	nextID, err := intField(v, "nextId")
	if err != nil {
		return meta{}, err
	}
	root, ok := v.Get("rootPointer")
	if !ok || root.Type != codec.TypeFileOffset {
		return meta{}, corruptf("rootPointer is not a file offset")
	}
	return meta{
		order:   int(order),
		minKeys: int(minKeys),
		size:    uint64(size),
		root:    root.U64,
		nextID:  uint32(nextID),
	}, nil
}

// minKeysFor is recorded in metadata but not enforced by Delete
func minKeysFor(order int) int {
	return (order+1)/2 - 1
}
