// ABOUTME: Document index capability shared by field and geospatial indexes
// ABOUTME: Index definitions, document id helpers and coordinate extraction

package index

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
)

var (
	ErrNotFound      = errors.New("index: not found")
	ErrExists        = errors.New("index: already exists")
	ErrBadDefinition = errors.New("index: invalid definition")
	ErrBadDocument   = errors.New("index: invalid document")
	ErrWrongKind     = errors.New("index: wrong index kind")
)

// Kind selects the storage backend of an index
type Kind string

const (
	KindField Kind = "field"
	KindGeo   Kind = "geo"
)

// IDField is the document identifier field
const IDField = "_id"

// CompactStats reports the effect of compacting one index file
type CompactStats struct {
	OldSize    uint64
	NewSize    uint64
	BytesSaved int64
}

// Index translates document mutations into tree operations
type Index interface {
	Name() string
	Kind() Kind
	Definition() Definition
	Open() error
	Close() error
	Flush() error
	Add(doc codec.Value) error
	Remove(doc codec.Value) error
	Clear() error
	Compact(dst pagedstore.ByteSink) (CompactStats, error)
	Size() uint64
	FileSize() (uint64, error)
}

// Definition describes an index as stored in the catalog manifest
type Definition struct {
	Name  string
	Kind  Kind
	Field string
	// Order of a field index B+Tree; zero uses the default
	Order int
	// MaxEntries of a geo index R-Tree; zero uses the default
	MaxEntries int
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks the definition before an index is created from it
func (d Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q", ErrBadDefinition, d.Name)
	}
	if d.Kind != KindField && d.Kind != KindGeo {
		return fmt.Errorf("%w: kind %q", ErrBadDefinition, d.Kind)
	}
	if d.Field == "" {
		return fmt.Errorf("%w: field is required", ErrBadDefinition)
	}
	if d.Order < 0 || d.MaxEntries < 0 {
		return fmt.Errorf("%w: negative tree parameter", ErrBadDefinition)
	}
	return nil
}

func (d Definition) encode() codec.Value {
	return codec.NewObjectValue(
		codec.F("name", codec.NewStringValue(d.Name)),
		codec.F("kind", codec.NewStringValue(string(d.Kind))),
		codec.F("field", codec.NewStringValue(d.Field)),
		codec.F("order", codec.NewInt64Value(int64(d.Order))),
		codec.F("maxEntries", codec.NewInt64Value(int64(d.MaxEntries))),
	)
}

func decodeDefinition(v codec.Value) (Definition, error) {
	var d Definition
	name, _ := v.Get("name")
	kind, _ := v.Get("kind")
	field, _ := v.Get("field")
	order, _ := v.Get("order")
	maxEntries, _ := v.Get("maxEntries")
	if name.Type != codec.TypeString || kind.Type != codec.TypeString || field.Type != codec.TypeString {
		return d, fmt.Errorf("%w: malformed manifest entry %s", ErrBadDefinition, v)
	}
	d = Definition{
		Name:       name.Str,
		Kind:       Kind(kind.Str),
		Field:      field.Str,
		Order:      int(order.I64),
		MaxEntries: int(maxEntries.I64),
	}
	return d, d.Validate()
}

// EnsureID returns doc with a fresh ObjectId _id appended when it has none
func EnsureID(doc codec.Value) (codec.Value, codec.Value, error) {
	if doc.Type != codec.TypeObject {
		return codec.Value{}, codec.Value{}, fmt.Errorf("%w: document is %s, not an object", ErrBadDocument, doc.Type)
	}
	if id, ok := doc.Get(IDField); ok {
		return doc, id, nil
	}
	id := codec.NewObjectIDValue(codec.NewObjectID())
	return doc.Set(IDField, id), id, nil
}

func documentID(doc codec.Value) (codec.Value, error) {
	id, ok := doc.Get(IDField)
	if !ok {
		return codec.Value{}, fmt.Errorf("%w: missing %s", ErrBadDocument, IDField)
	}
	return id, nil
}

// Coordinates extracts (lat, lng) from {lat, lng}, a legacy [lng, lat] pair
// or a GeoJSON Point. ok is false when v holds none of these shapes.
func Coordinates(v codec.Value) (lat, lng float64, ok bool) {
	switch v.Type {
	case codec.TypeArray:
		return pair(v.Arr)
	case codec.TypeObject:
		if t, has := v.Get("type"); has && t.Type == codec.TypeString && t.Str == "Point" {
			coords, _ := v.Get("coordinates")
			if coords.Type != codec.TypeArray {
				return 0, 0, false
			}
			return pair(coords.Arr)
		}
		latV, hasLat := v.Get("lat")
		lngV, hasLng := v.Get("lng")
		if !hasLat || !hasLng {
			return 0, 0, false
		}
		lat, okLat := latV.Float()
		lng, okLng := lngV.Float()
		return lat, lng, okLat && okLng
	}
	return 0, 0, false
}

// pair reads a [lng, lat] array
func pair(items []codec.Value) (float64, float64, bool) {
	if len(items) != 2 {
		return 0, 0, false
	}
	lng, okLng := items[0].Float()
	lat, okLat := items[1].Float()
	return lat, lng, okLat && okLng
}
