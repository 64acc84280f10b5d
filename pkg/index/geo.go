// ABOUTME: Geospatial index backed by an R-Tree
// ABOUTME: Indexes a coordinate field and answers near and within queries

package index

import (
	"fmt"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
	"github.com/nainya/docstore/pkg/rtree"
)

// GeoIndex stores one point per document
type GeoIndex struct {
	def  Definition
	tree *rtree.Tree
}

// NewGeoIndex creates a closed geo index over sink
func NewGeoIndex(def Definition, sink pagedstore.ByteSink, opts rtree.Options) (*GeoIndex, error) {
	def.Kind = KindGeo
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.MaxEntries != 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.Logger != nil {
		l := opts.Logger.With().Str("index", def.Name).Logger()
		opts.Logger = &l
	}
	tree, err := rtree.New(sink, opts)
	if err != nil {
		return nil, err
	}
	return &GeoIndex{def: def, tree: tree}, nil
}

func (g *GeoIndex) Name() string           { return g.def.Name }
func (g *GeoIndex) Kind() Kind             { return KindGeo }
func (g *GeoIndex) Definition() Definition { return g.def }
func (g *GeoIndex) Open() error            { return g.tree.Open() }
func (g *GeoIndex) Close() error           { return g.tree.Close() }
func (g *GeoIndex) Flush() error           { return g.tree.Flush() }
func (g *GeoIndex) Clear() error           { return g.tree.Clear() }

// Size is the number of indexed points
func (g *GeoIndex) Size() uint64 { return g.tree.Size() }

// FileSize is the byte length of the index file
func (g *GeoIndex) FileSize() (uint64, error) { return g.tree.FileSize() }

// Tree exposes the backing R-Tree
func (g *GeoIndex) Tree() *rtree.Tree { return g.tree }

// point returns doc's coordinates; ok is false when the field is absent
func (g *GeoIndex) point(doc codec.Value) (lat, lng float64, ok bool, err error) {
	v, has := doc.Path(g.def.Field)
	if !has || v.IsNull() {
		return 0, 0, false, nil
	}
	lat, lng, ok = Coordinates(v)
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: %s is not a point: %s", ErrBadDocument, g.def.Field, v)
	}
	return lat, lng, true, nil
}

// Add indexes doc's point; documents without the field are skipped
func (g *GeoIndex) Add(doc codec.Value) error {
	id, err := documentID(doc)
	if err != nil {
		return err
	}
	lat, lng, ok, err := g.point(doc)
	if err != nil || !ok {
		return err
	}
	return g.tree.Insert(lat, lng, id)
}

// Remove drops doc's point, searching the whole tree if doc has no coordinates
func (g *GeoIndex) Remove(doc codec.Value) error {
	id, err := documentID(doc)
	if err != nil {
		return err
	}
	lat, lng, ok, err := g.point(doc)
	if err != nil {
		return err
	}
	if ok {
		removed, err := g.tree.RemoveAt(lat, lng, id)
		if err != nil || removed {
			return err
		}
	}
	_, err = g.tree.Remove(id)
	return err
}

// Near returns entries within km of (lat, lng)
func (g *GeoIndex) Near(lat, lng, km float64) ([]rtree.Entry, error) {
	return g.tree.SearchRadius(lat, lng, km)
}

// Within returns entries inside box
func (g *GeoIndex) Within(box rtree.BBox) ([]rtree.Entry, error) {
	return g.tree.SearchBBox(box)
}

// Compact clones the reachable nodes into dst
func (g *GeoIndex) Compact(dst pagedstore.ByteSink) (CompactStats, error) {
	s, err := g.tree.Compact(dst)
	return CompactStats(s), err
}
