// ABOUTME: Spatial queries over the R-Tree
// ABOUTME: Bbox descent pruned by intersection, radius search with haversine re-filter

package rtree

import (
	"fmt"
	"math"
)

// SearchBBox returns every entry whose point lies inside b
func (t *Tree) SearchBBox(b BBox) ([]Entry, error) {
	if !t.open {
		return nil, ErrNotOpen
	}
	var out []Entry
	err := t.searchBBox(t.root, b, &out)
	return out, err
}

func (t *Tree) searchBBox(off uint64, b BBox, out *[]Entry) error {
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	if n.box == nil || !n.box.Intersects(b) {
		return nil
	}
	if n.leaf {
		for _, e := range n.entries {
			if b.Intersects(e.BBox) {
				*out = append(*out, e)
			}
		}
		return nil
	}
	for _, kid := range n.kids {
		if err := t.searchBBox(kid, b, out); err != nil {
			return err
		}
	}
	return nil
}

// SearchRadius returns entries within km of (lat, lng) by great-circle distance
func (t *Tree) SearchRadius(lat, lng, km float64) ([]Entry, error) {
	if !t.open {
		return nil, ErrNotOpen
	}
	if km < 0 || math.IsNaN(km) {
		return nil, fmt.Errorf("%w: radius %v", ErrBadCoordinates, km)
	}
	candidates, err := t.SearchBBox(radiusBBox(lat, lng, km))
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, e := range candidates {
		if Haversine(lat, lng, e.Lat, e.Lng) <= km {
			out = append(out, e)
		}
	}
	return out, nil
}

// ToArray returns every entry in depth-first order
func (t *Tree) ToArray() ([]Entry, error) {
	if !t.open {
		return nil, ErrNotOpen
	}
	out := make([]Entry, 0, t.size)
	err := t.Walk(func(_ uint64, n NodeInfo) error {
		out = append(out, n.Entries...)
		return nil
	})
	return out, err
}

// NodeInfo describes one reachable node record
type NodeInfo struct {
	ID       uint32
	IsLeaf   bool
	Depth    int
	BBox     *BBox
	Entries  []Entry
	Children []uint64
}

// Walk visits every node reachable from the root, parents before children
func (t *Tree) Walk(fn func(off uint64, n NodeInfo) error) error {
	if !t.open {
		return ErrNotOpen
	}
	return t.walk(t.root, 0, fn)
}

func (t *Tree) walk(off uint64, depth int, fn func(uint64, NodeInfo) error) error {
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	info := NodeInfo{
		ID:       n.id,
		IsLeaf:   n.leaf,
		Depth:    depth,
		BBox:     n.box,
		Entries:  n.entries,
		Children: n.kids,
	}
	if err := fn(off, info); err != nil {
		return err
	}
	for _, kid := range n.kids {
		if err := t.walk(kid, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}
