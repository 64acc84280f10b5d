// ABOUTME: Offline compaction and reachable-node traversal
// ABOUTME: Compact re-inserts live entries into a fresh tree and writes its reachable nodes once

package bptree

import (
	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
)

// CompactStats reports the effect of a compaction
type CompactStats struct {
	OldSize    uint64
	NewSize    uint64
	BytesSaved int64
}

// NodeInfo describes one reachable node record
type NodeInfo struct {
	ID       uint32
	IsLeaf   bool
	Depth    int
	Keys     []codec.Value
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
	info := NodeInfo{ID: n.id, IsLeaf: n.leaf, Depth: depth, Keys: n.keys, Children: n.kids}
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

// Compact builds a fresh tree of the same order by re-inserting every live
// entry, then writes only that tree's reachable nodes and one trailer into dst.
// dst is truncated first and left open; the source tree is not modified.
func (t *Tree) Compact(dst pagedstore.ByteSink) (CompactStats, error) {
	if !t.open {
		return CompactStats{}, ErrNotOpen
	}
	entries, err := t.ToArray()
	if err != nil {
		return CompactStats{}, err
	}
	oldSize, err := t.store.Size()
	if err != nil {
		return CompactStats{}, err
	}

	// the scratch tree absorbs the path copies made while re-inserting
	scratch := t.fresh(pagedstore.NewMemSink())
	if err := scratch.initEmpty(); err != nil {
		return CompactStats{}, err
	}
	scratch.open = true
	for _, e := range entries {
		if err := scratch.Add(e.Key, e.Value); err != nil {
			return CompactStats{}, err
		}
	}

	out := t.fresh(dst)
	if err := out.store.Truncate(0); err != nil {
		return CompactStats{}, err
	}
	if out.root, err = scratch.copyTo(out, scratch.root); err != nil {
		return CompactStats{}, err
	}
	out.size, out.nextID = scratch.size, scratch.nextID
	if err := out.writeMeta(); err != nil {
		return CompactStats{}, err
	}
	if err := out.store.Flush(); err != nil {
		return CompactStats{}, err
	}
	newSize, err := out.store.Size()
	if err != nil {
		return CompactStats{}, err
	}

	stats := CompactStats{
		OldSize:    oldSize,
		NewSize:    newSize,
		BytesSaved: int64(oldSize) - int64(newSize),
	}
	t.log.Info().
		Int("entries", len(entries)).
		Uint64("old_size", stats.OldSize).
		Uint64("new_size", stats.NewSize).
		Int64("bytes_saved", stats.BytesSaved).
		Msg("compacted tree")
	return stats, nil
}

// fresh returns an unopened tree with t's shape parameters over sink
func (t *Tree) fresh(sink pagedstore.ByteSink) *Tree {
	return &Tree{
		sink:    sink,
		store:   pagedstore.New(sink),
		opts:    t.opts,
		log:     t.log,
		order:   t.order,
		minKeys: t.minKeys,
	}
}

// copyTo writes the subtree at off into out children first and returns its new offset
func (t *Tree) copyTo(out *Tree, off uint64) (uint64, error) {
	n, err := t.readNode(off)
	if err != nil {
		return 0, err
	}
	for i, kid := range n.kids {
		if n.kids[i], err = t.copyTo(out, kid); err != nil {
			return 0, err
		}
	}
	return out.writeNode(n)
}
