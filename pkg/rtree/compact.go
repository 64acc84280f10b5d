// ABOUTME: Offline R-Tree compaction that preserves tree shape
// ABOUTME: Clones the reachable node graph into a fresh file, remapping offsets once

package rtree

import (
	"github.com/nainya/docstore/pkg/pagedstore"
)

// CompactStats reports the effect of a compaction
type CompactStats struct {
	OldSize    uint64
	NewSize    uint64
	BytesSaved int64
}

// Compact copies the reachable nodes into dst, children before parents.
// dst is truncated first and left open; the source tree is not modified.
func (t *Tree) Compact(dst pagedstore.ByteSink) (CompactStats, error) {
	if !t.open {
		return CompactStats{}, ErrNotOpen
	}
	oldSize, err := t.store.Size()
	if err != nil {
		return CompactStats{}, err
	}

	out := &Tree{
		sink:       dst,
		store:      pagedstore.New(dst),
		opts:       t.opts,
		log:        t.log,
		maxEntries: t.maxEntries,
		minEntries: t.minEntries,
		size:       t.size,
		nextID:     t.nextID,
	}
	if err := out.store.Truncate(0); err != nil {
		return CompactStats{}, err
	}

	remap := map[uint64]uint64{}
	if out.root, err = t.cloneInto(out, t.root, remap); err != nil {
		return CompactStats{}, err
	}
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
		Int("nodes", len(remap)).
		Uint64("old_size", stats.OldSize).
		Uint64("new_size", stats.NewSize).
		Int64("bytes_saved", stats.BytesSaved).
		Msg("compacted tree")
	return stats, nil
}

// cloneInto writes the subtree at off into out and returns its new offset
func (t *Tree) cloneInto(out *Tree, off uint64, remap map[uint64]uint64) (uint64, error) {
	if newOff, ok := remap[off]; ok {
		return newOff, nil
	}
	n, err := t.readNode(off)
	if err != nil {
		return 0, err
	}
	for i, kid := range n.kids {
		if n.kids[i], err = t.cloneInto(out, kid, remap); err != nil {
			return 0, err
		}
	}
	newOff, err := out.writeNode(n)
	if err != nil {
		return 0, err
	}
	remap[off] = newOff
	return newOff, nil
}
