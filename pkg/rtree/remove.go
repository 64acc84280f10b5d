// ABOUTME: R-Tree removal with sibling redistribution and merging
// ABOUTME: Underfull nodes borrow from a sibling with surplus, otherwise merge into it

package rtree

import (
	"slices"

	"github.com/nainya/docstore/pkg/codec"
)

// Remove deletes the first entry whose identifier equals id, searching every subtree
func (t *Tree) Remove(id codec.Value) (bool, error) {
	return t.remove(id, nil)
}

// RemoveAt deletes the entry for id known to sit at (lat, lng), pruning the search by bbox
func (t *Tree) RemoveAt(lat, lng float64, id codec.Value) (bool, error) {
	hint := PointBBox(lat, lng)
	return t.remove(id, &hint)
}

func (t *Tree) remove(id codec.Value, hint *BBox) (bool, error) {
	if !t.open {
		return false, ErrNotOpen
	}
	root, found, err := t.removeFrom(t.root, id, hint)
	if err != nil || !found {
		return false, err
	}

	var off uint64
	switch {
	case !root.leaf && len(root.kids) == 0:
		off, err = t.writeNode(&node{id: root.id, leaf: true})
	case !root.leaf && len(root.kids) == 1:
		kid, kerr := t.readNode(root.kids[0])
		if kerr != nil {
			return false, kerr
		}
		if kid.leaf {
			off, err = t.writeNode(root)
		} else {
			off = root.kids[0]
		}
	default:
		off, err = t.writeNode(root)
	}
	if err != nil {
		return false, err
	}
	t.root = off
	t.size--
	return true, t.writeMeta()
}

// removeFrom returns the rebuilt, unwritten node at off if it held id
func (t *Tree) removeFrom(off uint64, id codec.Value, hint *BBox) (*node, bool, error) {
	n, err := t.readNode(off)
	if err != nil {
		return nil, false, err
	}
	s, err := t.slots(n)
	if err != nil {
		return nil, false, err
	}

	if n.leaf {
		for i, c := range s {
			if codec.Equal(c.entry.ID, id) {
				fill(n, slices.Delete(s, i, i+1))
				return n, true, nil
			}
		}
		return nil, false, nil
	}

	for i, c := range s {
		if hint != nil && !c.box.Contains(*hint) {
			continue
		}
		kid, found, err := t.removeFrom(c.off, id, hint)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		if s, err = t.settle(s, i, kid); err != nil {
			return nil, false, err
		}
		fill(n, s)
		return n, true, nil
	}
	return nil, false, nil
}

// settle puts the rebuilt child at position i back into its parent's children
func (t *Tree) settle(s []slot, i int, kid *node) ([]slot, error) {
	switch {
	case kid.count() == 0:
		return slices.Delete(s, i, i+1), nil
	case kid.count() >= t.minEntries || len(s) == 1:
		off, err := t.writeNode(kid)
		if err != nil {
			return nil, err
		}
		s[i] = slot{box: *kid.box, off: off}
		return s, nil
	}
	return t.rebalance(s, i, kid)
}

// rebalance fixes an underfull child: borrow from a sibling with surplus, else merge
func (t *Tree) rebalance(s []slot, i int, kid *node) ([]slot, error) {
	kidSlots, err := t.slots(kid)
	if err != nil {
		return nil, err
	}

	var left, right *node
	var leftSlots, rightSlots []slot
	if i > 0 {
		if left, err = t.readNode(s[i-1].off); err != nil {
			return nil, err
		}
		if leftSlots, err = t.slots(left); err != nil {
			return nil, err
		}
		if left.count() > t.minEntries {
			return t.redistribute(s, i-1, left, kid, append(leftSlots, kidSlots...))
		}
	}
	if i+1 < len(s) {
		if right, err = t.readNode(s[i+1].off); err != nil {
			return nil, err
		}
		if rightSlots, err = t.slots(right); err != nil {
			return nil, err
		}
		if right.count() > t.minEntries {
			return t.redistribute(s, i, kid, right, append(kidSlots, rightSlots...))
		}
	}

	// No sibling can spare a child: merge into the left node of the pair
	j, into, pool := i, kid, append(kidSlots, rightSlots...)
	if left != nil {
		j, into, pool = i-1, left, append(leftSlots, kidSlots...)
	}
	if len(pool) > t.maxEntries {
		other := kid
		if left == nil {
			other = right
		}
		return t.redistribute(s, j, into, other, pool)
	}
	w, err := t.writeWith(into, pool)
	if err != nil {
		return nil, err
	}
	s[j] = w[0]
	return slices.Delete(s, j+1, j+2), nil
}

// redistribute splits pool in half between the siblings at s[j] and s[j+1]
func (t *Tree) redistribute(s []slot, j int, a, b *node, pool []slot) ([]slot, error) {
	half := (len(pool) + 1) / 2
	wa, err := t.writeWith(a, pool[:half])
	if err != nil {
		return nil, err
	}
	wb, err := t.writeWith(b, pool[half:])
	if err != nil {
		return nil, err
	}
	s[j], s[j+1] = wa[0], wb[0]
	return s, nil
}
