// ABOUTME: Depth-first leaf iterator for ordered traversal
// ABOUTME: Each call to Iterator starts a fresh walk from the current root

package bptree

import "github.com/nainya/docstore/pkg/codec"

type iterFrame struct {
	n    *node
	next int // next child to descend into
}

// Iterator yields entries in key order
type Iterator struct {
	tree    *Tree
	root    uint64
	path    []iterFrame // internal nodes from root to the current leaf
	leaf    *node
	pos     int
	cur     Entry
	err     error
	started bool
	done    bool
}

// Iterator creates a restartable forward iterator over the tree
func (t *Tree) Iterator() *Iterator {
	return &Iterator{tree: t, root: t.root}
}

// Next advances to the following entry
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.tree.open {
		return it.fail(ErrNotOpen)
	}
	if !it.started {
		it.started = true
		if !it.descend(it.root) {
			return false
		}
	}

	for {
		if it.leaf != nil && it.pos < len(it.leaf.keys) {
			it.cur = Entry{Key: it.leaf.keys[it.pos], Value: it.leaf.vals[it.pos]}
			it.pos++
			return true
		}
		it.leaf = nil

		// Pop exhausted internal nodes, then descend into the next sibling
		for len(it.path) > 0 && it.path[len(it.path)-1].next >= len(it.path[len(it.path)-1].n.kids) {
			it.path = it.path[:len(it.path)-1]
		}
		if len(it.path) == 0 {
			it.done = true
			return false
		}
		top := &it.path[len(it.path)-1]
		kid := top.n.kids[top.next]
		top.next++
		if !it.descend(kid) {
			return false
		}
	}
}

// descend reads the node at off and pushes internal nodes until a leaf is reached
func (it *Iterator) descend(off uint64) bool {
	n, err := it.tree.readNode(off)
	if err != nil {
		return it.fail(err)
	}
	for !n.leaf {
		it.path = append(it.path, iterFrame{n: n, next: 1})
		if n, err = it.tree.readNode(n.kids[0]); err != nil {
			return it.fail(err)
		}
	}
	it.leaf, it.pos = n, 0
	return true
}

func (it *Iterator) fail(err error) bool {
	it.err, it.done = err, true
	return false
}

// Entry returns the current entry
func (it *Iterator) Entry() Entry { return it.cur }

// Key returns the current key
func (it *Iterator) Key() codec.Value { return it.cur.Key }

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error { return it.err }
