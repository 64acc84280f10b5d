// ABOUTME: Persistent copy-on-write B+Tree over an append-only paged store
// ABOUTME: Implements Open, Search, Add, Delete and RangeSearch with metadata trailers

package bptree

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
)

// DefaultOrder is used when Options.Order is zero
const DefaultOrder = 32

// Options configures a Tree
type Options struct {
	// Order is the key count at which a node splits
	Order  int
	Logger *zerolog.Logger
	// RecoverCorrupt resets a corrupt file to an empty tree instead of failing Open.
	// This discards every entry in the file.
	RecoverCorrupt bool
	// OnCorrupt runs before the reset; returning an error aborts recovery
	OnCorrupt func(cause error) error
}

// Entry is one key/value pair
type Entry struct {
	Key   codec.Value
	Value codec.Value
}

// Tree is a B+Tree persisted as immutable node records.
// Callers must serialize mutating calls.
type Tree struct {
	sink  pagedstore.ByteSink
	store *pagedstore.Store
	opts  Options
	log   zerolog.Logger
	open  bool

	order   int
	minKeys int
	size    uint64
	root    uint64
	nextID  uint32
}

// New creates a closed tree over sink
func New(sink pagedstore.ByteSink, opts Options) (*Tree, error) {
	if opts.Order == 0 {
		opts.Order = DefaultOrder
	}
	if opts.Order < 3 {
		return nil, fmt.Errorf("%w: got %d", ErrBadOrder, opts.Order)
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "bptree").Logger()
	}
	return &Tree{
		sink:    sink,
		opts:    opts,
		log:     log,
		order:   opts.Order,
		minKeys: minKeysFor(opts.Order),
	}, nil
}

// Open restores the tree from the trailing metadata, or initializes an empty tree
func (t *Tree) Open() error {
	if t.open {
		return ErrAlreadyOpen
	}
	t.store = pagedstore.New(t.sink)

	size, err := t.store.Size()
	if err != nil {
		return err
	}
	if size == 0 {
		if err := t.initEmpty(); err != nil {
			return err
		}
		t.open = true
		t.log.Debug().Int("order", t.order).Msg("initialized empty tree")
		return nil
	}

	if err := t.load(); err != nil {
		if !errors.Is(err, ErrCorrupt) || !t.opts.RecoverCorrupt {
			return err
		}
		if err := t.recover(err); err != nil {
			return err
		}
	}
	t.open = true
	t.log.Debug().
		Uint64("size", t.size).
		Uint64("root", t.root).
		Int("order", t.order).
		Msg("opened tree")
	return nil
}

func (t *Tree) load() error {
	raw, err := t.store.ReadTrailer()
	if errors.Is(err, pagedstore.ErrBadTrailer) {
		raw, err = t.rollback(err)
	}
	if err != nil {
		return err
	}
	m, err := decodeMeta(raw)
	if err != nil {
		return err
	}
	t.order, t.minKeys = m.order, m.minKeys
	t.size, t.root, t.nextID = m.size, m.root, m.nextID

	// the root must decode, so a dangling pointer is caught at open
	if _, err := t.readNode(t.root); err != nil {
		return err
	}
	return nil
}

// rollback drops a torn tail and falls back to the last complete trailer
func (t *Tree) rollback(cause error) (codec.Value, error) {
	raw, dropped, err := t.store.RollbackTrailer()
	if errors.Is(err, pagedstore.ErrBadTrailer) {
		return codec.Value{}, fmt.Errorf("%w: %w", ErrCorrupt, cause)
	}
	if err != nil {
		return codec.Value{}, err
	}
	t.log.Warn().Err(cause).Uint64("dropped_bytes", dropped).Msg("rolled back to last complete trailer")
	return raw, nil
}

func (t *Tree) recover(cause error) error {
	if t.opts.OnCorrupt != nil {
		if err := t.opts.OnCorrupt(cause); err != nil {
			return fmt.Errorf("corrupt hook: %w", err)
		}
	}
	t.log.Warn().Err(cause).Msg("corrupt tree file, resetting to empty")
	if err := t.store.Truncate(0); err != nil {
		return err
	}
	t.order = t.opts.Order
	t.minKeys = minKeysFor(t.order)
	return t.initEmpty()
}

func (t *Tree) initEmpty() error {
	t.size, t.nextID = 0, 1
	off, err := t.writeNode(&node{id: t.allocID(), leaf: true})
	if err != nil {
		return err
	}
	t.root = off
	return t.writeMeta()
}

// Clear drops every entry by truncating the file and starting a fresh root
func (t *Tree) Clear() error {
	if !t.open {
		return ErrNotOpen
	}
	if err := t.store.Truncate(0); err != nil {
		return err
	}
	return t.initEmpty()
}

// Close flushes and releases the sink
func (t *Tree) Close() error {
	if !t.open {
		return ErrNotOpen
	}
	t.open = false
	return t.store.Close()
}

// Flush makes all completed mutations durable
func (t *Tree) Flush() error {
	if !t.open {
		return ErrNotOpen
	}
	return t.store.Flush()
}

func (t *Tree) allocID() uint32 {
	id := t.nextID
	t.nextID++
	return id
}

func (t *Tree) readNode(off uint64) (*node, error) {
	v, err := t.store.Read(off)
	if err != nil {
		if pagedstore.Structural(err) {
			return nil, fmt.Errorf("%w: node at %d: %w", ErrCorrupt, off, err)
		}
		return nil, err
	}
	n, err := decodeNode(v)
	if err != nil {
		return nil, fmt.Errorf("node at %d: %w", off, err)
	}
	return n, nil
}

func (t *Tree) writeNode(n *node) (uint64, error) {
	return t.store.Append(n.encode())
}

func (t *Tree) writeMeta() error {
	_, err := t.store.AppendTrailer(meta{
		order:   t.order,
		minKeys: t.minKeys,
		size:    t.size,
		root:    t.root,
		nextID:  t.nextID,
	}.encode())
	return err
}

// Search returns the value stored under key
func (t *Tree) Search(key codec.Value) (codec.Value, bool, error) {
	if !t.open {
		return codec.Value{}, false, ErrNotOpen
	}
	n, err := t.readNode(t.root)
	if err != nil {
		return codec.Value{}, false, err
	}
	for !n.leaf {
		if n, err = t.readNode(n.kids[childIndex(n.keys, key)]); err != nil {
			return codec.Value{}, false, err
		}
	}
	if i, ok := leafPos(n.keys, key); ok {
		return n.vals[i], true, nil
	}
	return codec.Value{}, false, nil
}

// insertResult is what a rebuilt subtree reports to its parent
type insertResult struct {
	off      uint64
	split    bool
	splitKey codec.Value
	right    uint64
	inserted bool
}

// Add inserts key or replaces its value
func (t *Tree) Add(key, value codec.Value) error {
	if !t.open {
		return ErrNotOpen
	}
	res, err := t.insert(t.root, key, value)
	if err != nil {
		return err
	}

	if res.split {
		// Root was split, add new level
		root := &node{
			id:   t.allocID(),
			keys: []codec.Value{res.splitKey},
			kids: []uint64{res.off, res.right},
		}
		if res.off, err = t.writeNode(root); err != nil {
			return err
		}
	}
	t.root = res.off
	if res.inserted {
		t.size++
	}
	return t.writeMeta()
}

func (t *Tree) insert(off uint64, key, value codec.Value) (insertResult, error) {
	n, err := t.readNode(off)
	if err != nil {
		return insertResult{}, err
	}

	var res insertResult
	if n.leaf {
		i, found := leafPos(n.keys, key)
		if found {
			n.vals[i] = value
		} else {
			n.keys = slices.Insert(n.keys, i, key)
			n.vals = slices.Insert(n.vals, i, value)
			res.inserted = true
		}
	} else {
		i := childIndex(n.keys, key)
		kid, err := t.insert(n.kids[i], key, value)
		if err != nil {
			return insertResult{}, err
		}
		res.inserted = kid.inserted
		n.kids[i] = kid.off
		if kid.split {
			n.keys = slices.Insert(n.keys, i, kid.splitKey)
			n.kids = slices.Insert(n.kids, i+1, kid.right)
		}
	}

	if len(n.keys) < t.order {
		res.off, err = t.writeNode(n)
		return res, err
	}
	left, right, splitKey := t.split(n)
	if res.off, err = t.writeNode(left); err != nil {
		return insertResult{}, err
	}
	if res.right, err = t.writeNode(right); err != nil {
		return insertResult{}, err
	}
	res.split, res.splitKey = true, splitKey
	return res, nil
}

// split divides an overfull node; the left half keeps the node id
func (t *Tree) split(n *node) (*node, *node, codec.Value) {
	if n.leaf {
		mid := (len(n.keys) + 1) / 2
		left := &node{id: n.id, leaf: true, keys: slices.Clone(n.keys[:mid]), vals: slices.Clone(n.vals[:mid])}
		right := &node{id: t.allocID(), leaf: true, keys: slices.Clone(n.keys[mid:]), vals: slices.Clone(n.vals[mid:])}
		return left, right, right.keys[0]
	}
	// the middle key moves up and is kept in neither half
	mid := len(n.keys) / 2
	left := &node{id: n.id, keys: slices.Clone(n.keys[:mid]), kids: slices.Clone(n.kids[:mid+1])}
	right := &node{id: t.allocID(), keys: slices.Clone(n.keys[mid+1:]), kids: slices.Clone(n.kids[mid+1:])}
	return left, right, n.keys[mid]
}

// Delete removes key; underfull nodes are left as they are
func (t *Tree) Delete(key codec.Value) (bool, error) {
	if !t.open {
		return false, ErrNotOpen
	}
	off, found, err := t.remove(t.root, key)
	if err != nil || !found {
		return false, err
	}

	root, err := t.readNode(off)
	if err != nil {
		return false, err
	}
	if !root.leaf && len(root.keys) == 0 && len(root.kids) == 1 {
		off = root.kids[0]
	}
	t.root = off
	t.size--
	return true, t.writeMeta()
}

func (t *Tree) remove(off uint64, key codec.Value) (uint64, bool, error) {
	n, err := t.readNode(off)
	if err != nil {
		return 0, false, err
	}
	if n.leaf {
		i, found := leafPos(n.keys, key)
		if !found {
			return 0, false, nil
		}
		n.keys = slices.Delete(n.keys, i, i+1)
		n.vals = slices.Delete(n.vals, i, i+1)
	} else {
		i := childIndex(n.keys, key)
		kid, found, err := t.remove(n.kids[i], key)
		if err != nil || !found {
			return 0, false, err
		}
		n.kids[i] = kid
	}
	newOff, err := t.writeNode(n)
	return newOff, err == nil, err
}

// RangeSearch returns entries with lo <= key <= hi in key order.
// It walks every leaf; the reserved next link is not followed.
func (t *Tree) RangeSearch(lo, hi codec.Value) ([]Entry, error) {
	if !t.open {
		return nil, ErrNotOpen
	}
	var out []Entry
	it := t.Iterator()
	for it.Next() {
		e := it.Entry()
		if codec.Compare(e.Key, lo) >= 0 && codec.Compare(e.Key, hi) <= 0 {
			out = append(out, e)
		}
	}
	return out, it.Err()
}

// ToArray returns every entry in key order
func (t *Tree) ToArray() ([]Entry, error) {
	if !t.open {
		return nil, ErrNotOpen
	}
	out := make([]Entry, 0, t.size)
	it := t.Iterator()
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}

// Height counts internal hops from the root to the leftmost leaf
func (t *Tree) Height() (int, error) {
	if !t.open {
		return 0, ErrNotOpen
	}
	h := 0
	n, err := t.readNode(t.root)
	for err == nil && !n.leaf {
		h++
		n, err = t.readNode(n.kids[0])
	}
	return h, err
}

// Size is the number of live keys
func (t *Tree) Size() uint64 { return t.size }

// IsEmpty reports whether the tree has no keys
func (t *Tree) IsEmpty() bool { return t.size == 0 }

// RootPointer is the file offset of the current root node
func (t *Tree) RootPointer() uint64 { return t.root }

// Order is the key count that triggers a split
func (t *Tree) Order() int { return t.order }

// MinKeys is the recorded minimum fill; Delete does not enforce it
func (t *Tree) MinKeys() int { return t.minKeys }

// FileSize is the byte length of the backing file
func (t *Tree) FileSize() (uint64, error) {
	if !t.open {
		return 0, ErrNotOpen
	}
	return t.store.Size()
}
