// ABOUTME: Persistent copy-on-write R-Tree over an append-only paged store
// ABOUTME: Lifecycle, insertion with least-enlargement descent and quadratic-seed splits

package rtree

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/rs/zerolog"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
)

// DefaultMaxEntries is used when Options.MaxEntries is zero
const DefaultMaxEntries = 9

// Options configures a Tree
type Options struct {
	// MaxEntries is the fanout; a node holding more children splits
	MaxEntries int
	Logger     *zerolog.Logger
	// RecoverCorrupt resets a corrupt file to an empty tree instead of failing Open.
	// This discards every entry in the file.
	RecoverCorrupt bool
	// OnCorrupt runs before the reset; returning an error aborts recovery
	OnCorrupt func(cause error) error
}

// Tree is a spatial index persisted as immutable node records.
// Callers must serialize mutating calls.
type Tree struct {
	sink  pagedstore.ByteSink
	store *pagedstore.Store
	opts  Options
	log   zerolog.Logger
	open  bool

	maxEntries int
	minEntries int
	size       uint64
	root       uint64
	nextID     uint32
}

// New creates a closed tree over sink
func New(sink pagedstore.ByteSink, opts Options) (*Tree, error) {
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxEntries < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrBadMaxEntries, opts.MaxEntries)
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "rtree").Logger()
	}
	return &Tree{
		sink:       sink,
		opts:       opts,
		log:        log,
		maxEntries: opts.MaxEntries,
		minEntries: minEntriesFor(opts.MaxEntries),
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
	} else if err := t.load(); err != nil {
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
		Int("max_entries", t.maxEntries).
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
	t.maxEntries, t.minEntries = m.maxEntries, m.minEntries
	t.size, t.root, t.nextID = m.size, m.root, m.nextID

	_, err = t.readNode(t.root)
	return err
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
	t.maxEntries = t.opts.MaxEntries
	t.minEntries = minEntriesFor(t.maxEntries)
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
		maxEntries: t.maxEntries,
		minEntries: t.minEntries,
		size:       t.size,
		root:       t.root,
		nextID:     t.nextID,
	}.encode())
	return err
}

// slot is one child of a node together with its bounds
type slot struct {
	box   BBox
	entry Entry  // leaf children
	off   uint64 // internal children
}

// slots loads the children of n with their bounding boxes
func (t *Tree) slots(n *node) ([]slot, error) {
	out := make([]slot, 0, n.count()+1)
	if n.leaf {
		for _, e := range n.entries {
			out = append(out, slot{box: e.BBox, entry: e})
		}
		return out, nil
	}
	for _, off := range n.kids {
		kid, err := t.readNode(off)
		if err != nil {
			return nil, err
		}
		if kid.box == nil {
			return nil, corruptf("node %d: empty child node %d", n.id, kid.id)
		}
		out = append(out, slot{box: *kid.box, off: off})
	}
	return out, nil
}

// fill replaces the children of n and recomputes its bbox
func fill(n *node, s []slot) {
	n.entries, n.kids, n.box = nil, nil, nil
	for i, c := range s {
		if n.leaf {
			n.entries = append(n.entries, c.entry)
		} else {
			n.kids = append(n.kids, c.off)
		}
		if i == 0 {
			box := c.box
			n.box = &box
		} else {
			*n.box = n.box.Union(c.box)
		}
	}
}

// Insert adds a point entry for id
func (t *Tree) Insert(lat, lng float64, id codec.Value) error {
	if !t.open {
		return ErrNotOpen
	}
	if !validPoint(lat, lng) {
		return fmt.Errorf("%w: (%v, %v)", ErrBadCoordinates, lat, lng)
	}
	e := Entry{BBox: PointBBox(lat, lng), Lat: lat, Lng: lng, ID: id}

	parts, err := t.insert(t.root, e)
	if err != nil {
		return err
	}
	root := parts[0].off
	if len(parts) > 1 {
		// Root was split, add new level
		n := &node{id: t.allocID()}
		fill(n, parts)
		if root, err = t.writeNode(n); err != nil {
			return err
		}
	}
	t.root = root
	t.size++
	return t.writeMeta()
}

func validPoint(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// insert rebuilds the path to the chosen leaf and returns one or two replacement nodes
func (t *Tree) insert(off uint64, e Entry) ([]slot, error) {
	n, err := t.readNode(off)
	if err != nil {
		return nil, err
	}
	s, err := t.slots(n)
	if err != nil {
		return nil, err
	}

	if n.leaf {
		s = append(s, slot{box: e.BBox, entry: e})
	} else {
		i := chooseSubtree(s, e.BBox)
		parts, err := t.insert(s[i].off, e)
		if err != nil {
			return nil, err
		}
		s = slices.Replace(s, i, i+1, parts...)
	}
	return t.writeSplit(n, s)
}

// writeSplit writes n with children s, splitting it in two when it overflows
func (t *Tree) writeSplit(n *node, s []slot) ([]slot, error) {
	if len(s) <= t.maxEntries {
		return t.writeWith(n, s)
	}
	a, b := splitSlots(s)
	left, err := t.writeWith(n, a)
	if err != nil {
		return nil, err
	}
	right, err := t.writeWith(&node{id: t.allocID(), leaf: n.leaf}, b)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (t *Tree) writeWith(n *node, s []slot) ([]slot, error) {
	fill(n, s)
	off, err := t.writeNode(n)
	if err != nil {
		return nil, err
	}
	out := slot{off: off}
	if n.box != nil {
		out.box = *n.box
	}
	return []slot{out}, nil
}

// chooseSubtree picks the child needing least enlargement, ties to the smaller area
func chooseSubtree(s []slot, box BBox) int {
	best := 0
	bestEnl, bestArea := math.Inf(1), math.Inf(1)
	for i, c := range s {
		enl, area := c.box.Enlargement(box), c.box.Area()
		if enl < bestEnl || (enl == bestEnl && area < bestArea) {
			best, bestEnl, bestArea = i, enl, area
		}
	}
	return best
}

// splitSlots seeds two groups with the pair whose union is largest,
// then assigns the rest by least enlargement, ties to the smaller group
func splitSlots(s []slot) ([]slot, []slot) {
	si, sj := 0, 1
	worst := -1.0
	for i := 0; i < len(s); i++ {
		for j := i + 1; j < len(s); j++ {
			if area := s[i].box.Union(s[j].box).Area(); area > worst {
				si, sj, worst = i, j, area
			}
		}
	}

	a, b := []slot{s[si]}, []slot{s[sj]}
	boxA, boxB := s[si].box, s[sj].box
	for k, c := range s {
		if k == si || k == sj {
			continue
		}
		ea, eb := boxA.Enlargement(c.box), boxB.Enlargement(c.box)
		if ea < eb || (ea == eb && len(a) <= len(b)) {
			a = append(a, c)
			boxA = boxA.Union(c.box)
		} else {
			b = append(b, c)
			boxB = boxB.Union(c.box)
		}
	}
	return a, b
}

// Size is the number of indexed entries
func (t *Tree) Size() uint64 { return t.size }

// IsEmpty reports whether the tree has no entries
func (t *Tree) IsEmpty() bool { return t.size == 0 }

// RootPointer is the file offset of the current root node
func (t *Tree) RootPointer() uint64 { return t.root }

// MaxEntries is the node fanout
func (t *Tree) MaxEntries() int { return t.maxEntries }

// MinEntries is the fill below which removal rebalances a node
func (t *Tree) MinEntries() int { return t.minEntries }

// FileSize is the byte length of the backing file
func (t *Tree) FileSize() (uint64, error) {
	if !t.open {
		return 0, ErrNotOpen
	}
	return t.store.Size()
}

// Height counts internal hops from the root to the leftmost leaf
func (t *Tree) Height() (int, error) {
	if !t.open {
		return 0, ErrNotOpen
	}
	h := 0
	n, err := t.readNode(t.root)
	for err == nil && !n.leaf {
		if len(n.kids) == 0 {
			break
		}
		h++
		n, err = t.readNode(n.kids[0])
	}
	return h, err
}
