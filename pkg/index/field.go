// ABOUTME: Ordered field index backed by a B+Tree
// ABOUTME: Maps the value at a dotted field path to the ids of documents holding it

package index

import (
	"fmt"

	"github.com/nainya/docstore/pkg/bptree"
	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
)

// FieldIndex stores key -> Array of document ids
type FieldIndex struct {
	def  Definition
	tree *bptree.Tree
}

// NewFieldIndex creates a closed field index over sink
func NewFieldIndex(def Definition, sink pagedstore.ByteSink, opts bptree.Options) (*FieldIndex, error) {
	def.Kind = KindField
	if err := def.Validate(); err != nil {
		return nil, err
	}
	// the definition wins over the caller's default
	if def.Order != 0 {
		opts.Order = def.Order
	}
	if opts.Logger != nil {
		l := opts.Logger.With().Str("index", def.Name).Logger()
		opts.Logger = &l
	}
	tree, err := bptree.New(sink, opts)
	if err != nil {
		return nil, err
	}
	return &FieldIndex{def: def, tree: tree}, nil
}

func (f *FieldIndex) Name() string           { return f.def.Name }
func (f *FieldIndex) Kind() Kind             { return KindField }
func (f *FieldIndex) Definition() Definition { return f.def }
func (f *FieldIndex) Open() error            { return f.tree.Open() }
func (f *FieldIndex) Close() error           { return f.tree.Close() }
func (f *FieldIndex) Flush() error           { return f.tree.Flush() }
func (f *FieldIndex) Clear() error           { return f.tree.Clear() }

// Size is the number of distinct keys
func (f *FieldIndex) Size() uint64 { return f.tree.Size() }

// FileSize is the byte length of the index file
func (f *FieldIndex) FileSize() (uint64, error) { return f.tree.FileSize() }

// Tree exposes the backing B+Tree
func (f *FieldIndex) Tree() *bptree.Tree { return f.tree }

// key extracts the index key; a missing field indexes as null
func (f *FieldIndex) key(doc codec.Value) codec.Value {
	if v, ok := doc.Path(f.def.Field); ok {
		return v
	}
	return codec.NewNullValue()
}

// Add records doc's id under its key
func (f *FieldIndex) Add(doc codec.Value) error {
	id, err := documentID(doc)
	if err != nil {
		return err
	}
	key := f.key(doc)
	ids, err := f.Lookup(key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if codec.Equal(existing, id) {
			return nil
		}
	}
	return f.tree.Add(key, codec.NewArrayValue(append(ids, id)...))
}

// Remove drops doc's id from its key, deleting the key when no ids remain
func (f *FieldIndex) Remove(doc codec.Value) error {
	id, err := documentID(doc)
	if err != nil {
		return err
	}
	key := f.key(doc)
	ids, err := f.Lookup(key)
	if err != nil {
		return err
	}
	kept := make([]codec.Value, 0, len(ids))
	for _, existing := range ids {
		if !codec.Equal(existing, id) {
			kept = append(kept, existing)
		}
	}
	switch {
	case len(kept) == len(ids):
		return nil
	case len(kept) == 0:
		_, err = f.tree.Delete(key)
		return err
	}
	return f.tree.Add(key, codec.NewArrayValue(kept...))
}

// Lookup returns the ids of documents whose field equals v
func (f *FieldIndex) Lookup(v codec.Value) ([]codec.Value, error) {
	found, ok, err := f.tree.Search(v)
	if err != nil || !ok {
		return nil, err
	}
	if found.Type != codec.TypeArray {
		return nil, fmt.Errorf("%w: index %s holds %s under %s", bptree.ErrCorrupt, f.def.Name, found.Type, v)
	}
	return found.Arr, nil
}

// Range returns ids of documents with lo <= field <= hi, in key order
func (f *FieldIndex) Range(lo, hi codec.Value) ([]codec.Value, error) {
	entries, err := f.tree.RangeSearch(lo, hi)
	if err != nil {
		return nil, err
	}
	var ids []codec.Value
	for _, e := range entries {
		ids = append(ids, e.Value.Arr...)
	}
	return ids, nil
}

// Compact rewrites the live keys into dst
func (f *FieldIndex) Compact(dst pagedstore.ByteSink) (CompactStats, error) {
	s, err := f.tree.Compact(dst)
	return CompactStats(s), err
}
