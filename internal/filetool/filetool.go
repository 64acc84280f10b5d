// ABOUTME: Offline tools over a single tree file: kind detection and tree opening
// ABOUTME: Shared by the inspect, export and compact commands

package filetool

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/nainya/docstore/pkg/bptree"
	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/index"
	"github.com/nainya/docstore/pkg/pagedstore"
	"github.com/nainya/docstore/pkg/rtree"
)

// ErrNotTreeFile is returned for files without a readable tree trailer
var ErrNotTreeFile = errors.New("filetool: not a tree file")

// Detect reports whether sink holds a B+Tree (field) or an R-Tree (geo)
func Detect(sink pagedstore.ByteSink) (index.Kind, error) {
	store := pagedstore.New(sink)
	meta, err := store.ReadTrailer()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotTreeFile, err)
	}
	root, _ := meta.Get("rootPointer")
	if root.Type != codec.TypeFileOffset {
		return "", fmt.Errorf("%w: metadata has no root pointer", ErrNotTreeFile)
	}
	n, err := store.Read(root.U64)
	if err != nil {
		return "", fmt.Errorf("%w: root node: %w", ErrNotTreeFile, err)
	}
	if _, ok := n.Get("keys"); ok {
		return index.KindField, nil
	}
	if _, ok := n.Get("bbox"); ok {
		return index.KindGeo, nil
	}
	return "", fmt.Errorf("%w: unrecognized root node", ErrNotTreeFile)
}

// treeFile is an open tree of either kind
type treeFile struct {
	kind index.Kind
	bp   *bptree.Tree
	rt   *rtree.Tree
}

// openFile opens an existing tree file without creating it
func openFile(path string, log *zerolog.Logger) (*treeFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	sink, err := pagedstore.OpenFileSink(path)
	if err != nil {
		return nil, err
	}
	tf, err := openTree(sink, log)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tf, nil
}

func openTree(sink pagedstore.ByteSink, log *zerolog.Logger) (*treeFile, error) {
	kind, err := Detect(sink)
	if err != nil {
		return nil, err
	}
	tf := &treeFile{kind: kind}
	if kind == index.KindField {
		if tf.bp, err = bptree.New(sink, bptree.Options{Logger: log}); err == nil {
			err = tf.bp.Open()
		}
	} else {
		if tf.rt, err = rtree.New(sink, rtree.Options{Logger: log}); err == nil {
			err = tf.rt.Open()
		}
	}
	if err != nil {
		return nil, err
	}
	return tf, nil
}

func (tf *treeFile) close() error {
	if tf.bp != nil {
		return tf.bp.Close()
	}
	return tf.rt.Close()
}

func (tf *treeFile) size() uint64 {
	if tf.bp != nil {
		return tf.bp.Size()
	}
	return tf.rt.Size()
}

func (tf *treeFile) height() (int, error) {
	if tf.bp != nil {
		return tf.bp.Height()
	}
	return tf.rt.Height()
}

// walk visits the offset of every reachable node
func (tf *treeFile) walk(fn func(off uint64) error) error {
	if tf.bp != nil {
		return tf.bp.Walk(func(off uint64, _ bptree.NodeInfo) error { return fn(off) })
	}
	return tf.rt.Walk(func(off uint64, _ rtree.NodeInfo) error { return fn(off) })
}

func (tf *treeFile) compact(dst pagedstore.ByteSink) (index.CompactStats, error) {
	if tf.bp != nil {
		s, err := tf.bp.Compact(dst)
		return index.CompactStats(s), err
	}
	s, err := tf.rt.Compact(dst)
	return index.CompactStats(s), err
}
