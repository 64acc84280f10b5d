// ABOUTME: Integration tests for B+Tree operations
// ABOUTME: Checks search correctness, shape invariants, reopen, compaction and corruption handling

package bptree

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
)

func intKey(i int) codec.Value { return codec.NewInt64Value(int64(i)) }

func openTree(t *testing.T, sink pagedstore.ByteSink, order int) *Tree {
	t.Helper()
	tree, err := New(sink, Options{Order: order})
	require.NoError(t, err)
	require.NoError(t, tree.Open())
	return tree
}

func keysOf(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Key.I64
	}
	return out
}

// checkShape verifies child/key counts, sorted keys and uniform leaf depth
func checkShape(t *testing.T, tree *Tree) {
	t.Helper()
	leafDepth := -1
	err := tree.Walk(func(off uint64, n NodeInfo) error {
		for i := 1; i < len(n.Keys); i++ {
			if codec.Compare(n.Keys[i-1], n.Keys[i]) >= 0 {
				return fmt.Errorf("node %d keys not strictly sorted", n.ID)
			}
		}
		if n.IsLeaf {
			if leafDepth == -1 {
				leafDepth = n.Depth
			} else if leafDepth != n.Depth {
				return fmt.Errorf("leaf %d at depth %d, want %d", n.ID, n.Depth, leafDepth)
			}
			return nil
		}
		if len(n.Children) != len(n.Keys)+1 {
			return fmt.Errorf("node %d has %d keys and %d children", n.ID, len(n.Keys), len(n.Children))
		}
		if len(n.Keys) >= tree.Order() {
			return fmt.Errorf("node %d holds %d keys at order %d", n.ID, len(n.Keys), tree.Order())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOrderThreeExample(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 3)
	defer tree.Close()

	heights := []int{}
	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Add(intKey(i), codec.NewStringValue(fmt.Sprint("v", i))))
		h, err := tree.Height()
		require.NoError(t, err)
		heights = append(heights, h)
	}
	assert.Equal(t, []int{0, 0, 1, 1, 1}, heights)

	entries, err := tree.ToArray()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, keysOf(entries))
	assert.Equal(t, "v3", entries[2].Value.Str)
	assert.Equal(t, uint64(5), tree.Size())
	assert.Equal(t, 1, tree.MinKeys())
	checkShape(t, tree)
}

func TestSearchMatchesReference(t *testing.T) {
	for _, order := range []int{3, 4, 7, 32} {
		t.Run(fmt.Sprintf("order=%d", order), func(t *testing.T) {
			tree := openTree(t, pagedstore.NewMemSink(), order)
			defer tree.Close()

			rng := rand.New(rand.NewSource(int64(order)))
			ref := map[int64]string{}
			for step := 0; step < 600; step++ {
				k := rng.Int63n(150)
				if rng.Intn(3) == 0 {
					deleted, err := tree.Delete(intKey(int(k)))
					require.NoError(t, err)
					_, had := ref[k]
					assert.Equal(t, had, deleted)
					delete(ref, k)
				} else {
					v := fmt.Sprintf("%d-%d", k, step)
					require.NoError(t, tree.Add(intKey(int(k)), codec.NewStringValue(v)))
					ref[k] = v
				}
			}

			assert.Equal(t, uint64(len(ref)), tree.Size())
			for k := int64(0); k < 150; k++ {
				got, ok, err := tree.Search(intKey(int(k)))
				require.NoError(t, err)
				want, had := ref[k]
				require.Equal(t, had, ok, "key %d", k)
				if had {
					assert.Equal(t, want, got.Str)
				}
			}

			entries, err := tree.ToArray()
			require.NoError(t, err)
			want := make([]int64, 0, len(ref))
			for k := range ref {
				want = append(want, k)
			}
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			assert.Equal(t, want, keysOf(entries))
			checkShape(t, tree)
		})
	}
}

func TestUpsertKeepsSize(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 4)
	defer tree.Close()

	require.NoError(t, tree.Add(codec.NewStringValue("k"), codec.NewInt64Value(1)))
	require.NoError(t, tree.Add(codec.NewStringValue("k"), codec.NewInt64Value(2)))
	assert.Equal(t, uint64(1), tree.Size())

	v, ok, err := tree.Search(codec.NewStringValue("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v.I64)
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 4)
	defer tree.Close()

	require.NoError(t, tree.Add(intKey(1), codec.NewNullValue()))
	before, err := tree.FileSize()
	require.NoError(t, err)

	deleted, err := tree.Delete(intKey(2))
	require.NoError(t, err)
	assert.False(t, deleted)

	after, err := tree.FileSize()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(1), tree.Size())
}

func TestDeleteEverything(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 3)
	defer tree.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Add(intKey(i), intKey(i*i)))
	}
	for i := 0; i < 50; i++ {
		deleted, err := tree.Delete(intKey(i))
		require.NoError(t, err)
		require.True(t, deleted)
	}
	assert.True(t, tree.IsEmpty())

	entries, err := tree.ToArray()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// underfull nodes stay in place until compaction
	h, err := tree.Height()
	require.NoError(t, err)
	assert.Greater(t, h, 0)
	checkShape(t, tree)
}

func TestRangeSearch(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 4)
	defer tree.Close()

	for i := 0; i < 40; i += 2 {
		require.NoError(t, tree.Add(intKey(i), codec.NewNullValue()))
	}

	entries, err := tree.RangeSearch(intKey(10), intKey(20))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 12, 14, 16, 18, 20}, keysOf(entries))

	entries, err = tree.RangeSearch(intKey(11), intKey(11))
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = tree.RangeSearch(codec.NewNullValue(), codec.NewStringValue(""))
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestIteratorIsRestartable(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 3)
	defer tree.Close()
	for i := 9; i >= 0; i-- {
		require.NoError(t, tree.Add(intKey(i), codec.NewNullValue()))
	}

	for pass := 0; pass < 2; pass++ {
		var got []int64
		it := tree.Iterator()
		for it.Next() {
			got = append(got, it.Key().I64)
		}
		require.NoError(t, it.Err())
		assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	}
}

func TestReopenRecoversState(t *testing.T) {
	sink := pagedstore.NewMemSink()
	tree := openTree(t, sink, 5)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Add(intKey(i*7%101), codec.NewStringValue(fmt.Sprint(i))))
	}
	_, err := tree.Delete(intKey(14))
	require.NoError(t, err)

	size, root := tree.Size(), tree.RootPointer()
	before, err := tree.ToArray()
	require.NoError(t, err)
	require.NoError(t, tree.Close())

	sink.Reopen()
	reopened, err := New(sink, Options{Order: 99})
	require.NoError(t, err)
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	assert.Equal(t, size, reopened.Size())
	assert.Equal(t, root, reopened.RootPointer())
	assert.Equal(t, 5, reopened.Order())
	after, err := reopened.ToArray()
	require.NoError(t, err)
	assert.Equal(t, keysOf(before), keysOf(after))

	// node ids continue from the persisted counter
	require.NoError(t, reopened.Add(intKey(1000), codec.NewNullValue()))
	seen := map[uint32]bool{}
	require.NoError(t, reopened.Walk(func(_ uint64, n NodeInfo) error {
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %d", n.ID)
		}
		seen[n.ID] = true
		return nil
	}))
}

func TestReopenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.idx")

	sink, err := pagedstore.OpenFileSink(path)
	require.NoError(t, err)
	tree := openTree(t, sink, 4)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Add(codec.NewStringValue(fmt.Sprintf("key-%02d", i)), intKey(i)))
	}
	require.NoError(t, tree.Close())

	sink, err = pagedstore.OpenFileSink(path)
	require.NoError(t, err)
	tree = openTree(t, sink, 4)
	defer tree.Close()

	v, ok, err := tree.Search(codec.NewStringValue("key-13"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(13), v.I64)
	assert.Equal(t, uint64(20), tree.Size())
}

func TestScanEndsWithLocator(t *testing.T) {
	sink := pagedstore.NewMemSink()
	tree := openTree(t, sink, 3)
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.Add(intKey(i), codec.NewNullValue()))
	}
	require.NoError(t, tree.Flush())

	var records []codec.Value
	sc := pagedstore.New(sink).Scan()
	for sc.Next() {
		records = append(records, sc.Value())
	}
	require.NoError(t, sc.Err())
	require.GreaterOrEqual(t, len(records), 2)

	last := records[len(records)-1]
	assert.Equal(t, codec.TypeFileOffset, last.Type)
	metaRec := records[len(records)-2]
	root, ok := metaRec.Get("rootPointer")
	require.True(t, ok)
	assert.Equal(t, tree.RootPointer(), root.U64)
	require.NoError(t, tree.Close())
}

func TestCompactPreservesContents(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 4)
	defer tree.Close()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		k := rng.Intn(120)
		if i%4 == 3 {
			_, err := tree.Delete(intKey(k))
			require.NoError(t, err)
			continue
		}
		require.NoError(t, tree.Add(intKey(k), intKey(i)))
	}
	before, err := tree.ToArray()
	require.NoError(t, err)

	dst := pagedstore.NewMemSink()
	stats, err := tree.Compact(dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.BytesSaved, int64(0))
	assert.Equal(t, uint64(len(dst.Bytes())), stats.NewSize)
	assert.Less(t, stats.NewSize, stats.OldSize)

	compacted := openTree(t, dst, 4)
	defer compacted.Close()
	after, err := compacted.ToArray()
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.True(t, codec.Equal(before[i].Key, after[i].Key))
		assert.True(t, codec.Equal(before[i].Value, after[i].Value))
	}
	assert.Equal(t, tree.Size(), compacted.Size())
	checkShape(t, compacted)

	// every record in the new file except the trailer is a reachable node
	reachable := 0
	require.NoError(t, compacted.Walk(func(uint64, NodeInfo) error {
		reachable++
		return nil
	}))
	records := 0
	for sc := pagedstore.New(dst).Scan(); sc.Next(); {
		records++
	}
	assert.Equal(t, reachable+2, records)

	for _, e := range before {
		v, ok, err := compacted.Search(e.Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, codec.Equal(e.Value, v))
	}
	require.NoError(t, compacted.Add(intKey(500), codec.NewNullValue()))
	checkShape(t, compacted)
}

func TestCompactEmptyTree(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 3)
	defer tree.Close()

	dst := pagedstore.NewMemSink()
	_, err := tree.Compact(dst)
	require.NoError(t, err)

	compacted := openTree(t, dst, 3)
	defer compacted.Close()
	assert.True(t, compacted.IsEmpty())
	h, err := compacted.Height()
	require.NoError(t, err)
	assert.Equal(t, 0, h)
}

func TestCompactMatchesReinsertion(t *testing.T) {
	tree := openTree(t, pagedstore.NewMemSink(), 4)
	defer tree.Close()
	for i := 0; i < 60; i++ {
		require.NoError(t, tree.Add(intKey((i*37)%60), intKey(i)))
	}
	for i := 0; i < 60; i += 3 {
		_, err := tree.Delete(intKey(i))
		require.NoError(t, err)
	}
	live, err := tree.ToArray()
	require.NoError(t, err)

	want := openTree(t, pagedstore.NewMemSink(), 4)
	defer want.Close()
	for _, e := range live {
		require.NoError(t, want.Add(e.Key, e.Value))
	}

	dst := pagedstore.NewMemSink()
	_, err = tree.Compact(dst)
	require.NoError(t, err)
	compacted := openTree(t, dst, 4)
	defer compacted.Close()

	shape := func(tr *Tree) [][]int64 {
		var out [][]int64
		require.NoError(t, tr.Walk(func(_ uint64, n NodeInfo) error {
			keys := make([]int64, len(n.Keys))
			for i, k := range n.Keys {
				keys[i] = k.I64
			}
			out = append(out, keys)
			return nil
		}))
		return out
	}
	assert.Equal(t, shape(want), shape(compacted))
	assert.Equal(t, want.Order(), compacted.Order())
	checkShape(t, compacted)

	require.NoError(t, compacted.Add(intKey(1000), codec.NewNullValue()))
	checkShape(t, compacted)
}

func TestStateErrors(t *testing.T) {
	_, err := New(pagedstore.NewMemSink(), Options{Order: 2})
	assert.ErrorIs(t, err, ErrBadOrder)

	tree, err := New(pagedstore.NewMemSink(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder, tree.Order())

	_, _, err = tree.Search(intKey(1))
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, tree.Add(intKey(1), intKey(1)), ErrNotOpen)
	_, err = tree.Delete(intKey(1))
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, tree.Close(), ErrNotOpen)

	require.NoError(t, tree.Open())
	assert.ErrorIs(t, tree.Open(), ErrAlreadyOpen)
	require.NoError(t, tree.Close())
}

func TestCorruptFile(t *testing.T) {
	build := func() *pagedstore.MemSink {
		sink := pagedstore.NewMemSink()
		tree := openTree(t, sink, 3)
		for i := 0; i < 10; i++ {
			require.NoError(t, tree.Add(intKey(i), codec.NewNullValue()))
		}
		require.NoError(t, tree.Close())
		sink.Reopen()
		return sink
	}

	t.Run("short file", func(t *testing.T) {
		sink := pagedstore.NewMemSink()
		require.NoError(t, sink.WriteAt(0, []byte{0, 0, 0}))
		tree, err := New(sink, Options{Order: 3})
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Open(), ErrCorrupt)
	})

	// wreck leaves neither the final trailer nor any earlier record readable
	wreck := func(sink *pagedstore.MemSink) uint64 {
		size, _ := sink.Size()
		require.NoError(t, sink.Truncate(size-1))
		require.NoError(t, sink.WriteAt(0, []byte{0xFF}))
		return size - 1
	}

	t.Run("torn trailer rolls back one mutation", func(t *testing.T) {
		sink := build()
		size, _ := sink.Size()
		require.NoError(t, sink.Truncate(size-4))

		tree, err := New(sink, Options{Order: 3})
		require.NoError(t, err)
		require.NoError(t, tree.Open())
		defer tree.Close()
		assert.Equal(t, uint64(9), tree.Size())
		_, found, err := tree.Search(intKey(9))
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = tree.Search(intKey(8))
		require.NoError(t, err)
		assert.True(t, found)

		require.NoError(t, tree.Add(intKey(9), codec.NewNullValue()))
		assert.Equal(t, uint64(10), tree.Size())
	})

	t.Run("partial record after flush is dropped", func(t *testing.T) {
		sink := build()
		size, _ := sink.Size()
		require.NoError(t, sink.WriteAt(size, []byte{17, 40, 0, 0, 0, 2}))

		tree, err := New(sink, Options{Order: 3})
		require.NoError(t, err)
		require.NoError(t, tree.Open())
		defer tree.Close()
		assert.Equal(t, uint64(10), tree.Size())
		after, _ := sink.Size()
		assert.Equal(t, size, after)
	})

	t.Run("no complete trailer fails", func(t *testing.T) {
		sink := build()
		wreck(sink)

		tree, err := New(sink, Options{Order: 3})
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Open(), ErrCorrupt)
	})

	t.Run("bad child pointer fails", func(t *testing.T) {
		sink := build()
		store := pagedstore.New(sink)
		badRoot := codec.NewObjectValue(
			codec.F("id", codec.NewInt64Value(99)),
			codec.F("isLeaf", codec.NewBoolValue(false)),
			codec.F("keys", codec.NewArrayValue(intKey(5))),
			codec.F("values", codec.NewArrayValue()),
			codec.F("children", codec.NewArrayValue(codec.NewFileOffsetValue(0), intKey(3))),
			codec.F("next", codec.NewNullValue()),
		)
		off, err := store.Append(badRoot)
		require.NoError(t, err)
		_, err = store.AppendTrailer(meta{order: 3, minKeys: 1, size: 10, root: off, nextID: 100}.encode())
		require.NoError(t, err)

		tree, err := New(sink, Options{Order: 3})
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Open(), ErrCorrupt)
	})

	t.Run("recovery resets and calls hook", func(t *testing.T) {
		sink := build()
		wreck(sink)

		var hookErr error
		tree, err := New(sink, Options{
			Order:          3,
			RecoverCorrupt: true,
			OnCorrupt: func(cause error) error {
				hookErr = cause
				return nil
			},
		})
		require.NoError(t, err)
		require.NoError(t, tree.Open())
		defer tree.Close()

		assert.ErrorIs(t, hookErr, ErrCorrupt)
		assert.True(t, tree.IsEmpty())
		require.NoError(t, tree.Add(intKey(1), codec.NewNullValue()))
		assert.Equal(t, uint64(1), tree.Size())
	})

	t.Run("hook error aborts recovery", func(t *testing.T) {
		sink := build()
		size := wreck(sink)
		sentinel := errors.New("backup failed")

		tree, err := New(sink, Options{
			Order:          3,
			RecoverCorrupt: true,
			OnCorrupt:      func(error) error { return sentinel },
		})
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Open(), sentinel)

		after, _ := sink.Size()
		assert.Equal(t, size, after)
	})

	t.Run("read failure is not corruption", func(t *testing.T) {
		sink := build()
		size, _ := sink.Size()
		flaky := &failingSink{MemSink: sink, failReads: 1}

		var called bool
		tree, err := New(flaky, Options{
			Order:          3,
			RecoverCorrupt: true,
			OnCorrupt:      func(error) error { called = true; return nil },
		})
		require.NoError(t, err)
		err = tree.Open()
		assert.ErrorIs(t, err, errEIO)
		assert.NotErrorIs(t, err, ErrCorrupt)
		assert.False(t, called)
		after, _ := sink.Size()
		assert.Equal(t, size, after)

		require.NoError(t, tree.Open())
		defer tree.Close()
		assert.Equal(t, uint64(10), tree.Size())
	})
}

var errEIO = errors.New("input/output error")

// failingSink fails the next failReads reads
type failingSink struct {
	*pagedstore.MemSink
	failReads int
}

func (f *failingSink) ReadAt(off uint64, n uint32) ([]byte, error) {
	if f.failReads > 0 {
		f.failReads--
		return nil, errEIO
	}
	return f.MemSink.ReadAt(off, n)
}
