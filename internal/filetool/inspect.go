package filetool

import (
	"fmt"
	"io"
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/nainya/docstore/pkg/index"
	"github.com/nainya/docstore/pkg/pagedstore"
)

// trailerRecords is the metadata record plus its locator
const trailerRecords = 2

// Report describes the physical layout of a tree file
type Report struct {
	Path     string
	Kind     index.Kind
	FileSize uint64
	// Records counts every appended record, trailer included
	Records int
	// Reachable counts node records reachable from the current root
	Reachable int
	// Garbage counts superseded node and metadata records
	Garbage int
	Entries uint64
	Height  int
	Digest  uint64
}

// Inspect scans the file at path and classifies its records
func Inspect(path string) (Report, error) {
	tf, err := openFile(path, nil)
	if err != nil {
		return Report{}, err
	}
	defer tf.close()

	r := Report{Path: path, Kind: tf.kind, Entries: tf.size()}
	if r.Height, err = tf.height(); err != nil {
		return r, err
	}
	live := make(map[uint64]struct{})
	if err := tf.walk(func(off uint64) error {
		live[off] = struct{}{}
		return nil
	}); err != nil {
		return r, err
	}

	sink, err := pagedstore.OpenFileSink(path)
	if err != nil {
		return r, err
	}
	defer sink.Close()
	if r.FileSize, err = sink.Size(); err != nil {
		return r, err
	}

	marks := bitset.New(uint(len(live)))
	sc := pagedstore.New(sink).Scan()
	for sc.Next() {
		if _, ok := live[sc.Offset()]; ok {
			marks.Set(uint(r.Records))
		}
		r.Records++
	}
	if err := sc.Err(); err != nil {
		return r, fmt.Errorf("scan %s: %w", path, err)
	}
	r.Reachable = int(marks.Count())
	r.Garbage = r.Records - r.Reachable - trailerRecords
	if r.Reachable != len(live) {
		return r, fmt.Errorf("scan %s: %d reachable nodes are not record boundaries", path, len(live)-r.Reachable)
	}

	r.Digest, err = Digest(path)
	return r, err
}

// Digest returns the xxhash64 of the file contents
func Digest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
