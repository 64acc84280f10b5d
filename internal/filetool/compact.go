package filetool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nainya/docstore/pkg/index"
	"github.com/nainya/docstore/pkg/pagedstore"
)

// CompactFile rewrites the tree file at path in place.
// The compacted tree is written to a sibling temp file that replaces path on success.
func CompactFile(path string, log *zerolog.Logger) (index.CompactStats, error) {
	tf, err := openFile(path, log)
	if err != nil {
		return index.CompactStats{}, err
	}

	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.compact-%s", filepath.Base(path), uuid.NewString()))
	dst, err := pagedstore.OpenFileSink(tmp)
	if err != nil {
		tf.close()
		return index.CompactStats{}, err
	}
	stats, err := tf.compact(dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if cerr := tf.close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return index.CompactStats{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return index.CompactStats{}, err
	}
	return stats, nil
}
