// ABOUTME: Self-describing metadata trailer for append-only tree files
// ABOUTME: Metadata record followed by a fixed 9-byte FileOffset locator

package pagedstore

import (
	"errors"
	"fmt"

	"github.com/nainya/docstore/pkg/codec"
)

// TrailerLocatorSize is the byte length of the record that ends every tree file
const TrailerLocatorSize = codec.FileOffsetSize

var ErrBadTrailer = errors.New("pagedstore: bad trailer")

// AppendTrailer appends meta and a locator pointing at it.
// Returns the offset of the metadata record.
func (s *Store) AppendTrailer(meta codec.Value) (uint64, error) {
	if meta.Type != codec.TypeObject {
		return 0, fmt.Errorf("%w: metadata must be an object, got %s", ErrBadTrailer, meta.Type)
	}
	off, err := s.Append(meta)
	if err != nil {
		return 0, err
	}
	if _, err := s.Append(codec.NewFileOffsetValue(off)); err != nil {
		return 0, err
	}
	return off, nil
}

// ReadTrailer locates and decodes the metadata record at the end of the file
func (s *Store) ReadTrailer() (codec.Value, error) {
	size, err := s.Size()
	if err != nil {
		return codec.Value{}, err
	}
	if size < TrailerLocatorSize {
		return codec.Value{}, fmt.Errorf("%w: file of %d bytes is shorter than the locator", ErrBadTrailer, size)
	}

	locOff := size - TrailerLocatorSize
	loc, span, err := s.ReadRecord(locOff)
	if err != nil {
		return codec.Value{}, badTrailer("locator", err)
	}
	if loc.Type != codec.TypeFileOffset || span != TrailerLocatorSize {
		return codec.Value{}, fmt.Errorf("%w: last record is %s, not a locator", ErrBadTrailer, loc.Type)
	}
	if loc.U64 >= locOff {
		return codec.Value{}, fmt.Errorf("%w: locator points at %d past metadata end %d", ErrBadTrailer, loc.U64, locOff)
	}

	meta, span, err := s.ReadRecord(loc.U64)
	if err != nil {
		return codec.Value{}, badTrailer("metadata", err)
	}
	if meta.Type != codec.TypeObject || loc.U64+uint64(span) != locOff {
		return codec.Value{}, fmt.Errorf("%w: no metadata object at %d", ErrBadTrailer, loc.U64)
	}
	return meta, nil
}

// RollbackTrailer scans the file for the last metadata record directly
// followed by a locator pointing at it and cuts every byte after that pair.
// It returns the metadata and the number of bytes dropped.
func (s *Store) RollbackTrailer() (codec.Value, uint64, error) {
	size, err := s.Size()
	if err != nil {
		return codec.Value{}, 0, err
	}

	var (
		meta     codec.Value
		end      uint64
		found    bool
		prev     codec.Value
		prevOff  uint64
		havePrev bool
	)
	sc := s.Scan()
	for sc.Next() {
		v := sc.Value()
		if havePrev && prev.Type == codec.TypeObject &&
			v.Type == codec.TypeFileOffset && sc.Span() == TrailerLocatorSize && v.U64 == prevOff {
			meta, end, found = prev, sc.Offset()+TrailerLocatorSize, true
		}
		prev, prevOff, havePrev = v, sc.Offset(), true
	}
	// a torn record ends the scan; anything else is an I/O failure
	if err := sc.Err(); err != nil && !Structural(err) {
		return codec.Value{}, 0, err
	}
	if !found {
		return codec.Value{}, 0, fmt.Errorf("%w: no complete trailer in %d bytes", ErrBadTrailer, size)
	}
	if end < size {
		if err := s.Truncate(end); err != nil {
			return codec.Value{}, 0, err
		}
	}
	return meta, size - end, nil
}

// Structural reports whether err describes malformed bytes rather than a failed read
func Structural(err error) bool {
	return errors.Is(err, codec.ErrFormat) || errors.Is(err, ErrBounds)
}

func badTrailer(what string, err error) error {
	if !Structural(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBadTrailer, what, err)
}
