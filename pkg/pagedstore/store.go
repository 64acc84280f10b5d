// ABOUTME: Append-only record store over a ByteSink
// ABOUTME: Whole-value write/append/read plus a restartable forward scan

package pagedstore

import (
	"errors"
	"fmt"

	"github.com/nainya/docstore/pkg/codec"
)

var (
	ErrBounds = errors.New("pagedstore: offset out of bounds")
	ErrClosed = errors.New("pagedstore: store is closed")
)

// Store reads and writes encoded Values at byte offsets of a sink
type Store struct {
	sink   ByteSink
	closed bool
}

// New wraps sink
func New(sink ByteSink) *Store {
	return &Store{sink: sink}
}

// Sink returns the underlying byte sink
func (s *Store) Sink() ByteSink {
	return s.sink
}

// Size returns the current byte length of the sink
func (s *Store) Size() (uint64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.sink.Size()
}

// Write replaces the whole sink content with v (single-document files)
func (s *Store) Write(v codec.Value) error {
	if s.closed {
		return ErrClosed
	}
	buf, err := codec.Encode(v)
	if err != nil {
		return err
	}
	if err := s.sink.Truncate(0); err != nil {
		return err
	}
	return s.sink.WriteAt(0, buf)
}

// Append writes v at the end of the sink and returns its starting offset
func (s *Store) Append(v codec.Value) (uint64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	buf, err := codec.Encode(v)
	if err != nil {
		return 0, err
	}
	off, err := s.sink.Size()
	if err != nil {
		return 0, err
	}
	if err := s.sink.WriteAt(off, buf); err != nil {
		return 0, err
	}
	return off, nil
}

// Read decodes the record starting at off
func (s *Store) Read(off uint64) (codec.Value, error) {
	v, _, err := s.ReadRecord(off)
	return v, err
}

// ReadRecord decodes the record at off and returns its byte span
func (s *Store) ReadRecord(off uint64) (codec.Value, int, error) {
	if s.closed {
		return codec.Value{}, 0, ErrClosed
	}
	size, err := s.sink.Size()
	if err != nil {
		return codec.Value{}, 0, err
	}
	if off >= size {
		return codec.Value{}, 0, fmt.Errorf("%w: offset %d, size %d", ErrBounds, off, size)
	}
	return s.readAt(off, size)
}

func (s *Store) readAt(off, size uint64) (codec.Value, int, error) {
	head, err := s.sink.ReadAt(off, codec.MaxHeaderSize)
	if err != nil {
		return codec.Value{}, 0, err
	}
	span, err := codec.Span(head)
	if err != nil {
		return codec.Value{}, 0, fmt.Errorf("record at %d: %w", off, err)
	}
	if off+uint64(span) > size {
		return codec.Value{}, 0, fmt.Errorf("%w: record at %d spans %d bytes past end of file", codec.ErrFormat, off, span)
	}

	buf := head
	if span > len(head) {
		if buf, err = s.sink.ReadAt(off, uint32(span)); err != nil {
			return codec.Value{}, 0, err
		}
	}
	v, n, err := codec.Decode(buf[:span])
	if err != nil {
		return codec.Value{}, 0, fmt.Errorf("record at %d: %w", off, err)
	}
	if n != span {
		return codec.Value{}, 0, fmt.Errorf("%w: record at %d decoded %d of %d bytes", codec.ErrFormat, off, n, span)
	}
	return v, span, nil
}

// Scan returns a fresh iterator over every record from offset 0
func (s *Store) Scan() *Scanner {
	return &Scanner{store: s}
}

// Truncate cuts the sink to n bytes
func (s *Store) Truncate(n uint64) error {
	if s.closed {
		return ErrClosed
	}
	return s.sink.Truncate(n)
}

// Flush makes appended records durable
func (s *Store) Flush() error {
	if s.closed {
		return ErrClosed
	}
	return s.sink.Flush()
}

// Close flushes and releases the sink
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.sink.Flush(); err != nil {
		_ = s.sink.Close()
		return err
	}
	return s.sink.Close()
}

// Scanner walks records in file order
type Scanner struct {
	store *Store
	next  uint64
	off   uint64
	span  int
	val   codec.Value
	err   error
	done  bool
}

// Next advances to the following record
func (sc *Scanner) Next() bool {
	if sc.done {
		return false
	}
	if sc.store.closed {
		sc.err, sc.done = ErrClosed, true
		return false
	}
	size, err := sc.store.sink.Size()
	if err != nil {
		sc.err, sc.done = err, true
		return false
	}
	if sc.next >= size {
		sc.done = true
		return false
	}
	v, span, err := sc.store.readAt(sc.next, size)
	if err != nil {
		sc.err, sc.done = err, true
		return false
	}
	sc.off, sc.span, sc.val = sc.next, span, v
	sc.next += uint64(span)
	return true
}

// Offset of the current record
func (sc *Scanner) Offset() uint64 { return sc.off }

// Value of the current record
func (sc *Scanner) Value() codec.Value { return sc.val }

// Span is the byte length of the current record
func (sc *Scanner) Span() int { return sc.span }

// Err returns the error that stopped the scan, if any
func (sc *Scanner) Err() error { return sc.err }
