// ABOUTME: Random-access byte sinks backing a paged store
// ABOUTME: FileSink wraps an os.File with directory fsync; MemSink keeps bytes in memory

package pagedstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ByteSink is the only I/O dependency of a Store
type ByteSink interface {
	Size() (uint64, error)
	// ReadAt returns up to n bytes at off; fewer near EOF
	ReadAt(off uint64, n uint32) ([]byte, error)
	WriteAt(off uint64, p []byte) error
	Truncate(n uint64) error
	Flush() error
	Close() error
}

// FileSink is a ByteSink over a regular file
type FileSink struct {
	path string
	f    *os.File
	size uint64
}

// OpenFileSink opens or creates path, creating parent directories as needed
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := createFileSync(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	return &FileSink{path: path, f: f, size: uint64(st.Size())}, nil
}

// Path returns the file name the sink was opened with
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Size() (uint64, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	return s.size, nil
}

func (s *FileSink) ReadAt(off uint64, n uint32) ([]byte, error) {
	if s.f == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, n)
	read, err := s.f.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read at %d: %w", off, err)
	}
	return buf[:read], nil
}

func (s *FileSink) WriteAt(off uint64, p []byte) error {
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.WriteAt(p, int64(off)); err != nil {
		return fmt.Errorf("write at %d: %w", off, err)
	}
	if end := off + uint64(len(p)); end > s.size {
		s.size = end
	}
	return nil
}

func (s *FileSink) Truncate(n uint64) error {
	if s.f == nil {
		return ErrClosed
	}
	if err := s.f.Truncate(int64(n)); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	s.size = n
	return nil
}

// Flush fsyncs the file
func (s *FileSink) Flush() error {
	if s.f == nil {
		return ErrClosed
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// createFileSync creates/opens file with directory fsync
func createFileSync(file string) (*os.File, error) {
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	dir, err := os.Open(filepath.Dir(file))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fsync directory: %w", err)
	}
	return f, nil
}

// MemSink is an in-memory ByteSink
type MemSink struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewMemSink creates an empty in-memory sink
func NewMemSink() *MemSink {
	return &MemSink{}
}

// Bytes returns a copy of the current contents
func (m *MemSink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *MemSink) Size() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.data)), nil
}

func (m *MemSink) ReadAt(off uint64, n uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if off >= uint64(len(m.data)) {
		return nil, nil
	}
	end := off + uint64(n)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return append([]byte(nil), m.data[off:end]...), nil
}

func (m *MemSink) WriteAt(off uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if end := off + uint64(len(p)); end > uint64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-uint64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	return nil
}

func (m *MemSink) Truncate(n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if n <= uint64(len(m.data)) {
		m.data = m.data[:n]
	} else {
		m.data = append(m.data, make([]byte, n-uint64(len(m.data)))...)
	}
	return nil
}

func (m *MemSink) Flush() error {
	return nil
}

// Close marks the sink closed; the data stays readable through Bytes
func (m *MemSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen makes a closed MemSink usable again, simulating a reopened file
func (m *MemSink) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}
