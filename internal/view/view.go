// Package view provides read-only backing views over container files.
//
// A Source owns the underlying file handle (or mapping). Sections obtained
// from a Source are bounded readers over a byte range and become invalid once
// the Source is closed.
package view

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/meigma/nexus/internal/sizing"
)

// ErrOutOfRange is returned when a requested range does not fit the source.
var ErrOutOfRange = errors.New("view: range out of bounds")

// ErrClosed is returned when reading from a closed source.
var ErrClosed = errors.New("view: closed")

// Source provides random access to a container file.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
	Name() string
}

// Option configures how a Source is opened.
type Option func(*options)

type options struct {
	mmap bool
}

// WithMmap selects between a memory mapping (the default) and plain
// positioned reads on an *os.File.
func WithMmap(enabled bool) Option {
	return func(o *options) {
		o.mmap = enabled
	}
}

// Open opens path as a read-only Source.
func Open(path string, opts ...Option) (Source, error) {
	o := options{mmap: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mmap {
		return openMapped(path)
	}
	return openFile(path)
}

// Section returns a reader over [off, off+n) of src.
func Section(src Source, off, n uint64) (*io.SectionReader, error) {
	if !sizing.Within(off, n, uint64(src.Size())) { //nolint:gosec // Size is never negative
		return nil, fmt.Errorf("%w: %d+%d exceeds %d", ErrOutOfRange, off, n, src.Size())
	}
	start, err := sizing.ToInt64(off, ErrOutOfRange)
	if err != nil {
		return nil, err
	}
	length, err := sizing.ToInt64(n, ErrOutOfRange)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(src, start, length), nil
}

// ReadFull reads exactly len(p) bytes at off.
func ReadFull(src Source, p []byte, off uint64) error {
	sec, err := Section(src, off, uint64(len(p)))
	if err != nil {
		return err
	}
	_, err = io.ReadFull(sec, p)
	return err
}

type mappedSource struct {
	name string
	mu   sync.RWMutex
	r    *mmap.ReaderAt
	size int64
}

func openMapped(path string) (*mappedSource, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &mappedSource{name: path, r: r, size: int64(r.Len())}, nil
}

func (s *mappedSource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.r == nil {
		return 0, ErrClosed
	}
	return s.r.ReadAt(p, off)
}

func (s *mappedSource) Size() int64  { return s.size }
func (s *mappedSource) Name() string { return s.name }

func (s *mappedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

type fileSource struct {
	*os.File
	size int64
}

func openFile(path string) (*fileSource, error) {
	f, err := os.Open(path) //nolint:gosec // caller chooses the container path
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return &fileSource{File: f, size: info.Size()}, nil
}

func (s *fileSource) Size() int64 { return s.size }
