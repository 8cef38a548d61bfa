package codec

import (
	"hash"
	"io"
)

// HashingReader wraps an io.Reader and computes a hash of all data read.
type HashingReader struct {
	r io.Reader
	h hash.Hash
}

// NewHashingReader creates a reader that computes a hash while reading.
func NewHashingReader(r io.Reader, h hash.Hash) *HashingReader {
	return &HashingReader{r: r, h: h}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n]) //nolint:errcheck // hash writes never fail
	}
	return n, err
}

// Sum returns the hash sum computed so far.
func (hr *HashingReader) Sum() []byte {
	return hr.h.Sum(nil)
}

// ExactReader yields exactly size bytes from r. It returns
// io.ErrUnexpectedEOF when r ends early and overflowErr when r has more.
type ExactReader struct {
	r           io.Reader
	remaining   int64
	overflowErr error
	err         error
}

// NewExactReader wraps r.
func NewExactReader(r io.Reader, size int64, overflowErr error) *ExactReader {
	return &ExactReader{r: r, remaining: size, overflowErr: overflowErr}
}

// Read implements io.Reader.
func (e *ExactReader) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.remaining <= 0 {
		e.err = ensureNoExtra(e.r, e.overflowErr)
		if e.err == nil {
			e.err = io.EOF
		}
		return 0, e.err
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF {
		if e.remaining > 0 {
			e.err = io.ErrUnexpectedEOF
			return n, e.err
		}
		err = nil
	}
	if err != nil {
		e.err = err
	}
	return n, err
}

// ensureNoExtra reads from r and returns overflowErr if any data is available.
func ensureNoExtra(r io.Reader, overflowErr error) error {
	var scratch [1]byte
	n, err := r.Read(scratch[:])
	if n > 0 {
		return overflowErr
	}
	if err == io.EOF {
		return nil
	}
	return err
}
