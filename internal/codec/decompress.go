// Package codec decodes stored file content: pooled raw-deflate readers, LZMA
// streams with an out-of-band size, and readers that enforce an exact length.
package codec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// DeflatePool manages reusable raw-deflate readers to reduce allocation
// overhead when many small files are decoded.
type DeflatePool struct {
	pool sync.Pool
}

// NewDeflatePool creates an empty pool.
func NewDeflatePool() *DeflatePool {
	return &DeflatePool{}
}

// Get returns a reader decoding r. The caller must call the returned release
// function when done; the reader must not be used afterwards.
func (p *DeflatePool) Get(r io.Reader) (io.ReadCloser, func()) {
	if p == nil {
		dec := flate.NewReader(r)
		return dec, func() { _ = dec.Close() } //nolint:errcheck // flate Close never fails
	}

	if v := p.pool.Get(); v != nil {
		if dec, ok := v.(io.ReadCloser); ok {
			if rs, ok := dec.(flate.Resetter); ok && rs.Reset(r, nil) == nil {
				return dec, p.release(dec)
			}
		}
	}
	dec := flate.NewReader(r)
	return dec, p.release(dec)
}

func (p *DeflatePool) release(dec io.ReadCloser) func() {
	return func() {
		if rs, ok := dec.(flate.Resetter); ok {
			_ = rs.Reset(nil, nil) //nolint:errcheck // clearing state before pool return
		}
		p.pool.Put(dec)
	}
}
