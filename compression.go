package nexus

import (
	"fmt"
	"io"

	"github.com/meigma/nexus/internal/codec"
)

// Compression identifies how a file's content is stored. It is derived from
// the file's compression flags.
type Compression uint8

const (
	// CompressionNone stores content as is.
	CompressionNone Compression = iota
	// CompressionDeflate stores content as a raw deflate stream.
	CompressionDeflate
	// CompressionLzma stores content as LZMA properties followed by the
	// compressed stream, without the length field.
	CompressionLzma
	// CompressionUnknown marks flags that name more than one compression.
	CompressionUnknown
)

// String returns the lowercase name of c, or "unknown" for values outside
// the known set.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	case CompressionLzma:
		return "lzma"
	default:
		return "unknown"
	}
}

func compressionOf(flags Flags) (Compression, error) {
	deflate := flags.Has(FlagCompressedDeflate)
	lzma := flags.Has(FlagCompressedLzma)
	switch {
	case deflate && lzma:
		return CompressionUnknown, ErrConflictingCompression
	case deflate:
		return CompressionDeflate, nil
	case lzma:
		return CompressionLzma, nil
	default:
		return CompressionNone, nil
	}
}

var deflatePool = codec.NewDeflatePool()

// Decompress decodes the stored content of f read from r. The returned reader
// yields exactly f.Size() bytes: a short stream fails with
// io.ErrUnexpectedEOF and a long one with ErrSizeOverflow.
//
// Closing the returned reader does not close r.
func Decompress(r io.Reader, f *File) (io.ReadCloser, error) {
	c, err := compressionOf(f.rec.Flags)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	if f.rec.UncompressedSize < 0 || f.rec.CompressedSize < 0 {
		return nil, fmt.Errorf("%s: %w: negative size", f.path, ErrCorruptHeader)
	}

	switch c {
	case CompressionDeflate:
		dec, release := deflatePool.Get(r)
		return &decodedReader{
			Reader:  codec.NewExactReader(dec, f.rec.UncompressedSize, ErrSizeOverflow),
			release: release,
		}, nil
	case CompressionLzma:
		dec, err := codec.NewLzmaReader(r, f.rec.CompressedSize, f.rec.UncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.path, err)
		}
		return &decodedReader{Reader: codec.NewExactReader(dec, f.rec.UncompressedSize, ErrSizeOverflow)}, nil
	default:
		return &decodedReader{Reader: codec.NewExactReader(r, f.rec.UncompressedSize, ErrSizeOverflow)}, nil
	}
}

type decodedReader struct {
	io.Reader
	release func()
}

func (d *decodedReader) Close() error {
	if d.release != nil {
		d.release()
		d.release = nil
	}
	return nil
}
