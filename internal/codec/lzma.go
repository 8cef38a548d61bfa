package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// LzmaPropsSize is the size of the properties prefix of a stored LZMA payload:
// one properties byte followed by the little-endian dictionary size.
const LzmaPropsSize = 5

// NewLzmaReader decodes a stored LZMA payload of compressedSize bytes whose
// decoded length is size. The payload carries the properties prefix but not
// the length, so the classic 13-byte header is rebuilt before decoding.
func NewLzmaReader(r io.Reader, compressedSize, size int64) (io.Reader, error) {
	if compressedSize < LzmaPropsSize {
		return nil, fmt.Errorf("lzma: payload of %d bytes has no properties", compressedSize)
	}
	hdr := make([]byte, LzmaPropsSize, LzmaPropsSize+8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("lzma: read properties: %w", err)
	}
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(size)) //nolint:gosec // sizes are validated non-negative by callers
	body := io.LimitReader(r, compressedSize-LzmaPropsSize)
	dec, err := lzma.NewReader(io.MultiReader(bytes.NewReader(hdr), body))
	if err != nil {
		return nil, fmt.Errorf("lzma: %w", err)
	}
	return dec, nil
}
