package nexus

import (
	"errors"

	"github.com/meigma/nexus/internal/format"
)

// Sentinel errors re-exported from internal/format.
var (
	// ErrCorruptHeader is returned when a container fails structural validation:
	// bad signature, unsupported version, or blocks outside the file.
	ErrCorruptHeader = format.ErrCorrupt

	// ErrUnknownArchiveType is returned when the root descriptor tag is not
	// recognized.
	ErrUnknownArchiveType = format.ErrUnknownType
)

// Sentinel errors specific to the nexus package.
var (
	// ErrInvalidHashLength is returned when a content hash is not 20 bytes.
	ErrInvalidHashLength = errors.New("nexus: hash must be 20 bytes")

	// ErrConflictingCompression is returned when a file record sets both the
	// deflate and the lzma flag.
	ErrConflictingCompression = errors.New("nexus: conflicting compression flags")

	// ErrNotIndex is returned by OpenIndex for containers of another type.
	ErrNotIndex = errors.New("nexus: not an index container")

	// ErrNotBlockStore is returned by OpenBlockStore for containers of another type.
	ErrNotBlockStore = errors.New("nexus: not an archive container")

	// ErrMissingBlock is returned when a record points at an absent block.
	ErrMissingBlock = errors.New("nexus: missing block")

	// ErrContentNotFound is returned when no source holds a file's content.
	ErrContentNotFound = errors.New("nexus: content not found")

	// ErrSizeOverflow is returned when decoded content is larger than recorded.
	ErrSizeOverflow = errors.New("nexus: size overflow")
)
