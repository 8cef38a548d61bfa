// Package format decodes the on-disk structures of Nexus container files.
//
// Every value is little-endian. The package only understands byte slices; it
// never performs I/O, so callers decide how much of a file to read.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for structural problems.
var (
	// ErrCorrupt is returned when a structure fails validation.
	ErrCorrupt = errors.New("nexus: corrupt header")

	// ErrUnknownType is returned when a root descriptor carries an unknown tag.
	ErrUnknownType = errors.New("nexus: unknown archive type")
)

const (
	// Signature is the container magic, "PACK" read as a little-endian u32.
	Signature uint32 = 0x4B434150

	// HeaderVersionLegacy has no explicit root block index.
	HeaderVersionLegacy uint8 = 1
	// HeaderVersionCurrent stores the root block index and a seek guard.
	HeaderVersionCurrent uint8 = 2

	reservedSize = 507

	// DataHeaderOffset is where the DataHeader starts in both layouts.
	DataHeaderOffset = 4 + 1 + reservedSize

	legacyDataHeaderSize  = 40
	currentDataHeaderSize = 48

	// HeaderSize is the number of bytes a caller must supply to ParseHeader.
	HeaderSize = DataHeaderOffset + currentDataHeaderSize

	// BlockPointerSize is the size of one block table entry.
	BlockPointerSize = 16

	// RootDescriptorSize is the size of the root descriptor block.
	RootDescriptorSize = 16

	// HashSize is the length of a content hash (SHA-1).
	HashSize = 20
)

// Header is the fixed container header.
type Header struct {
	Signature uint32
	Version   uint8
	Data      DataHeader
}

// DataHeader locates the block table and the root block.
type DataHeader struct {
	FileSize         uint64
	Reserved         uint64
	BlockTableOffset uint64
	BlockCount       int64

	// RootBlockIndex is -1 when the layout has no explicit root index.
	RootBlockIndex   int64
	ReverseSeekGuard uint64
}

// HasRootIndex reports whether the root block is named by the header rather
// than found by scanning the block table.
func (d DataHeader) HasRootIndex() bool {
	return d.RootBlockIndex >= 0
}

// ParseHeader decodes a container header. b must hold the first HeaderSize
// bytes of the file, or the whole file when it is shorter than that and uses
// the legacy layout.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < DataHeaderOffset {
		return Header{}, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupt, len(b))
	}
	h := Header{
		Signature: binary.LittleEndian.Uint32(b[0:4]),
		Version:   b[4],
	}
	if h.Signature != Signature {
		return Header{}, fmt.Errorf("%w: bad signature %#08x", ErrCorrupt, h.Signature)
	}
	d := b[DataHeaderOffset:]
	switch h.Version {
	case HeaderVersionLegacy:
		if len(d) < legacyDataHeaderSize {
			return Header{}, fmt.Errorf("%w: truncated data header", ErrCorrupt)
		}
		// The first u64 of the legacy layout has no known meaning.
		h.Data = DataHeader{
			FileSize:         binary.LittleEndian.Uint64(d[8:16]),
			Reserved:         binary.LittleEndian.Uint64(d[16:24]),
			BlockTableOffset: binary.LittleEndian.Uint64(d[24:32]),
			BlockCount:       int64(binary.LittleEndian.Uint64(d[32:40])), //nolint:gosec // on-disk i64
			RootBlockIndex:   -1,
		}
	case HeaderVersionCurrent:
		if len(d) < currentDataHeaderSize {
			return Header{}, fmt.Errorf("%w: truncated data header", ErrCorrupt)
		}
		h.Data = DataHeader{
			FileSize:         binary.LittleEndian.Uint64(d[0:8]),
			Reserved:         binary.LittleEndian.Uint64(d[8:16]),
			BlockTableOffset: binary.LittleEndian.Uint64(d[16:24]),
			BlockCount:       int64(binary.LittleEndian.Uint64(d[24:32])), //nolint:gosec // on-disk i64
			RootBlockIndex:   int64(binary.LittleEndian.Uint64(d[32:40])), //nolint:gosec // on-disk i64
			ReverseSeekGuard: binary.LittleEndian.Uint64(d[40:48]),
		}
		if h.Data.ReverseSeekGuard != 0 {
			return Header{}, fmt.Errorf("%w: reverse seek guard is %#x", ErrCorrupt, h.Data.ReverseSeekGuard)
		}
		if h.Data.RootBlockIndex < 0 {
			h.Data.RootBlockIndex = -1
		}
	default:
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	if h.Data.BlockCount < 0 {
		return Header{}, fmt.Errorf("%w: negative block count %d", ErrCorrupt, h.Data.BlockCount)
	}
	if h.Data.HasRootIndex() && h.Data.RootBlockIndex >= h.Data.BlockCount {
		return Header{}, fmt.Errorf("%w: root block %d outside %d blocks", ErrCorrupt, h.Data.RootBlockIndex, h.Data.BlockCount)
	}
	return h, nil
}

// BlockPointer addresses one block of the container.
type BlockPointer struct {
	Offset uint64
	Size   uint64
}

// Present reports whether the block exists. A zero size marks an absent block.
func (p BlockPointer) Present() bool {
	return p.Size != 0
}

// ParseBlockTable decodes len(b)/BlockPointerSize block pointers.
func ParseBlockTable(b []byte) []BlockPointer {
	table := make([]BlockPointer, len(b)/BlockPointerSize)
	for i := range table {
		rec := b[i*BlockPointerSize:]
		table[i] = BlockPointer{
			Offset: binary.LittleEndian.Uint64(rec[0:8]),
			Size:   binary.LittleEndian.Uint64(rec[8:16]),
		}
	}
	return table
}

// ScanForRoot returns the last block whose size equals the root descriptor
// size. Containers without an explicit root index rely on it.
func ScanForRoot(table []BlockPointer) (int, bool) {
	for i := len(table) - 1; i >= 0; i-- {
		if table[i].Size == RootDescriptorSize {
			return i, true
		}
	}
	return 0, false
}

// ArchiveType is the root descriptor tag.
type ArchiveType uint32

const (
	// TypeIndex tags an index container ("AIDX").
	TypeIndex ArchiveType = 0x58444941
	// TypeBlockStore tags a content block store ("AARC").
	TypeBlockStore ArchiveType = 0x43524141
)

// String returns the human-readable name of the archive type.
func (t ArchiveType) String() string {
	switch t {
	case TypeIndex:
		return "index"
	case TypeBlockStore:
		return "archive"
	default:
		return fmt.Sprintf("unknown(%#08x)", uint32(t))
	}
}

// Root descriptor versions.
const (
	RootVersionBuild uint32 = 1
	RootVersionCount uint32 = 2
)

// RootDescriptor identifies the container kind and its top-level block.
type RootDescriptor struct {
	Type    ArchiveType
	Version uint32

	// Build is set for version 1 descriptors.
	Build uint32

	// Count is set for version 2 descriptors.
	Count uint32

	BlockIndex int32
}

// HasCount reports whether the descriptor carries an explicit entry count.
func (r RootDescriptor) HasCount() bool {
	return r.Version == RootVersionCount
}

// ParseRootDescriptor decodes and validates a root descriptor block.
func ParseRootDescriptor(b []byte) (RootDescriptor, error) {
	if len(b) < RootDescriptorSize {
		return RootDescriptor{}, fmt.Errorf("%w: root descriptor is %d bytes", ErrCorrupt, len(b))
	}
	r := RootDescriptor{
		Type:       ArchiveType(binary.LittleEndian.Uint32(b[0:4])),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		BlockIndex: int32(binary.LittleEndian.Uint32(b[12:16])), //nolint:gosec // on-disk i32
	}
	if r.Type != TypeIndex && r.Type != TypeBlockStore {
		return RootDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownType, r.Type)
	}
	extra := binary.LittleEndian.Uint32(b[8:12])
	switch r.Version {
	case RootVersionBuild:
		r.Build = extra
	case RootVersionCount:
		r.Count = extra
	default:
		return RootDescriptor{}, fmt.Errorf("%w: unsupported root descriptor version %d", ErrCorrupt, r.Version)
	}
	return r, nil
}

const fileTimeEpochDelta = 116444736000000000 // 1601-01-01 to 1970-01-01 in 100ns ticks

// FileTime converts a Windows FILETIME tick count to a UTC time.
func FileTime(ticks int64) time.Time {
	rel := ticks - fileTimeEpochDelta
	return time.Unix(rel/1e7, (rel%1e7)*100).UTC()
}

// ToFileTime converts t to a Windows FILETIME tick count.
func ToFileTime(t time.Time) int64 {
	return t.Unix()*1e7 + int64(t.Nanosecond())/100 + fileTimeEpochDelta
}
