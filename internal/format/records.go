package format

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Record sizes inside folder and block-store blocks.
const (
	FolderPointerSize    = 8
	FileRecordSize       = 56
	BlockStoreRecordSize = 32
	folderHeaderSize     = 8
)

// Flags is the file record flag set.
type Flags uint32

// File record flags.
const (
	FlagFile              Flags = 1
	FlagCompressedDeflate Flags = 2
	FlagCompressedLzma    Flags = 4
)

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// FolderPointer names a subfolder and the block holding its contents.
type FolderPointer struct {
	NameOffset uint32
	BlockIndex int32
}

// FileRecord is the fixed 56-byte description of a file.
type FileRecord struct {
	NameOffset       int32
	Flags            Flags
	FileTime         int64
	UncompressedSize int64
	CompressedSize   int64
	Hash             [HashSize]byte
	Reserved         uint32
}

// FolderBlock is a decoded folder block.
type FolderBlock struct {
	Folders []FolderPointer
	Files   []FileRecord
	names   []byte
}

// ParseFolderBlock decodes the records of a folder block. Names are resolved
// separately through Name.
func ParseFolderBlock(b []byte) (*FolderBlock, error) {
	if len(b) < folderHeaderSize {
		return nil, fmt.Errorf("%w: folder block is %d bytes", ErrCorrupt, len(b))
	}
	subfolders := int32(binary.LittleEndian.Uint32(b[0:4])) //nolint:gosec // on-disk i32
	files := int32(binary.LittleEndian.Uint32(b[4:8]))      //nolint:gosec // on-disk i32
	if subfolders < 0 || files < 0 {
		return nil, fmt.Errorf("%w: negative folder counts %d/%d", ErrCorrupt, subfolders, files)
	}
	dataSize := int64(folderHeaderSize) + int64(subfolders)*FolderPointerSize + int64(files)*FileRecordSize
	if dataSize > int64(len(b)) {
		return nil, fmt.Errorf("%w: folder records need %d bytes, block has %d", ErrCorrupt, dataSize, len(b))
	}

	fb := &FolderBlock{
		Folders: make([]FolderPointer, subfolders),
		Files:   make([]FileRecord, files),
		names:   b[dataSize:],
	}
	off := folderHeaderSize
	for i := range fb.Folders {
		fb.Folders[i] = FolderPointer{
			NameOffset: binary.LittleEndian.Uint32(b[off:]),
			BlockIndex: int32(binary.LittleEndian.Uint32(b[off+4:])), //nolint:gosec // on-disk i32
		}
		off += FolderPointerSize
	}
	for i := range fb.Files {
		fb.Files[i] = parseFileRecord(b[off : off+FileRecordSize])
		off += FileRecordSize
	}
	return fb, nil
}

//nolint:gosec // signed fields are stored as two's complement on disk
func parseFileRecord(b []byte) FileRecord {
	r := FileRecord{
		NameOffset:       int32(binary.LittleEndian.Uint32(b[0:4])),
		Flags:            Flags(binary.LittleEndian.Uint32(b[4:8])),
		FileTime:         int64(binary.LittleEndian.Uint64(b[8:16])),
		UncompressedSize: int64(binary.LittleEndian.Uint64(b[16:24])),
		CompressedSize:   int64(binary.LittleEndian.Uint64(b[24:32])),
		Reserved:         binary.LittleEndian.Uint32(b[52:56]),
	}
	copy(r.Hash[:], b[32:52])
	return r
}

// Name returns the NUL-terminated name stored at off in the name table.
func (f *FolderBlock) Name(off int64) (string, error) {
	if off < 0 || off >= int64(len(f.names)) {
		return "", fmt.Errorf("%w: name offset %d outside table of %d bytes", ErrCorrupt, off, len(f.names))
	}
	raw := f.names[off:]
	if end := bytes.IndexByte(raw, 0); end >= 0 {
		raw = raw[:end]
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: name at offset %d is not UTF-8", ErrCorrupt, off)
	}
	return string(raw), nil
}

// BlockStoreRecord maps a content hash to the block holding it.
type BlockStoreRecord struct {
	BlockIndex       int32
	Hash             [HashSize]byte
	UncompressedSize int64
}

// ParseBlockStoreRecords decodes count records from b.
func ParseBlockStoreRecords(b []byte, count int) ([]BlockStoreRecord, error) {
	if count < 0 || int64(count)*BlockStoreRecordSize > int64(len(b)) {
		return nil, fmt.Errorf("%w: %d block-store records do not fit %d bytes", ErrCorrupt, count, len(b))
	}
	recs := make([]BlockStoreRecord, count)
	for i := range recs {
		rec := b[i*BlockStoreRecordSize:]
		recs[i].BlockIndex = int32(binary.LittleEndian.Uint32(rec[0:4])) //nolint:gosec // on-disk i32
		copy(recs[i].Hash[:], rec[4:24])
		recs[i].UncompressedSize = int64(binary.LittleEndian.Uint64(rec[24:32])) //nolint:gosec // on-disk i64
	}
	return recs, nil
}
