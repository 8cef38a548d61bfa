// Package testutil builds container files for tests.
//
// Everything is written in the real on-disk layout so tests exercise the same
// parsing paths as production files.
package testutil

import (
	"bytes"
	"cmp"
	"crypto/sha1" //nolint:gosec // content hash of the format
	"encoding/binary"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/ulikunitz/xz/lzma"

	"github.com/meigma/nexus/internal/format"
)

// File describes one file of a test index.
type File struct {
	// Path is slash-separated. A path ending in "/" adds an empty folder.
	Path    string
	Content []byte

	// Flags selects the stored encoding. FlagFile is always added.
	Flags format.Flags

	// ModTime defaults to DefaultModTime.
	ModTime time.Time

	// Loose files are left out of the block store.
	Loose bool
}

// DefaultModTime is the record time of files without an explicit ModTime.
var DefaultModTime = time.Date(2014, time.June, 3, 12, 0, 0, 0, time.UTC)

// Options controls the container layout.
type Options struct {
	// HeaderVersion defaults to format.HeaderVersionCurrent. The legacy
	// layout places an absent block before the root descriptor so the table
	// scan has something to skip.
	HeaderVersion uint8

	// Build is written into index root descriptors.
	Build uint32

	// LegacyRoot writes a version 1 block-store root descriptor, leaving the
	// entry count to be derived from the block size.
	LegacyRoot bool
}

// Hash returns the SHA-1 of content.
func Hash(content []byte) [format.HashSize]byte {
	return sha1.Sum(content) //nolint:gosec // content hash of the format
}

// Encode returns content in the stored form selected by flags.
func Encode(tb testing.TB, content []byte, flags format.Flags) []byte {
	tb.Helper()
	switch {
	case flags.Has(format.FlagCompressedDeflate):
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			tb.Fatalf("flate.NewWriter() error = %v", err)
		}
		if _, err := w.Write(content); err != nil {
			tb.Fatalf("flate write error = %v", err)
		}
		if err := w.Close(); err != nil {
			tb.Fatalf("flate close error = %v", err)
		}
		return buf.Bytes()
	case flags.Has(format.FlagCompressedLzma):
		var buf bytes.Buffer
		cfg := lzma.WriterConfig{SizeInHeader: true, Size: int64(len(content))}
		w, err := cfg.NewWriter(&buf)
		if err != nil {
			tb.Fatalf("lzma.NewWriter() error = %v", err)
		}
		if _, err := w.Write(content); err != nil {
			tb.Fatalf("lzma write error = %v", err)
		}
		if err := w.Close(); err != nil {
			tb.Fatalf("lzma close error = %v", err)
		}
		// Stored payloads keep the 5 property bytes and drop the length.
		raw := buf.Bytes()
		return append(raw[:5:5], raw[13:]...)
	default:
		return bytes.Clone(content)
	}
}

// container collects blocks and serializes them with a header and table.
type container struct {
	blocks [][]byte
}

func (c *container) reserve() int {
	c.blocks = append(c.blocks, nil)
	return len(c.blocks) - 1
}

func (c *container) add(data []byte) int {
	c.blocks = append(c.blocks, data)
	return len(c.blocks) - 1
}

func (c *container) bytes(version uint8, root int) []byte {
	headerSize := format.HeaderSize
	if version == format.HeaderVersionLegacy {
		headerSize = format.DataHeaderOffset + 40
		// Legacy writers append the root descriptor after every other
		// block; its reserved slot stays absent.
		c.blocks = append(c.blocks, c.blocks[root])
		c.blocks[root] = nil
	}

	out := make([]byte, headerSize)
	table := make([]byte, 0, len(c.blocks)*format.BlockPointerSize)
	for _, b := range c.blocks {
		off := uint64(0)
		if len(b) > 0 {
			off = uint64(len(out))
			out = append(out, b...)
		}
		table = binary.LittleEndian.AppendUint64(table, off)
		table = binary.LittleEndian.AppendUint64(table, uint64(len(b)))
	}
	tableOffset := uint64(len(out))
	out = append(out, table...)

	binary.LittleEndian.PutUint32(out[0:], format.Signature)
	out[4] = version
	d := out[format.DataHeaderOffset:]
	count := uint64(len(c.blocks))
	if version == format.HeaderVersionLegacy {
		binary.LittleEndian.PutUint64(d[0:], 0x1234)
		binary.LittleEndian.PutUint64(d[8:], uint64(len(out)))
		binary.LittleEndian.PutUint64(d[24:], tableOffset)
		binary.LittleEndian.PutUint64(d[32:], count)
		return out
	}
	binary.LittleEndian.PutUint64(d[0:], uint64(len(out)))
	binary.LittleEndian.PutUint64(d[16:], tableOffset)
	binary.LittleEndian.PutUint64(d[24:], count)
	binary.LittleEndian.PutUint64(d[32:], uint64(root)) //nolint:gosec // block indexes are small
	return out
}

// newContainer reserves the root descriptor block and returns its index.
func newContainer(version uint8) (*container, int) {
	c := &container{}
	if version == format.HeaderVersionLegacy {
		c.add(nil)
	}
	return c, c.reserve()
}

func rootDescriptor(tag format.ArchiveType, version, extra uint32, block int) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(tag))
	b = binary.LittleEndian.AppendUint32(b, version)
	b = binary.LittleEndian.AppendUint32(b, extra)
	return binary.LittleEndian.AppendUint32(b, uint32(block)) //nolint:gosec // block indexes are small
}

func headerVersion(opts Options) uint8 {
	return cmp.Or(opts.HeaderVersion, format.HeaderVersionCurrent)
}

type folderNode struct {
	name    string
	folders map[string]*folderNode
	files   []File
}

func newFolderNode(name string) *folderNode {
	return &folderNode{name: name, folders: make(map[string]*folderNode)}
}

func (n *folderNode) insert(f File) {
	segs := strings.Split(strings.Trim(f.Path, "/"), "/")
	dirOnly := strings.HasSuffix(f.Path, "/")
	cur := n
	for i, seg := range segs {
		last := i == len(segs)-1
		if last && !dirOnly {
			f.Path = seg
			cur.files = append(cur.files, f)
			return
		}
		next, ok := cur.folders[seg]
		if !ok {
			next = newFolderNode(seg)
			cur.folders[seg] = next
		}
		cur = next
	}
}

// write serializes the folder and its descendants and returns its block.
func (n *folderNode) write(c *container, tb testing.TB) int {
	block := c.reserve()

	names := slices.Sorted(maps.Keys(n.folders))
	var nameTable []byte
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, uint32(len(names)))   //nolint:gosec // small counts
	body = binary.LittleEndian.AppendUint32(body, uint32(len(n.files))) //nolint:gosec // small counts
	for _, name := range names {
		child := n.folders[name].write(c, tb)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(nameTable))) //nolint:gosec // small offsets
		body = binary.LittleEndian.AppendUint32(body, uint32(child))          //nolint:gosec // small indexes
		nameTable = append(nameTable, name...)
		nameTable = append(nameTable, 0)
	}
	for _, f := range n.files {
		stored := Encode(tb, f.Content, f.Flags)
		mod := f.ModTime
		if mod.IsZero() {
			mod = DefaultModTime
		}
		hash := Hash(f.Content)
		rec := make([]byte, format.FileRecordSize)
		binary.LittleEndian.PutUint32(rec[0:], uint32(len(nameTable))) //nolint:gosec // small offsets
		binary.LittleEndian.PutUint32(rec[4:], uint32(f.Flags|format.FlagFile))
		binary.LittleEndian.PutUint64(rec[8:], uint64(format.ToFileTime(mod)))      //nolint:gosec // positive ticks
		binary.LittleEndian.PutUint64(rec[16:], uint64(len(f.Content)))
		binary.LittleEndian.PutUint64(rec[24:], uint64(len(stored)))
		copy(rec[32:52], hash[:])
		body = append(body, rec...)
		nameTable = append(nameTable, f.Path...)
		nameTable = append(nameTable, 0)
	}
	c.blocks[block] = append(body, nameTable...)
	return block
}

// BuildIndex returns an index container holding files. Subfolders are
// written in name order and files in the order given.
func BuildIndex(tb testing.TB, files []File, opts Options) []byte {
	tb.Helper()
	version := headerVersion(opts)
	c, rootBlock := newContainer(version)
	tree := newFolderNode("")
	for _, f := range files {
		tree.insert(f)
	}
	folder := tree.write(c, tb)
	c.blocks[rootBlock] = rootDescriptor(format.TypeIndex, format.RootVersionBuild, opts.Build, folder)
	return c.bytes(version, rootBlock)
}

// BuildBlockStore returns a block store holding the stored form of every
// non-loose file. Records are written in the order given, unsorted, so the
// reader's sort is exercised.
func BuildBlockStore(tb testing.TB, files []File, opts Options) []byte {
	tb.Helper()
	version := headerVersion(opts)
	c, rootBlock := newContainer(version)
	var records []byte
	count := 0
	for _, f := range files {
		if f.Loose || strings.HasSuffix(f.Path, "/") {
			continue
		}
		block := c.add(Encode(tb, f.Content, f.Flags))
		hash := Hash(f.Content)
		records = binary.LittleEndian.AppendUint32(records, uint32(block)) //nolint:gosec // small indexes
		records = append(records, hash[:]...)
		records = binary.LittleEndian.AppendUint64(records, uint64(len(f.Content)))
		count++
	}
	entries := c.add(records)
	if count == 0 {
		// An empty block reads as absent; keep the entry block present.
		c.blocks[entries] = make([]byte, format.BlockStoreRecordSize)
	}
	if opts.LegacyRoot {
		c.blocks[rootBlock] = rootDescriptor(format.TypeBlockStore, format.RootVersionBuild, opts.Build, entries)
	} else {
		c.blocks[rootBlock] = rootDescriptor(format.TypeBlockStore, format.RootVersionCount, uint32(count), entries) //nolint:gosec // small counts
	}
	return c.bytes(version, rootBlock)
}

// WriteFile writes data to dir/name and returns the path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // test fixture
		tb.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// WriteArchive writes <dir>/<name>.index and <dir>/<name>.archive for files
// and returns the index path. Loose files are written below
// <parent of dir>/<name>/ where archives look for them.
func WriteArchive(tb testing.TB, dir, name string, files []File, opts Options) string {
	tb.Helper()
	idx := WriteFile(tb, dir, name+".index", BuildIndex(tb, files, opts))
	WriteFile(tb, dir, name+".archive", BuildBlockStore(tb, files, opts))
	for _, f := range files {
		if f.Loose {
			WriteFile(tb, filepath.Join(filepath.Dir(dir), name), f.Path, f.Content)
		}
	}
	return idx
}
