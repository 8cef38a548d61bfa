package nexus

import (
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/meigma/nexus/internal/format"
)

// Entry is a node of an index folder tree: a *Folder or a *File.
type Entry interface {
	// Name returns the entry's name within its parent folder.
	Name() string

	// Path returns the full slash-separated path from the index root.
	// The root folder's path is "".
	Path() string

	// IsDir reports whether the entry is a *Folder.
	IsDir() bool
}

// Interface compliance.
var (
	_ Entry = (*Folder)(nil)
	_ Entry = (*File)(nil)
)

// Folder is a directory inside an index. Its children are parsed from the
// folder's block on first access and cached for the lifetime of the index.
type Folder struct {
	idx   *Index
	name  string
	path  string
	block int32
	depth int

	once    sync.Once
	folders []*Folder
	files   []*File
	err     error
}

// maxFolderDepth bounds nesting so a block table that loops back on itself
// cannot recurse forever.
const maxFolderDepth = 256

func newFolder(idx *Index, parent *Folder, name string, block int32) *Folder {
	f := &Folder{
		idx:   idx,
		name:  name,
		block: block,
	}
	if parent != nil {
		f.path = joinPath(parent.path, name)
		f.depth = parent.depth + 1
	}
	return f
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Name returns the folder name. The root folder's name is "".
func (f *Folder) Name() string { return f.name }

// Path returns the full path of the folder.
func (f *Folder) Path() string { return f.path }

// IsDir always returns true.
func (f *Folder) IsDir() bool { return true }

// Index returns the index this folder belongs to.
func (f *Folder) Index() *Index { return f.idx }

// load parses the folder block exactly once. Concurrent callers block until
// the first parse finishes and all observe the same children.
func (f *Folder) load() error {
	f.once.Do(func() {
		f.err = f.parse()
		if f.err != nil {
			f.idx.log().Warn("folder parse failed", "index", f.idx.Name(), "folder", f.path, "error", f.err)
		}
	})
	return f.err
}

func (f *Folder) parse() error {
	if f.depth > maxFolderDepth {
		return fmt.Errorf("folder %q: %w: nesting deeper than %d", f.path, ErrCorruptHeader, maxFolderDepth)
	}
	data, err := f.idx.readBlock(int(f.block))
	if err != nil {
		return fmt.Errorf("folder %q: %w", f.path, err)
	}
	fb, err := format.ParseFolderBlock(data)
	if err != nil {
		return fmt.Errorf("folder %q: %w", f.path, err)
	}

	folders := make([]*Folder, 0, len(fb.Folders))
	for _, ptr := range fb.Folders {
		name, err := fb.Name(int64(ptr.NameOffset))
		if err != nil {
			return fmt.Errorf("folder %q: %w", f.path, err)
		}
		folders = append(folders, newFolder(f.idx, f, name, ptr.BlockIndex))
	}
	files := make([]*File, 0, len(fb.Files))
	for _, rec := range fb.Files {
		name, err := fb.Name(int64(rec.NameOffset))
		if err != nil {
			return fmt.Errorf("folder %q: %w", f.path, err)
		}
		files = append(files, &File{
			idx:  f.idx,
			name: name,
			path: joinPath(f.path, name),
			rec:  rec,
		})
	}
	f.folders = folders
	f.files = files
	return nil
}

// Subfolders returns the direct subfolders.
func (f *Folder) Subfolders() ([]*Folder, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	return f.folders, nil
}

// Files returns the files directly inside the folder.
func (f *Folder) Files() ([]*File, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	return f.files, nil
}

// Children returns subfolders followed by files.
func (f *Folder) Children() ([]Entry, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(f.folders)+len(f.files))
	for _, sub := range f.folders {
		out = append(out, sub)
	}
	for _, file := range f.files {
		out = append(out, file)
	}
	return out, nil
}

// Child returns the direct child called name, compared case-insensitively.
func (f *Folder) Child(name string) (Entry, bool, error) {
	if err := f.load(); err != nil {
		return nil, false, err
	}
	for _, sub := range f.folders {
		if strings.EqualFold(sub.name, name) {
			return sub, true, nil
		}
	}
	for _, file := range f.files {
		if strings.EqualFold(file.name, name) {
			return file, true, nil
		}
	}
	return nil, false, nil
}

// Walk returns the entries below f in depth-first order. When recursive is
// false only direct children are produced. Folders that fail to parse are
// logged and skipped.
func (f *Folder) Walk(recursive bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		f.walk(recursive, yield)
	}
}

func (f *Folder) walk(recursive bool, yield func(Entry) bool) bool {
	if f.load() != nil {
		return true
	}
	for _, sub := range f.folders {
		if !yield(sub) {
			return false
		}
		if recursive && !sub.walk(true, yield) {
			return false
		}
	}
	for _, file := range f.files {
		if !yield(file) {
			return false
		}
	}
	return true
}

// String returns the folder path.
func (f *Folder) String() string { return f.path }

// File is a file record inside an index.
type File struct {
	idx  *Index
	name string
	path string
	rec  format.FileRecord
}

// Name returns the file name.
func (f *File) Name() string { return f.name }

// Path returns the full path of the file.
func (f *File) Path() string { return f.path }

// IsDir always returns false.
func (f *File) IsDir() bool { return false }

// Dir returns the path of the folder containing the file.
func (f *File) Dir() string {
	dir := path.Dir(f.path)
	if dir == "." {
		return ""
	}
	return dir
}

// Index returns the index this file belongs to.
func (f *File) Index() *Index { return f.idx }

// Flags returns the raw record flags.
func (f *File) Flags() Flags { return f.rec.Flags }

// ModTime returns the recorded last-write time.
func (f *File) ModTime() time.Time { return format.FileTime(f.rec.FileTime) }

// Size returns the uncompressed content size.
func (f *File) Size() int64 { return f.rec.UncompressedSize }

// CompressedSize returns the stored content size.
func (f *File) CompressedSize() int64 { return f.rec.CompressedSize }

// Hash returns the SHA-1 of the uncompressed content.
func (f *File) Hash() [HashSize]byte { return f.rec.Hash }

// HexHash returns the lowercase hex form of Hash.
func (f *File) HexHash() string { return hex.EncodeToString(f.rec.Hash[:]) }

// Reserved returns the record's unused 32-bit field.
func (f *File) Reserved() uint32 { return f.rec.Reserved }

// Compression returns the compression applied to the stored content.
func (f *File) Compression() Compression {
	c, err := compressionOf(f.rec.Flags)
	if err != nil {
		return CompressionUnknown
	}
	return c
}

// Open returns the decompressed content, resolved through the archive the
// index is attached to.
func (f *File) Open() (io.ReadCloser, error) {
	return f.idx.resolver().OpenFile(f)
}

// OpenRaw returns the stored content without decompression.
func (f *File) OpenRaw() (io.ReadCloser, error) {
	return f.idx.resolver().OpenFileRaw(f)
}

// String returns the file path.
func (f *File) String() string { return f.path }
