package nexus

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the content hash of the format
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Index is an index container: a folder tree of file records.
//
// The root folder is parsed when the index is opened; deeper folders are
// parsed on first access.
type Index struct {
	*containerFile

	root     *Folder
	archive  atomic.Pointer[Archive]
	fileHash func() ([HashSize]byte, error)
}

func newIndex(base *containerFile) (*Index, error) {
	idx := &Index{containerFile: base}
	idx.root = newFolder(idx, nil, "", base.root.BlockIndex)
	if err := idx.root.load(); err != nil {
		return nil, err
	}
	idx.fileHash = sync.OnceValues(idx.hashFile)
	return idx, nil
}

func (i *Index) log() *slog.Logger {
	if i.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return i.logger
}

// Root returns the root folder.
func (i *Index) Root() *Folder {
	return i.root
}

// BuildNumber returns the build recorded in the root descriptor, or 0 when
// the descriptor does not carry one.
func (i *Index) BuildNumber() int {
	return int(i.containerFile.root.Build)
}

// FileHash returns the SHA-1 of the whole index file. It is computed on the
// first call and cached.
func (i *Index) FileHash() ([HashSize]byte, error) {
	return i.fileHash()
}

func (i *Index) hashFile() ([HashSize]byte, error) {
	var sum [HashSize]byte
	h := sha1.New() //nolint:gosec // content hash, not a security boundary
	if _, err := io.Copy(h, io.NewSectionReader(i.src, 0, i.src.Size())); err != nil {
		return sum, fmt.Errorf("hash %s: %w", i.Name(), err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// FindEntry resolves a path of '/' or '\' separated segments. Segments are
// matched case-insensitively and empty segments are ignored, so "" and "/"
// name the root folder. It reports false when a segment is missing, when an
// intermediate segment is a file, or when a folder on the way fails to parse.
func (i *Index) FindEntry(p string) (Entry, bool) {
	var cur Entry = i.root
	for _, seg := range splitPath(p) {
		dir, ok := cur.(*Folder)
		if !ok {
			return nil, false
		}
		next, found, err := dir.Child(seg)
		if err != nil || !found {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// FindFile is FindEntry restricted to files.
func (i *Index) FindFile(p string) (*File, bool) {
	e, ok := i.FindEntry(p)
	if !ok {
		return nil, false
	}
	f, ok := e.(*File)
	return f, ok
}

// FindFolder is FindEntry restricted to folders.
func (i *Index) FindFolder(p string) (*Folder, bool) {
	e, ok := i.FindEntry(p)
	if !ok {
		return nil, false
	}
	f, ok := e.(*Folder)
	return f, ok
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}

// Entries iterates the tree below the root in depth-first order.
func (i *Index) Entries(recursive bool) iter.Seq[Entry] {
	return i.root.Walk(recursive)
}

// Files iterates the files of the tree.
func (i *Index) Files(recursive bool) iter.Seq[*File] {
	return func(yield func(*File) bool) {
		for e := range i.root.Walk(recursive) {
			if f, ok := e.(*File); ok && !yield(f) {
				return
			}
		}
	}
}

// Folders iterates the folders of the tree, excluding the root.
func (i *Index) Folders(recursive bool) iter.Seq[*Folder] {
	return func(yield func(*Folder) bool) {
		for e := range i.root.Walk(recursive) {
			if f, ok := e.(*Folder); ok && !yield(f) {
				return
			}
		}
	}
}

// Warm parses every folder of the tree and returns the first parse error.
func (i *Index) Warm() error {
	var walk func(*Folder) error
	walk = func(f *Folder) error {
		subs, err := f.Subfolders()
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(i.root)
}

// Search returns the entries whose full path matches pattern. See Match for
// the pattern syntax.
func (i *Index) Search(pattern string) (iter.Seq[Entry], error) {
	m, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return func(yield func(Entry) bool) {
		for e := range i.root.Walk(true) {
			if m.match(e.Path()) && !yield(e) {
				return
			}
		}
	}, nil
}

// SearchFiles is Search restricted to files.
func (i *Index) SearchFiles(pattern string) (iter.Seq[*File], error) {
	entries, err := i.Search(pattern)
	if err != nil {
		return nil, err
	}
	return func(yield func(*File) bool) {
		for e := range entries {
			if f, ok := e.(*File); ok && !yield(f) {
				return
			}
		}
	}, nil
}

// Archive returns the archive the index is attached to, or nil.
func (i *Index) Archive() *Archive {
	return i.archive.Load()
}

// attach records a as the owner of i. The first attachment wins.
func (i *Index) attach(a *Archive) {
	i.archive.CompareAndSwap(nil, a)
}

// resolver returns the attached archive, or an archive that can only serve
// loose files when the index was opened on its own.
func (i *Index) resolver() *Archive {
	if a := i.archive.Load(); a != nil {
		return a
	}
	return &Archive{index: i}
}
