package nexus

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Archive pairs an index with the stores that hold its content.
//
// File content is resolved in order from the primary block store, the shared
// core block store, and finally a loose file on disk at
// <dir of the index's parent>/<index base name>/<file path>.
type Archive struct {
	index   *Index
	primary *BlockStore
	core    *BlockStore
}

// NewArchive assembles an archive from containers the caller already opened.
// primary and core may be nil. The index is attached to the archive so that
// (*File).Open resolves through it.
func NewArchive(index *Index, primary, core *BlockStore) *Archive {
	a := &Archive{index: index, primary: primary, core: core}
	index.attach(a)
	return a
}

// OpenArchive opens the index and, when present, the block store that share
// name's base name: "Patch/ClientData" and "Patch/ClientData.index" both open
// Patch/ClientData.index and Patch/ClientData.archive. core may be nil.
func OpenArchive(name string, core *BlockStore, opts ...Option) (*Archive, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx, err := OpenIndex(base+".index", opts...)
	if err != nil {
		return nil, err
	}

	storePath := base + ".archive"
	var primary *BlockStore
	switch _, err := os.Stat(storePath); {
	case err == nil:
		primary, err = OpenBlockStore(storePath, opts...)
		if err != nil {
			_ = idx.Close() //nolint:errcheck // best-effort cleanup
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		newConfig(opts).log().Debug("archive has no block store", "index", idx.Name())
	default:
		_ = idx.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("open %s: %w", storePath, err)
	}
	return NewArchive(idx, primary, core), nil
}

// Index returns the archive's index.
func (a *Archive) Index() *Index { return a.index }

// Primary returns the archive's own block store, or nil.
func (a *Archive) Primary() *BlockStore { return a.primary }

// Core returns the shared core block store, or nil.
func (a *Archive) Core() *BlockStore { return a.core }

// HasPrimary reports whether the archive has its own block store.
func (a *Archive) HasPrimary() bool { return a.primary != nil }

// FindFile resolves p in the archive's index.
func (a *Archive) FindFile(p string) (*File, bool) {
	return a.index.FindFile(p)
}

// OpenFile returns the decompressed content of f. Loose files hold
// materialized content and are returned as stored.
func (a *Archive) OpenFile(f *File) (io.ReadCloser, error) {
	sec, err := a.openStored(f)
	if err != nil {
		return nil, err
	}
	if sec != nil {
		return Decompress(sec, f)
	}
	return a.openLoose(f)
}

// OpenFileRaw returns the stored content of f without decompression.
func (a *Archive) OpenFileRaw(f *File) (io.ReadCloser, error) {
	sec, err := a.openStored(f)
	if err != nil {
		return nil, err
	}
	if sec != nil {
		return io.NopCloser(sec), nil
	}
	return a.openLoose(f)
}

// openStored returns the block holding f's content, or nil when neither block
// store has it.
func (a *Archive) openStored(f *File) (*io.SectionReader, error) {
	hash := f.Hash()
	for _, store := range []*BlockStore{a.primary, a.core} {
		if store == nil {
			continue
		}
		sec, ok, err := store.OpenHash(hash[:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.path, err)
		}
		if ok {
			return sec, nil
		}
	}
	return nil, nil
}

// LoosePath returns where a loose copy of f is expected on disk.
func (a *Archive) LoosePath(f *File) (string, bool) {
	rel := filepath.FromSlash(f.Path())
	if !filepath.IsLocal(rel) {
		return "", false
	}
	name := a.index.Name()
	root := filepath.Dir(filepath.Dir(name))
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return filepath.Join(root, base, rel), true
}

func (a *Archive) openLoose(f *File) (io.ReadCloser, error) {
	p, ok := a.LoosePath(f)
	if !ok {
		return nil, fmt.Errorf("%s: %w", f.path, ErrContentNotFound)
	}
	file, err := os.Open(p) //nolint:gosec // path is confined below the archive root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", f.path, ErrContentNotFound)
		}
		return nil, err
	}
	a.index.log().Debug("serving loose file", "path", f.path, "file", p)
	return file, nil
}

// Close closes the index and the primary block store. The core block store is
// shared between archives and is left open.
func (a *Archive) Close() error {
	var errs []error
	if err := a.index.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.primary != nil {
		if err := a.primary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
