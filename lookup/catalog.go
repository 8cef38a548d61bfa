// Package lookup answers content queries for a patch distribution server.
//
// A Catalog loads every container below a data directory and indexes the
// content it can serve by SHA-1 hash in a Trie: block-store entries, the
// index files themselves, the launcher and any configured additional files.
// Handler exposes a Catalog over HTTP in the layout patch clients expect.
package lookup

import (
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is the content hash of the format
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/nexus"
)

// content is something a Catalog can open.
type content interface {
	open() (io.ReadCloser, int64, error)
}

type blockContent struct {
	store *nexus.BlockStore
	entry nexus.BlockEntry
}

func (b blockContent) open() (io.ReadCloser, int64, error) {
	sec, err := b.store.Open(b.entry)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(sec), sec.Size(), nil
}

type fileContent struct {
	path string
}

func (f fileContent) open() (io.ReadCloser, int64, error) {
	file, err := os.Open(f.path) //nolint:gosec // registered at load time
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close() //nolint:errcheck // best-effort cleanup
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Catalog is the set of content a distribution server can serve.
type Catalog struct {
	build   int
	indexes []*nexus.Index
	stores  []*nexus.BlockStore
	content Trie[content]
	names   map[string][]byte
	logger  *slog.Logger
	mmap    bool
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger for loading.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithMmap controls whether containers are memory-mapped. Default: true.
func WithMmap(enabled bool) Option {
	return func(c *Catalog) {
		c.mmap = enabled
	}
}

func (c *Catalog) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// LoadCatalog opens every container below cfg.DataDir and registers its
// content. Containers that fail to open are logged and skipped. Registration
// order is launcher, indexes, block-store entries, then additional files;
// when two registrations share a hash the later one wins.
func LoadCatalog(ctx context.Context, cfg *Config, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		build: cfg.Build,
		names: make(map[string][]byte),
		mmap:  true,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.scan(ctx, cfg.DataDir); err != nil {
		_ = c.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}

	if cfg.Launcher != nil && cfg.Launcher.Path != "" {
		err := c.addFile(cfg.resolve(cfg.Launcher.Path), cfg.Launcher.Alias)
		if errors.Is(err, fs.ErrNotExist) {
			c.log().Info("launcher not found, skipping", "path", cfg.Launcher.Path)
		} else if err != nil {
			_ = c.Close() //nolint:errcheck // best-effort cleanup
			return nil, err
		}
	}
	for _, idx := range c.indexes {
		hash, err := idx.FileHash()
		if err != nil {
			_ = c.Close() //nolint:errcheck // best-effort cleanup
			return nil, err
		}
		c.register(fileContent{path: idx.Name()}, hash[:], filepath.Base(idx.Name()))
	}
	for _, bs := range c.stores {
		for e := range bs.All() {
			c.content.Set(e.Hash[:], blockContent{store: bs, entry: e})
		}
	}
	for _, f := range cfg.AdditionalFiles {
		if err := c.addFile(cfg.resolve(f.Path), f.Alias); err != nil {
			_ = c.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("additional file %s: %w", f.Path, err)
		}
	}

	c.log().Info("catalog loaded", "build", c.build, "indexes", len(c.indexes),
		"archives", len(c.stores), "hashes", c.content.Len())
	return c, nil
}

func (c *Catalog) scan(ctx context.Context, dir string) error {
	openOpts := []nexus.Option{nexus.WithMmap(c.mmap), nexus.WithLogger(c.logger)}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".index":
			idx, err := nexus.OpenIndex(path, openOpts...)
			if err != nil {
				c.log().Warn("skipping index", "path", path, "error", err)
				return nil
			}
			if err := idx.Warm(); err != nil {
				c.log().Warn("skipping index", "path", path, "error", err)
				_ = idx.Close() //nolint:errcheck // best-effort cleanup
				return nil
			}
			c.log().Info("loaded index", "path", path)
			c.indexes = append(c.indexes, idx)
		case ".archive":
			bs, err := nexus.OpenBlockStore(path, openOpts...)
			if err != nil {
				c.log().Warn("skipping archive", "path", path, "error", err)
				return nil
			}
			c.log().Info("loaded archive", "path", path, "entries", bs.Len())
			c.stores = append(c.stores, bs)
		}
		return nil
	})
}

func (c *Catalog) addFile(path, alias string) error {
	f, err := os.Open(path) //nolint:gosec // configured by the operator
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read-only
	h := sha1.New()  //nolint:gosec // content hash
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	c.register(fileContent{path: path}, h.Sum(nil), filepath.Base(path), alias)
	return nil
}

func (c *Catalog) register(v content, hash []byte, names ...string) {
	c.content.Set(hash, v)
	for _, name := range names {
		if name != "" {
			c.names[strings.ToLower(name)] = hash
		}
	}
}

// Build returns the build the catalog serves.
func (c *Catalog) Build() int { return c.build }

// Len returns the number of distinct hashes the catalog serves.
func (c *Catalog) Len() int { return c.content.Len() }

// OpenHash opens the content registered under hash and returns its size.
// Block-store content is returned in its stored form.
func (c *Catalog) OpenHash(hash []byte) (io.ReadCloser, int64, bool, error) {
	if len(hash) != nexus.HashSize {
		return nil, 0, false, fmt.Errorf("%w: got %d bytes", nexus.ErrInvalidHashLength, len(hash))
	}
	v, ok := c.content.Find(hash)
	if !ok {
		return nil, 0, false, nil
	}
	rc, size, err := v.open()
	if err != nil {
		return nil, 0, false, err
	}
	return rc, size, true, nil
}

// FileHash returns the hash of a file registered by name: an index file name
// such as "ClientData.index", or the name or alias of the launcher or an
// additional file. Names compare case-insensitively.
func (c *Catalog) FileHash(name string) ([]byte, bool) {
	h, ok := c.names[strings.ToLower(name)]
	return h, ok
}

// Close closes every loaded container.
func (c *Catalog) Close() error {
	var errs []error
	for _, idx := range c.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, bs := range c.stores {
		if err := bs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
