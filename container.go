package nexus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/nexus/internal/format"
	"github.com/meigma/nexus/internal/sizing"
	"github.com/meigma/nexus/internal/view"
)

// Re-export on-disk types from internal/format for the public API.
type (
	// Header is the fixed container header.
	Header = format.Header

	// DataHeader locates the block table and the root block.
	DataHeader = format.DataHeader

	// BlockPointer addresses one block of a container.
	BlockPointer = format.BlockPointer

	// RootDescriptor identifies the container kind and its top-level block.
	RootDescriptor = format.RootDescriptor

	// ArchiveType is the root descriptor tag.
	ArchiveType = format.ArchiveType

	// Flags is the file record flag set.
	Flags = format.Flags
)

// Re-export format constants.
const (
	TypeIndex      = format.TypeIndex
	TypeBlockStore = format.TypeBlockStore

	FlagFile              = format.FlagFile
	FlagCompressedDeflate = format.FlagCompressedDeflate
	FlagCompressedLzma    = format.FlagCompressedLzma

	// HashSize is the length of a content hash.
	HashSize = format.HashSize
)

// Container is an opened container file: either an *Index or a *BlockStore.
//
//	switch c := c.(type) {
//	case *nexus.Index:
//	case *nexus.BlockStore:
//	}
type Container interface {
	// Name returns the path the container was opened from.
	Name() string

	// Descriptor returns the decoded root descriptor.
	Descriptor() RootDescriptor

	// Close releases the backing view. Readers obtained from the container
	// must not be used afterwards.
	Close() error

	base() *containerFile
}

// Interface compliance.
var (
	_ Container = (*Index)(nil)
	_ Container = (*BlockStore)(nil)
)

// Option configures how containers are opened.
type Option func(*config)

type config struct {
	mmap   bool
	logger *slog.Logger
}

// WithMmap selects a memory-mapped view (the default) or positioned reads on
// a plain file handle.
func WithMmap(enabled bool) Option {
	return func(c *config) {
		c.mmap = enabled
	}
}

// WithLogger sets the logger used while parsing containers.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) *config {
	c := &config{mmap: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Open opens a container file and returns an *Index or a *BlockStore
// depending on its root descriptor.
//
// Errors wrap ErrCorruptHeader, ErrUnknownArchiveType or the underlying I/O
// error, and always name the path. On error the file is closed and no
// container is returned.
func Open(path string, opts ...Option) (Container, error) {
	cfg := newConfig(opts)
	src, err := view.Open(path, view.WithMmap(cfg.mmap))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c, err := openSource(src, cfg)
	if err != nil {
		_ = src.Close() //nolint:errcheck // the parse error is the one worth reporting
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	cfg.log().Debug("opened container", "path", path, "type", c.Descriptor().Type, "blocks", c.base().BlockCount())
	return c, nil
}

// OpenIndex opens path and requires it to be an index container.
func OpenIndex(path string, opts ...Option) (*Index, error) {
	c, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	idx, ok := c.(*Index)
	if !ok {
		_ = c.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("open %s: %w", path, ErrNotIndex)
	}
	return idx, nil
}

// OpenBlockStore opens path and requires it to be an archive container.
func OpenBlockStore(path string, opts ...Option) (*BlockStore, error) {
	c, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	bs, ok := c.(*BlockStore)
	if !ok {
		_ = c.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("open %s: %w", path, ErrNotBlockStore)
	}
	return bs, nil
}

func openSource(src view.Source, cfg *config) (Container, error) {
	base, err := readContainer(src, cfg.log())
	if err != nil {
		return nil, err
	}
	switch base.root.Type {
	case format.TypeIndex:
		return newIndex(base)
	case format.TypeBlockStore:
		return newBlockStore(base)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownArchiveType, base.root.Type)
	}
}

// containerFile holds what every container shares: the view, the header,
// the block table and the root descriptor. It is immutable after readContainer.
type containerFile struct {
	src    view.Source
	header Header
	blocks []BlockPointer
	root   RootDescriptor
	logger *slog.Logger
}

func readContainer(src view.Source, logger *slog.Logger) (*containerFile, error) {
	size := uint64(src.Size()) //nolint:gosec // Size is never negative
	hdr := make([]byte, min(uint64(format.HeaderSize), size))
	if err := view.ReadFull(src, hdr, 0); err != nil {
		return nil, err
	}
	header, err := format.ParseHeader(hdr)
	if err != nil {
		return nil, err
	}

	count := uint64(header.Data.BlockCount) //nolint:gosec // validated non-negative
	tableSize, ok := sizing.MulUint64(count, format.BlockPointerSize)
	if !ok || !sizing.Within(header.Data.BlockTableOffset, tableSize, size) {
		return nil, fmt.Errorf("%w: block table (%d blocks at %d) exceeds file size %d",
			ErrCorruptHeader, count, header.Data.BlockTableOffset, size)
	}
	table := make([]byte, tableSize)
	if err := view.ReadFull(src, table, header.Data.BlockTableOffset); err != nil {
		return nil, err
	}

	c := &containerFile{
		src:    src,
		header: header,
		blocks: format.ParseBlockTable(table),
		logger: logger,
	}

	rootIndex := int(header.Data.RootBlockIndex)
	if !header.Data.HasRootIndex() {
		idx, found := format.ScanForRoot(c.blocks)
		if !found {
			return nil, fmt.Errorf("%w: no root descriptor block", ErrCorruptHeader)
		}
		logger.Debug("root block located by table scan", "path", src.Name(), "block", idx)
		rootIndex = idx
	}
	rootData, err := c.readBlock(rootIndex)
	if err != nil {
		return nil, err
	}
	c.root, err = format.ParseRootDescriptor(rootData)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *containerFile) base() *containerFile { return c }

// Name returns the path the container was opened from.
func (c *containerFile) Name() string {
	return c.src.Name()
}

// Header returns the decoded container header.
func (c *containerFile) Header() Header {
	return c.header
}

// Descriptor returns the decoded root descriptor.
func (c *containerFile) Descriptor() RootDescriptor {
	return c.root
}

// BlockCount returns the number of entries in the block table.
func (c *containerFile) BlockCount() int {
	return len(c.blocks)
}

// Block returns the block table entry at i.
func (c *containerFile) Block(i int) (BlockPointer, bool) {
	if i < 0 || i >= len(c.blocks) {
		return BlockPointer{}, false
	}
	return c.blocks[i], true
}

// OpenBlock returns a reader over block i.
func (c *containerFile) OpenBlock(i int) (*io.SectionReader, error) {
	p, ok := c.Block(i)
	if !ok || !p.Present() {
		return nil, fmt.Errorf("%w: block %d", ErrMissingBlock, i)
	}
	sec, err := view.Section(c.src, p.Offset, p.Size)
	if err != nil {
		if errors.Is(err, view.ErrOutOfRange) {
			return nil, fmt.Errorf("%w: block %d: %w", ErrCorruptHeader, i, err)
		}
		return nil, err
	}
	return sec, nil
}

// readBlock reads block i fully into memory.
func (c *containerFile) readBlock(i int) ([]byte, error) {
	sec, err := c.OpenBlock(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sec.Size())
	if _, err := io.ReadFull(sec, buf); err != nil {
		return nil, fmt.Errorf("read block %d: %w", i, err)
	}
	return buf, nil
}

// Close releases the backing view.
func (c *containerFile) Close() error {
	return c.src.Close()
}
