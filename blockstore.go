package nexus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/meigma/nexus/internal/format"
)

// BlockEntry maps a content hash to the block that stores it.
type BlockEntry = format.BlockStoreRecord

// BlockStore is an archive container: content blocks addressed by the SHA-1
// of their uncompressed content.
type BlockStore struct {
	*containerFile

	entries []BlockEntry
}

func newBlockStore(base *containerFile) (*BlockStore, error) {
	data, err := base.readBlock(int(base.root.BlockIndex))
	if err != nil {
		return nil, err
	}
	count := len(data) / format.BlockStoreRecordSize
	if base.root.HasCount() {
		count = int(base.root.Count)
	}
	entries, err := format.ParseBlockStoreRecords(data, count)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(entries, compareEntries)
	deduped := slices.CompactFunc(entries, func(a, b BlockEntry) bool {
		if a.Hash != b.Hash {
			return false
		}
		// CompactFunc passes the later element first and keeps the earliest.
		base.logger.Debug("dropping duplicate block-store hash", "path", base.Name(),
			"hash", hex.EncodeToString(a.Hash[:]), "block", a.BlockIndex)
		return true
	})
	return &BlockStore{containerFile: base, entries: deduped}, nil
}

func compareEntries(a, b BlockEntry) int {
	return bytes.Compare(a.Hash[:], b.Hash[:])
}

// Len returns the number of distinct hashes in the store.
func (s *BlockStore) Len() int {
	return len(s.entries)
}

// Lookup finds the entry for hash by binary search.
// It returns ErrInvalidHashLength when hash is not HashSize bytes long.
func (s *BlockStore) Lookup(hash []byte) (BlockEntry, bool, error) {
	if len(hash) != HashSize {
		return BlockEntry{}, false, fmt.Errorf("%w: got %d bytes", ErrInvalidHashLength, len(hash))
	}
	i, found := slices.BinarySearchFunc(s.entries, hash, func(e BlockEntry, h []byte) int {
		return bytes.Compare(e.Hash[:], h)
	})
	if !found {
		return BlockEntry{}, false, nil
	}
	return s.entries[i], true, nil
}

// Contains reports whether the store holds content for hash.
func (s *BlockStore) Contains(hash [HashSize]byte) bool {
	_, ok, _ := s.Lookup(hash[:]) //nolint:errcheck // length is fixed
	return ok
}

// Entries returns a copy of the entries in ascending hash order.
func (s *BlockStore) Entries() []BlockEntry {
	return slices.Clone(s.entries)
}

// All iterates the entries in ascending hash order.
func (s *BlockStore) All() iter.Seq[BlockEntry] {
	return slices.Values(s.entries)
}

// Open returns a reader over the block holding e's content.
func (s *BlockStore) Open(e BlockEntry) (*io.SectionReader, error) {
	return s.OpenBlock(int(e.BlockIndex))
}

// OpenHash looks up hash and opens its block. It reports false with a nil
// error when the store does not hold hash.
func (s *BlockStore) OpenHash(hash []byte) (*io.SectionReader, bool, error) {
	e, ok, err := s.Lookup(hash)
	if err != nil || !ok {
		return nil, false, err
	}
	r, err := s.Open(e)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}
