package nexus

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/nexus/internal/format"
	"github.com/meigma/nexus/internal/testutil"
)

func TestOpenLayouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		version uint8
		mmap    bool
	}{
		{name: "current mmap", version: format.HeaderVersionCurrent, mmap: true},
		{name: "current file", version: format.HeaderVersionCurrent, mmap: false},
		{name: "legacy mmap", version: format.HeaderVersionLegacy, mmap: true},
		{name: "legacy file", version: format.HeaderVersionLegacy, mmap: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeIndex(t, treeFix, testutil.Options{HeaderVersion: tt.version, Build: 16042})

			c, err := Open(path, WithMmap(tt.mmap))
			require.NoError(t, err)
			defer c.Close()

			idx, ok := c.(*Index)
			require.True(t, ok, "Open returned %T", c)
			assert.Equal(t, path, idx.Name())
			assert.Equal(t, TypeIndex, idx.Descriptor().Type)
			assert.Equal(t, tt.version, idx.Header().Version)
			assert.Equal(t, 16042, idx.BuildNumber())
			assert.Equal(t, tt.version == format.HeaderVersionCurrent, idx.Header().Data.HasRootIndex())

			f, ok := idx.FindFile("Art/Sound/a.wem")
			require.True(t, ok)
			assert.Equal(t, int64(len(sound)), f.Size())
		})
	}
}

func TestOpenBlockStoreType(t *testing.T) {
	t.Parallel()

	path := testutil.WriteFile(t, t.TempDir(), "x.archive", testutil.BuildBlockStore(t, treeFix, testutil.Options{}))
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()
	_, ok := c.(*BlockStore)
	assert.True(t, ok)

	_, err = OpenIndex(path)
	assert.ErrorIs(t, err, ErrNotIndex)

	_, err = OpenBlockStore(writeIndex(t, treeFix, testutil.Options{}))
	assert.ErrorIs(t, err, ErrNotBlockStore)
}

func TestOpenCorrupt(t *testing.T) {
	t.Parallel()

	good := testutil.BuildIndex(t, treeFix, testutil.Options{})

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "KCAP")

	truncated := good[:len(good)-format.BlockPointerSize]

	guard := append([]byte(nil), good...)
	binary.LittleEndian.PutUint64(guard[format.DataHeaderOffset+40:], 1)

	// The root descriptor is the first block, right after the header.
	unknownTag := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(unknownTag[format.HeaderSize:], 0x12345678)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "bad magic", data: badMagic, wantErr: ErrCorruptHeader},
		{name: "truncated table", data: truncated, wantErr: ErrCorruptHeader},
		{name: "seek guard", data: guard, wantErr: ErrCorruptHeader},
		{name: "too short", data: good[:100], wantErr: ErrCorruptHeader},
		{name: "unknown type", data: unknownTag, wantErr: ErrUnknownArchiveType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := testutil.WriteFile(t, t.TempDir(), "bad.index", tt.data)
			c, err := Open(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), path)
			assert.Nil(t, c)
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "nope.index"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenBlockBounds(t *testing.T) {
	t.Parallel()

	idx := openTestIndex(t, treeFix, testutil.Options{})
	assert.Positive(t, idx.BlockCount())

	_, ok := idx.Block(idx.BlockCount())
	assert.False(t, ok)

	_, err := idx.OpenBlock(-1)
	assert.ErrorIs(t, err, ErrMissingBlock)

	sec, err := idx.OpenBlock(int(idx.Descriptor().BlockIndex))
	require.NoError(t, err)
	assert.Positive(t, sec.Size())
}

func TestOpenLegacyScanSkipsContentBlocks(t *testing.T) {
	t.Parallel()

	// A 16-byte content block precedes the root descriptor, which legacy
	// writers place last.
	content := []byte("sixteen bytes!!!")
	require.Len(t, content, format.RootDescriptorSize)
	files := []testutil.File{{Path: "a.bin", Content: content}}
	data := testutil.BuildBlockStore(t, files, testutil.Options{HeaderVersion: format.HeaderVersionLegacy, LegacyRoot: true})
	path := testutil.WriteFile(t, t.TempDir(), "legacy.archive", data)

	bs, err := OpenBlockStore(path)
	require.NoError(t, err)
	defer bs.Close()
	assert.Equal(t, TypeBlockStore, bs.Descriptor().Type)

	h := testutil.Hash(content)
	sec, ok, err := bs.OpenHash(h[:])
	require.NoError(t, err)
	require.True(t, ok)
	got := make([]byte, sec.Size())
	_, err = sec.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
