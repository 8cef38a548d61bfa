package nexus

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/nexus/internal/testutil"
)

var (
	readme  = []byte("read me first\n")
	icon    = bytes.Repeat([]byte("icon pixels "), 200)
	big     = bytes.Repeat([]byte("0123456789abcdef"), 1024)
	sound   = []byte("RIFF....WAVE")
	treeFix = []testutil.File{
		{Path: "readme.txt", Content: readme},
		{Path: "Art/UI/icon.tex", Content: icon, Flags: FlagCompressedDeflate},
		{Path: "Art/UI/Big.bin", Content: big, Flags: FlagCompressedLzma},
		{Path: "Art/Sound/a.wem", Content: sound},
		{Path: "Empty/"},
	}
)

func writeIndex(t *testing.T, files []testutil.File, opts testutil.Options) string {
	t.Helper()
	return testutil.WriteFile(t, t.TempDir(), "Test.index", testutil.BuildIndex(t, files, opts))
}

func openTestIndex(t *testing.T, files []testutil.File, opts testutil.Options) *Index {
	t.Helper()
	idx, err := OpenIndex(writeIndex(t, files, opts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func openTestStore(t *testing.T, files []testutil.File, opts testutil.Options) *BlockStore {
	t.Helper()
	path := testutil.WriteFile(t, t.TempDir(), "Test.archive", testutil.BuildBlockStore(t, files, opts))
	bs, err := OpenBlockStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

// writeTestArchive lays out <tmp>/Patch/<name>.index and .archive.
func writeTestArchive(t *testing.T, name string, files []testutil.File) string {
	t.Helper()
	return testutil.WriteArchive(t, filepath.Join(t.TempDir(), "Patch"), name, files, testutil.Options{Build: 42})
}
