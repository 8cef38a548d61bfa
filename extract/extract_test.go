package extract

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/testutil"
)

var (
	clientFiles = []testutil.File{
		{Path: "readme.txt", Content: []byte("read me\n")},
		{Path: "Art/UI/icon.tex", Content: bytes.Repeat([]byte("icon "), 400), Flags: nexus.FlagCompressedDeflate},
		{Path: "Art/UI/Big.bin", Content: bytes.Repeat([]byte("0123456789"), 2000), Flags: nexus.FlagCompressedLzma},
		{Path: "Art/Sound/a.wem", Content: []byte("RIFF....WAVE")},
		{Path: "Art/core.bin", Content: []byte("shared between archives")},
		{Path: "Empty/"},
	}
	localeFiles = []testutil.File{
		{Path: "Localization/en.txt", Content: []byte("hello")},
	}
)

func totalBytes(sets ...[]testutil.File) int64 {
	var n int64
	for _, files := range sets {
		for _, f := range files {
			n += int64(len(f.Content))
		}
	}
	return n
}

// writePatchDir lays out a patch directory whose ClientData archive relies
// on CoreData.archive for Art/core.bin.
func writePatchDir(t *testing.T) string {
	t.Helper()
	patchDir := filepath.Join(t.TempDir(), "Patch")
	opts := testutil.Options{Build: 9}

	testutil.WriteFile(t, patchDir, "ClientData.index", testutil.BuildIndex(t, clientFiles, opts))
	var primary, core []testutil.File
	for _, f := range clientFiles {
		if f.Path == "Art/core.bin" {
			core = append(core, f)
		} else {
			primary = append(primary, f)
		}
	}
	testutil.WriteFile(t, patchDir, "ClientData.archive", testutil.BuildBlockStore(t, primary, opts))
	testutil.WriteFile(t, patchDir, CoreDataName, testutil.BuildBlockStore(t, core, opts))

	testutil.WriteArchive(t, patchDir, "ClientDataEN", localeFiles, opts)

	// An index without a block store of its own is not extracted.
	testutil.WriteFile(t, patchDir, "Orphan.index", testutil.BuildIndex(t, localeFiles, opts))
	return patchDir
}

func dataTargets(t *testing.T, patchDir, outDir string) []Target {
	t.Helper()
	targets, closeFn, err := DataTargets(patchDir, outDir)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, closeFn()) })
	return targets
}

func TestRunExtractsTree(t *testing.T) {
	t.Parallel()

	want := Result{
		Archives: 2,
		Folders:  7,
		Files:    6,
		Bytes:    totalBytes(clientFiles, localeFiles),
	}

	for _, parallelism := range []int{1, 4, 64} {
		t.Run("parallelism "+strconv.Itoa(parallelism), func(t *testing.T) {
			t.Parallel()

			patchDir := writePatchDir(t)
			outDir := filepath.Join(t.TempDir(), "Data")
			targets := dataTargets(t, patchDir, outDir)
			require.Len(t, targets, 2)

			var seen atomic.Int32
			res, err := New(
				WithParallelism(parallelism),
				WithOpenFiles(2),
				WithOnFile(func(*nexus.File, string) { seen.Add(1) }),
			).Run(context.Background(), targets)
			require.NoError(t, err)
			assert.Equal(t, want, res)
			assert.Equal(t, int32(6), seen.Load())
			assert.Equal(t, "2 archives, 7 folders, 6 files", res.String())

			for _, f := range append(append([]testutil.File{}, clientFiles...), localeFiles...) {
				p := filepath.Join(outDir, filepath.FromSlash(f.Path))
				if f.Content == nil {
					assert.DirExists(t, p)
					continue
				}
				got, err := os.ReadFile(p)
				require.NoError(t, err, f.Path)
				assert.Equal(t, f.Content, got, f.Path)

				info, err := os.Stat(p)
				require.NoError(t, err)
				assert.True(t, info.ModTime().Equal(testutil.DefaultModTime), f.Path)
			}
		})
	}
}

func TestDataTargetsDefaultOutDir(t *testing.T) {
	t.Parallel()

	patchDir := writePatchDir(t)
	targets := dataTargets(t, patchDir, "")
	require.Len(t, targets, 2)
	for _, tg := range targets {
		assert.Equal(t, filepath.Join(patchDir, "..", "Data"), tg.OutDir)
		assert.NotNil(t, tg.Archive.Core())
	}
}

func TestRunWithoutOverwrite(t *testing.T) {
	t.Parallel()

	patchDir := writePatchDir(t)
	outDir := t.TempDir()
	testutil.WriteFile(t, outDir, "readme.txt", []byte("keep me"))

	res, err := New(WithOverwrite(false)).Run(context.Background(), dataTargets(t, patchDir, outDir))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Files)
	assert.Equal(t, 1, res.Skipped)

	got, err := os.ReadFile(filepath.Join(outDir, "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))
}

func TestRunRaw(t *testing.T) {
	t.Parallel()

	patchDir := writePatchDir(t)
	outDir := t.TempDir()
	_, err := New(WithDecompress(false)).Run(context.Background(), dataTargets(t, patchDir, outDir))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(outDir, "Art", "UI", "icon.tex"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Encode(t, clientFiles[1].Content, clientFiles[1].Flags), got)
}

func TestRunCollectsFileErrors(t *testing.T) {
	t.Parallel()

	// Without CoreData.archive, Art/core.bin has no content anywhere.
	patchDir := writePatchDir(t)
	require.NoError(t, os.Remove(filepath.Join(patchDir, CoreDataName)))
	outDir := t.TempDir()

	res, err := New(WithParallelism(8)).Run(context.Background(), dataTargets(t, patchDir, outDir))
	require.Error(t, err)
	assert.ErrorIs(t, err, nexus.ErrContentNotFound)
	assert.Equal(t, 5, res.Files)
	assert.Equal(t, 7, res.Folders)
	assert.NoFileExists(t, filepath.Join(outDir, "Art", "core.bin"))
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	patchDir := writePatchDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Run(ctx, dataTargets(t, patchDir, t.TempDir()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestResultString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1 archive, 1 folder, 1 file", Result{Archives: 1, Folders: 1, Files: 1}.String())
	assert.Equal(t, "0 archives, 2 folders, 0 files", Result{Folders: 2}.String())
}
