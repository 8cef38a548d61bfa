package patch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/testutil"
)

func TestRunPatchesFolder(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	src := newMemSource(t, fixture)
	dir := t.TempDir()
	w, err := NewFolderWriter(dir, nil)
	require.NoError(t, err)

	p := NewPatcher(src, w, WithBackOff(noWait))
	stats, err := p.Run(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Files:   3,
		Patched: 3,
		Bytes:   int64(len(plain) + len(packed) + len(squeezd)),
	}, stats)

	for _, f := range fixture {
		if f.Content == nil {
			continue
		}
		got, err := os.ReadFile(targetPath(dir, f.Path))
		require.NoError(t, err)
		assert.Equal(t, f.Content, got, f.Path)

		info, err := os.Stat(targetPath(dir, f.Path))
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(testutil.DefaultModTime), f.Path)
	}

	// A second run finds everything in place and downloads nothing.
	fetched := src.totalFetches()
	stats, err = p.Run(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 3, Skipped: 3}, stats)
	assert.Equal(t, fetched, src.totalFetches())
}

func TestRunRepairsModifiedFile(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	src := newMemSource(t, fixture)
	dir := t.TempDir()
	w, err := NewFolderWriter(dir, nil)
	require.NoError(t, err)
	p := NewPatcher(src, w, WithBackOff(noWait))

	_, err = p.Run(context.Background(), idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(targetPath(dir, "readme.txt"), []byte("tampered\n"), 0o600))

	stats, err := p.Run(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Patched)
	assert.Equal(t, 2, stats.Skipped)

	got, err := os.ReadFile(targetPath(dir, "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestPatchFileRetriesDownload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{name: "succeeds on last try", failures: 4},
		{name: "gives up after five tries", failures: 5, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			idx := openIndex(t, fixture)
			f, ok := idx.FindFile("readme.txt")
			require.True(t, ok)

			src := newMemSource(t, fixture)
			src.failNext(plain, tt.failures)
			w, err := NewFolderWriter(t.TempDir(), nil)
			require.NoError(t, err)

			patched, err := NewPatcher(src, w, WithBackOff(noWait)).PatchFile(context.Background(), 7, f)
			assert.Equal(t, 5, src.fetchesOf(plain))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, patched)
				return
			}

			require.Error(t, err)
			assert.False(t, patched)
			assert.ErrorIs(t, err, ErrFetchFailed)
			assert.ErrorIs(t, err, errFlaky)

			var re *RetryError
			require.ErrorAs(t, err, &re)
			assert.Len(t, re.Attempts, 5)
			assert.Equal(t, "readme.txt", re.Path)
			assert.Equal(t, f.HexHash(), re.Hash)
		})
	}
}

// flakyWriter fails the first n appends after reading their whole input.
type flakyWriter struct {
	*FolderWriter
	mu     sync.Mutex
	n      int
	inputs [][]byte
}

var errDiskFull = errors.New("disk full")

func (w *flakyWriter) Append(ctx context.Context, r io.Reader, f *nexus.File, progress ProgressFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.inputs = append(w.inputs, data)
	fail := w.n > 0
	w.n--
	w.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return w.FolderWriter.Append(ctx, bytes.NewReader(data), f, progress)
}

func TestPatchFileRetriesWriteFromStart(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	f, ok := idx.FindFile("Art/tex.dds")
	require.True(t, ok)

	fw, err := NewFolderWriter(t.TempDir(), nil)
	require.NoError(t, err)
	w := &flakyWriter{FolderWriter: fw, n: 2}
	src := newMemSource(t, fixture)

	patched, err := NewPatcher(src, w, WithBackOff(noWait)).PatchFile(context.Background(), 7, f)
	require.NoError(t, err)
	assert.True(t, patched)
	assert.Equal(t, 1, src.fetchesOf(packed))

	stored := testutil.Encode(t, packed, nexus.FlagCompressedDeflate)
	require.Len(t, w.inputs, 3)
	for _, in := range w.inputs {
		assert.Equal(t, stored, in)
	}
}

func TestPatchFileWriteExhausted(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	f, ok := idx.FindFile("readme.txt")
	require.True(t, ok)

	fw, err := NewFolderWriter(t.TempDir(), nil)
	require.NoError(t, err)
	w := &flakyWriter{FolderWriter: fw, n: 10}

	_, err = NewPatcher(newMemSource(t, fixture), w, WithBackOff(noWait), WithMaxTries(3)).
		PatchFile(context.Background(), 7, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, errDiskFull)
	assert.NotErrorIs(t, err, ErrFetchFailed)
	assert.Len(t, w.inputs, 3)
}

func TestPatchFileHashMismatch(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	f, ok := idx.FindFile("readme.txt")
	require.True(t, ok)

	src := newMemSource(t, fixture)
	src.content[f.HexHash()] = []byte("hello PATCH\n")

	dir := t.TempDir()
	w, err := NewFolderWriter(dir, nil)
	require.NoError(t, err)

	_, err = NewPatcher(src, w, WithBackOff(noWait)).PatchFile(context.Background(), 7, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, targetPath(dir, "readme.txt"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be cleaned up")
}

func TestPatchFileSkipsCoreContent(t *testing.T) {
	t.Parallel()

	core := testutil.WriteFile(t, t.TempDir(), "CoreData.archive",
		testutil.BuildBlockStore(t, fixture[:1], testutil.Options{}))
	bs, err := nexus.OpenBlockStore(core)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	idx := openIndex(t, fixture)
	src := newMemSource(t, fixture)
	dir := t.TempDir()
	w, err := NewFolderWriter(dir, bs)
	require.NoError(t, err)

	stats, err := NewPatcher(src, w, WithBackOff(noWait)).Run(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Patched)
	assert.Zero(t, src.fetchesOf(plain))
	assert.NoFileExists(t, targetPath(dir, "readme.txt"))
}

func TestRunCollectsFailures(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	src := newMemSource(t, fixture)
	src.failNext(packed, 100)
	w, err := NewFolderWriter(t.TempDir(), nil)
	require.NoError(t, err)

	stats, err := NewPatcher(src, w, WithBackOff(noWait)).Run(context.Background(), idx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Patched)
}

// serialWriter records the highest number of concurrent Append calls.
type serialWriter struct {
	threadSafe bool
	active     atomic.Int32
	peak       atomic.Int32
	gate       chan struct{}
}

func (w *serialWriter) Exists(context.Context, *nexus.File) (bool, error) { return false, nil }

func (w *serialWriter) Append(_ context.Context, r io.Reader, _ *nexus.File, _ ProgressFunc) error {
	n := w.active.Add(1)
	defer w.active.Add(-1)
	for {
		peak := w.peak.Load()
		if n <= peak || w.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if w.gate != nil {
		<-w.gate
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

func (w *serialWriter) ThreadSafe() bool { return w.threadSafe }

func TestRunHonoursWriterThreadSafety(t *testing.T) {
	t.Parallel()

	var files []testutil.File
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files = append(files, testutil.File{Path: name + ".txt", Content: []byte("content of " + name)})
	}
	idx := openIndex(t, files)

	t.Run("sequential", func(t *testing.T) {
		t.Parallel()
		w := &serialWriter{}
		stats, err := NewPatcher(newMemSource(t, files), w, WithBackOff(noWait)).Run(context.Background(), idx)
		require.NoError(t, err)
		assert.Equal(t, 8, stats.Patched)
		assert.Equal(t, int32(1), w.peak.Load())
	})

	t.Run("parallel", func(t *testing.T) {
		t.Parallel()
		w := &serialWriter{threadSafe: true, gate: make(chan struct{})}
		go func() {
			// Release writers only once the limit is reached.
			for w.active.Load() < 4 {
				runtime.Gosched()
			}
			close(w.gate)
		}()
		stats, err := NewPatcher(newMemSource(t, files), w, WithBackOff(noWait)).Run(context.Background(), idx)
		require.NoError(t, err)
		assert.Equal(t, 8, stats.Patched)
		assert.Equal(t, int32(4), w.peak.Load())
	})
}

func TestRunStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	src := newMemSource(t, fixture)
	w, err := NewFolderWriter(t.TempDir(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := NewPatcher(src, w).Run(ctx, idx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Patched)
	assert.Zero(t, src.totalFetches())
}

func TestPatchFileReportsProgress(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, fixture)
	f, ok := idx.FindFile("Art/Models/m.m3")
	require.True(t, ok)

	var (
		mu     sync.Mutex
		events []Progress
	)
	record := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
	}
	w, err := NewFolderWriter(t.TempDir(), nil, WithBufferSize(1024))
	require.NoError(t, err)

	_, err = NewPatcher(newMemSource(t, fixture), w, WithProgress(record)).PatchFile(context.Background(), 7, f)
	require.NoError(t, err)

	require.Greater(t, len(events), 2)
	assert.Equal(t, Progress{File: f, Total: f.Size()}, events[0])
	last := events[len(events)-1]
	assert.True(t, last.Done())
	assert.Equal(t, f.Size(), last.Written)
	for i := 2; i < len(events); i++ {
		assert.Greater(t, events[i].Written, events[i-1].Written)
	}
}

func TestRetryError(t *testing.T) {
	t.Parallel()

	err := &RetryError{
		Path:     "a/b.txt",
		Hash:     "00",
		Op:       ErrFetchFailed,
		Attempts: []error{errFlaky, io.ErrUnexpectedEOF},
	}
	assert.Equal(t, "patch: fetch failed after 2 attempts on a/b.txt: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, errFlaky)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDefaultTarget(t *testing.T) {
	t.Parallel()
	assert.Equal(t, targetPath("/games/WildStar", "ClientData"),
		DefaultTarget(targetPath("/games/WildStar", "Patch/ClientData.index")))
}

func TestRateTrackerSeesEveryFileFinish(t *testing.T) {
	t.Parallel()

	files := append([]testutil.File{{Path: "Misc/none.dat", Content: []byte{}}}, fixture...)
	idx := openIndex(t, files)
	w, err := NewFolderWriter(t.TempDir(), nil)
	require.NoError(t, err)

	rates := NewRateTracker()
	var (
		mu       sync.Mutex
		finished = make(map[string]int)
		skipped  = make(map[string]int)
	)
	record := func(p Progress) {
		rates.Observe(p)
		if !p.Done() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		finished[p.File.Path()]++
		if p.Skipped {
			skipped[p.File.Path()]++
		}
	}
	p := NewPatcher(newMemSource(t, files), w, WithBackOff(noWait), WithProgress(record))

	stats, err := p.Run(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Patched)
	assert.Zero(t, rates.Active())
	assert.Len(t, finished, 4)
	assert.Empty(t, skipped)

	// Up-to-date files still complete.
	stats, err = p.Run(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Skipped)
	assert.Zero(t, rates.Active())
	assert.Len(t, skipped, 4)
}

func TestRateTrackerForgetsSkippedAndEmptyFiles(t *testing.T) {
	t.Parallel()

	idx := openIndex(t, append([]testutil.File{{Path: "zero.bin", Content: []byte{}}}, fixture...))
	rt := NewRateTracker()

	f, ok := idx.FindFile("readme.txt")
	require.True(t, ok)
	rt.Observe(Progress{File: f, Total: f.Size()})
	assert.Equal(t, 1, rt.Active())
	rt.Observe(Progress{File: f, Written: f.Size(), Total: f.Size(), Skipped: true})
	assert.Zero(t, rt.Active())

	empty, ok := idx.FindFile("zero.bin")
	require.True(t, ok)
	rt.Observe(Progress{File: empty})
	rt.Observe(Progress{File: empty, Written: 0, Total: 0})
	assert.Zero(t, rt.Active())
}
