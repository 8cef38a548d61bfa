package patch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/testutil"
)

var (
	plain   = []byte("hello patch\n")
	packed  = bytes.Repeat([]byte("deflated texture "), 300)
	squeezd = bytes.Repeat([]byte("lzma model data "), 512)
	fixture = []testutil.File{
		{Path: "readme.txt", Content: plain},
		{Path: "Art/tex.dds", Content: packed, Flags: nexus.FlagCompressedDeflate},
		{Path: "Art/Models/m.m3", Content: squeezd, Flags: nexus.FlagCompressedLzma},
		{Path: "Empty/"},
	}
)

func openIndex(t *testing.T, files []testutil.File) *nexus.Index {
	t.Helper()
	path := testutil.WriteFile(t, t.TempDir(), "ClientData.index",
		testutil.BuildIndex(t, files, testutil.Options{Build: 7}))
	idx, err := nexus.OpenIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

// memSource serves stored content from memory. failures[hex] makes the next
// n downloads of that hash fail; corrupt[hex] makes them return garbage.
type memSource struct {
	mu       sync.Mutex
	content  map[string][]byte
	failures map[string]int
	corrupt  map[string]int
	fetches  map[string]int
}

func newMemSource(t *testing.T, files []testutil.File) *memSource {
	t.Helper()
	s := &memSource{
		content:  make(map[string][]byte),
		failures: make(map[string]int),
		corrupt:  make(map[string]int),
		fetches:  make(map[string]int),
	}
	for _, f := range files {
		if f.Content == nil {
			continue
		}
		h := testutil.Hash(f.Content)
		s.content[hex.EncodeToString(h[:])] = testutil.Encode(t, f.Content, f.Flags)
	}
	return s
}

var errFlaky = errors.New("flaky download")

func (s *memSource) ServerBuild(context.Context) (int, error) { return 7, nil }

func (s *memSource) FileHash(context.Context, int, string) ([]byte, error) {
	return nil, ErrNotFound
}

func (s *memSource) DownloadHash(_ context.Context, _ int, hash []byte) (io.ReadCloser, error) {
	key := hex.EncodeToString(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[key]++
	if s.failures[key] > 0 {
		s.failures[key]--
		return nil, errFlaky
	}
	data, ok := s.content[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.corrupt[key] > 0 {
		s.corrupt[key]--
		data = bytes.Clone(data)
		data[len(data)-1] ^= 0xff
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memSource) DownloadFile(ctx context.Context, build int, name string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

func (s *memSource) totalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.fetches {
		n += c
	}
	return n
}

func (s *memSource) fetchesOf(content []byte) int {
	h := testutil.Hash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[hex.EncodeToString(h[:])]
}

func (s *memSource) failNext(content []byte, n int) {
	h := testutil.Hash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[hex.EncodeToString(h[:])] = n
}

// corruptNext flips the last stored byte of the next n downloads of content.
func (s *memSource) corruptNext(content []byte, n int) {
	h := testutil.Hash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[hex.EncodeToString(h[:])] = n
}

func targetPath(dir, slashPath string) string {
	return filepath.Join(dir, filepath.FromSlash(slashPath))
}
