package disk

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content hash
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func sum(content []byte) []byte {
	h := sha1.Sum(content) //nolint:gosec // content hash
	return h[:]
}

func readCached(t *testing.T, c *Cache, hash []byte) ([]byte, bool) {
	t.Helper()
	f, ok := c.Get(hash)
	if !ok {
		return nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return data, true
}

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := []byte("hello")
	hash := sum(content)
	if err := c.Put(hash, bytes.NewReader(content)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := readCached(t, c, hash)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() content = %q, want %q", got, content)
	}

	hexHash := hex.EncodeToString(hash)
	path := filepath.Join(dir, hexHash[:defaultShardPrefixLen], hexHash)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}
	if c.SizeBytes() != int64(len(content)) {
		t.Fatalf("SizeBytes() = %d, want %d", c.SizeBytes(), len(content))
	}
}

func TestCachePutReadErrorLeavesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errRead := errors.New("connection reset")
	hash := sum([]byte("partial"))
	r := io.MultiReader(strings.NewReader("part"), iotest.ErrReader(errRead))
	if err := c.Put(hash, r); !errors.Is(err, errRead) {
		t.Fatalf("Put() error = %v, want %v", err, errRead)
	}
	if _, ok := readCached(t, c, hash); ok {
		t.Fatal("Get() ok = true after failed Put, want false")
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			t.Errorf("unexpected file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error = %v", err)
	}
	if c.SizeBytes() != 0 {
		t.Fatalf("SizeBytes() = %d, want 0", c.SizeBytes())
	}
}

func TestCachePutExisting(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hash := sum([]byte("first"))
	if err := c.Put(hash, strings.NewReader("first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Put(hash, strings.NewReader("second")); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	got, _ := readCached(t, c, hash)
	if string(got) != "first" {
		t.Fatalf("Get() content = %q, want %q", got, "first")
	}
}

func TestCacheShardDisable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	content := []byte("flat")
	hash := sum(content)
	if err := c.Put(hash, bytes.NewReader(content)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	path := filepath.Join(dir, hex.EncodeToString(hash))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hash := sum([]byte("gone"))
	if err := c.Put(hash, strings.NewReader("gone")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Delete(hash); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := c.Get(hash); ok {
		t.Fatal("Get() ok = true after Delete, want false")
	}
	if c.SizeBytes() != 0 {
		t.Fatalf("SizeBytes() = %d, want 0", c.SizeBytes())
	}
	if err := c.Delete(hash); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}

func TestCacheMaxBytesEvictsOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithMaxBytes(10))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	old := []byte("aaaaaa")
	oldHash := sum(old)
	if err := c.Put(oldHash, bytes.NewReader(old)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// Make the first entry unambiguously older.
	oldPath, _ := c.path(oldHash)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	fresh := []byte("bbbbbb")
	freshHash := sum(fresh)
	if err := c.Put(freshHash, bytes.NewReader(fresh)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, ok := c.Get(oldHash); ok {
		t.Fatal("oldest entry survived pruning")
	}
	if _, ok := c.Get(freshHash); !ok {
		t.Fatal("newest entry missing")
	}
	if c.SizeBytes() > 10 {
		t.Fatalf("SizeBytes() = %d, want <= 10", c.SizeBytes())
	}

	big := bytes.Repeat([]byte("x"), 11)
	if err := c.Put(sum(big), bytes.NewReader(big)); err != nil {
		t.Fatalf("Put() oversized error = %v", err)
	}
	if _, ok := c.Get(sum(big)); ok {
		t.Fatal("oversized entry was cached")
	}
}

func TestNewReportsExistingSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Put(sum([]byte("abc")), strings.NewReader("abc")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if reopened.SizeBytes() != 3 {
		t.Fatalf("SizeBytes() = %d, want 3", reopened.SizeBytes())
	}
}

func TestNewEmptyDir(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New() error = nil, want error")
	}
	if _, err := New(t.TempDir(), WithMaxBytes(-1)); err == nil {
		t.Fatal("New() with negative max error = nil, want error")
	}
}
