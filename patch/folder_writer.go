package patch

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is the content hash of the format
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/codec"
	"github.com/meigma/nexus/internal/fsutil"
)

const defaultWriteBuffer = 128 << 10

// FolderWriter writes patched files below a directory, mirroring the index's
// folder tree.
type FolderWriter struct {
	dir     string
	core    *nexus.BlockStore
	logger  *slog.Logger
	bufSize int
}

// WriterOption configures a FolderWriter.
type WriterOption func(*FolderWriter)

// WithWriterLogger sets the logger for the writer.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *FolderWriter) {
		w.logger = logger
	}
}

// WithBufferSize sets the copy buffer size, which is also the progress
// reporting granularity. Default: 128 KiB.
func WithBufferSize(n int) WriterOption {
	return func(w *FolderWriter) {
		if n > 0 {
			w.bufSize = n
		}
	}
}

// NewFolderWriter returns a writer rooted at dir, creating it if needed.
// Content present in core counts as existing. core may be nil.
func NewFolderWriter(dir string, core *nexus.BlockStore, opts ...WriterOption) (*FolderWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	w := &FolderWriter{dir: dir, core: core, bufSize: defaultWriteBuffer}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *FolderWriter) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Dir returns the writer's root directory.
func (w *FolderWriter) Dir() string { return w.dir }

// ThreadSafe reports true: every file is written through its own temp file.
func (w *FolderWriter) ThreadSafe() bool { return true }

// Exists reports whether the core store holds f's hash or the file on disk
// already hashes to it.
func (w *FolderWriter) Exists(_ context.Context, f *nexus.File) (bool, error) {
	if w.core != nil && w.core.Contains(f.Hash()) {
		return true, nil
	}
	return w.matches(f)
}

func (w *FolderWriter) matches(f *nexus.File) (bool, error) {
	p, err := fsutil.Join(w.dir, f.Path())
	if err != nil {
		return false, err
	}
	file, err := os.Open(p) //nolint:gosec // path is confined below the writer root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer file.Close() //nolint:errcheck // read-only

	info, err := file.Stat()
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != f.Size() {
		return false, nil
	}
	h := sha1.New() //nolint:gosec // content hash
	if _, err := io.Copy(h, file); err != nil {
		return false, fmt.Errorf("hash %s: %w", p, err)
	}
	sum := f.Hash()
	return bytes.Equal(h.Sum(nil), sum[:]), nil
}

// Append decodes the stored content read from r and writes it to f's path.
// A file that already matches is left alone. The result is verified against
// f's hash before it replaces the destination.
func (w *FolderWriter) Append(ctx context.Context, r io.Reader, f *nexus.File, progress ProgressFunc) error {
	ok, err := w.Exists(ctx, f)
	if err != nil {
		return err
	}
	if ok {
		progress.report(Progress{File: f, Written: f.Size(), Total: f.Size(), Skipped: true})
		return nil
	}

	dest, err := fsutil.Join(w.dir, f.Path())
	if err != nil {
		return err
	}
	dec, err := nexus.Decompress(r, f)
	if err != nil {
		return err
	}
	defer dec.Close() //nolint:errcheck // releases pooled decoder

	out, err := fsutil.Create(dest, fsutil.WithModTime(f.ModTime()))
	if err != nil {
		return err
	}
	hr := codec.NewHashingReader(dec, sha1.New()) //nolint:gosec // content hash
	if err := w.copy(ctx, out, hr, f, progress); err != nil {
		_ = out.Discard() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write %s: %w", f.Path(), err)
	}
	sum := f.Hash()
	if !bytes.Equal(hr.Sum(), sum[:]) {
		_ = out.Discard() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("%s: %w", f.Path(), ErrHashMismatch)
	}
	if err := out.Commit(); err != nil {
		return err
	}
	w.log().Debug("wrote file", "path", f.Path(), "size", f.Size())
	return nil
}

func (w *FolderWriter) copy(ctx context.Context, dst io.Writer, src io.Reader, f *nexus.File, progress ProgressFunc) error {
	buf := make([]byte, w.bufSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			progress.report(Progress{File: f, Written: written, Total: f.Size()})
		}
		if errors.Is(err, io.EOF) {
			if written == 0 {
				progress.report(Progress{File: f, Total: f.Size()})
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var _ Writer = (*FolderWriter)(nil)
