// Package fsutil writes output files atomically below a root directory.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// filePerm is the mode of committed files. Temp files start out private.
const filePerm = 0o644

// ErrUnsafePath is returned when an archive path would escape the root.
var ErrUnsafePath = errors.New("fsutil: path escapes destination")

// Join maps a slash-separated archive path below root. It rejects absolute
// paths and paths that climb out of root.
func Join(root, slashPath string) (string, error) {
	rel := filepath.FromSlash(slashPath)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, slashPath)
	}
	return filepath.Join(root, rel), nil
}

// File is written to a temporary file in the destination directory and
// renamed into place on Commit, so partially written content is never visible
// at the final path.
type File struct {
	destPath string
	tmp      *os.File
	modTime  time.Time
}

// Option configures a File.
type Option func(*File)

// WithModTime sets the access and modification times applied on Commit.
func WithModTime(t time.Time) Option {
	return func(f *File) {
		f.modTime = t
	}
}

// Create starts writing destPath, creating parent directories as needed.
func Create(destPath string, opts ...Option) (*File, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".nexus-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	f := &File{destPath: destPath, tmp: tmp}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.tmp.Write(p)
}

// Commit makes the temp file readable, closes it, applies the times and renames it over the
// destination.
func (f *File) Commit() error {
	tempPath := f.tmp.Name()
	//nolint:gosec // patched game files are world-readable
	if err := f.tmp.Chmod(filePerm); err != nil {
		_ = f.tmp.Close()       //nolint:errcheck // the chmod error is the one worth reporting
		_ = os.Remove(tempPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		_ = os.Remove(tempPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if !f.modTime.IsZero() {
		if err := os.Chtimes(tempPath, f.modTime, f.modTime); err != nil {
			_ = os.Remove(tempPath) //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("chtimes: %w", err)
		}
	}
	if err := os.Rename(tempPath, f.destPath); err != nil {
		_ = os.Remove(tempPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", f.destPath, err)
	}
	return nil
}

// Discard closes and removes the temp file.
func (f *File) Discard() error {
	tempPath := f.tmp.Name()
	_ = f.tmp.Close() //nolint:errcheck // we're cleaning up
	return os.Remove(tempPath)
}
