// Package patch brings a local copy of an index's files up to date from a
// content source.
//
// A Patcher walks every file of an index, asks a Writer whether the content is
// already present, and otherwise downloads the stored content by hash from a
// Source and hands it to the Writer. Downloads and writes are each retried a
// bounded number of times.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/meigma/nexus"
)

// Sentinel errors.
var (
	// ErrFetchFailed marks a download that failed on every attempt.
	ErrFetchFailed = errors.New("patch: fetch failed")

	// ErrWriteFailed marks a write that failed on every attempt.
	ErrWriteFailed = errors.New("patch: write failed")

	// ErrNotFound is returned by sources that do not have the requested content.
	ErrNotFound = errors.New("patch: not found")

	// ErrHashMismatch is returned when written content does not hash to the
	// file record's hash.
	ErrHashMismatch = errors.New("patch: hash mismatch")
)

// RetryError reports a step that exhausted its attempts.
//
// errors.Is matches Op (ErrFetchFailed or ErrWriteFailed) and every attempt
// error.
type RetryError struct {
	Path     string
	Hash     string
	Op       error
	Attempts []error
}

func (e *RetryError) Error() string {
	var last error
	if n := len(e.Attempts); n > 0 {
		last = e.Attempts[n-1]
	}
	return fmt.Sprintf("%v after %d attempts on %s: %v", e.Op, len(e.Attempts), e.Path, last)
}

// Unwrap returns Op followed by the attempt errors.
func (e *RetryError) Unwrap() []error {
	return append([]error{e.Op}, e.Attempts...)
}

// Source provides file content by hash.
//
// Content is returned in its stored form: compressed content stays compressed
// and is decoded by the Writer according to the file record.
type Source interface {
	// ServerBuild returns the build the source currently serves.
	ServerBuild(ctx context.Context) (int, error)

	// FileHash returns the hash of the named top-level file (an index name
	// such as "ClientData.index") for build.
	FileHash(ctx context.Context, build int, name string) ([]byte, error)

	// DownloadHash returns the content stored under hash for build.
	DownloadHash(ctx context.Context, build int, hash []byte) (io.ReadCloser, error)

	// DownloadFile returns the content of the named top-level file.
	DownloadFile(ctx context.Context, build int, name string) (io.ReadCloser, error)
}

// Invalidator is implemented by sources that keep copies of content they
// served. Invalidate drops the copy stored under hash so the next download
// goes upstream.
type Invalidator interface {
	Invalidate(hash []byte) error
}

// Writer materializes file content.
type Writer interface {
	// Exists reports whether the content of f is already present.
	Exists(ctx context.Context, f *nexus.File) (bool, error)

	// Append writes the stored content read from r for f, reporting progress.
	Append(ctx context.Context, r io.Reader, f *nexus.File, progress ProgressFunc) error

	// ThreadSafe reports whether Exists and Append may run concurrently.
	ThreadSafe() bool
}

// Progress describes how much of a file has been written. A file is first
// reported with Written 0 and last with Written equal to Total, including
// files that were already up to date (Skipped) and empty files.
type Progress struct {
	File    *nexus.File
	Written int64
	Total   int64

	// Skipped marks the final event of a file that needed no download.
	Skipped bool
}

// Done reports whether the file is complete.
func (p Progress) Done() bool {
	return p.Written >= p.Total
}

// ProgressFunc receives progress events. It may be called concurrently when
// files are patched in parallel.
type ProgressFunc func(Progress)

func (fn ProgressFunc) report(p Progress) {
	if fn != nil {
		fn(p)
	}
}

// DefaultTarget returns the directory an index's files are patched into when
// no target is given: a sibling of the index's directory named after the
// index. "Patch/ClientData.index" maps to "ClientData".
func DefaultTarget(indexPath string) string {
	base := strings.TrimSuffix(filepath.Base(indexPath), filepath.Ext(indexPath))
	return filepath.Join(filepath.Dir(filepath.Dir(indexPath)), base)
}
