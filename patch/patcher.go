package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/nexus"
)

const (
	defaultMaxTries    = 5
	defaultParallelism = 4
)

// Patcher downloads and writes the files of an index that a Writer does not
// already have.
type Patcher struct {
	src         Source
	w           Writer
	progress    ProgressFunc
	logger      *slog.Logger
	newBackOff  func() backoff.BackOff
	maxTries    uint
	parallelism int
	spoolDir    string
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Patcher) {
		p.progress = fn
	}
}

// WithLogger sets the logger for patch operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Patcher) {
		p.logger = logger
	}
}

// WithBackOff sets the retry policy. The factory is called once per retry
// loop since a BackOff carries state.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Patcher) {
		if fn != nil {
			p.newBackOff = fn
		}
	}
}

// WithMaxTries sets how many times a download, and separately a write, is
// attempted. Default: 5.
func WithMaxTries(n int) Option {
	return func(p *Patcher) {
		if n > 0 {
			p.maxTries = uint(n)
		}
	}
}

// WithParallelism sets how many files Run patches at once when the writer is
// thread-safe. Default: 4.
func WithParallelism(n int) Option {
	return func(p *Patcher) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithSpoolDir sets where downloaded content is buffered before it is
// written. Defaults to os.TempDir().
func WithSpoolDir(dir string) Option {
	return func(p *Patcher) {
		p.spoolDir = dir
	}
}

// NewPatcher returns a Patcher that fetches from src and writes to w.
func NewPatcher(src Source, w Writer, opts ...Option) *Patcher {
	p := &Patcher{
		src:         src,
		w:           w,
		newBackOff:  defaultBackOff,
		maxTries:    defaultMaxTries,
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func (p *Patcher) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Stats summarizes a Run.
type Stats struct {
	Files   int
	Skipped int
	Patched int
	Failed  int
	Bytes   int64
}

// Run patches every file of idx using the index's build number. Files are
// patched one at a time unless the writer is thread-safe.
//
// A failing file does not stop the others; Run returns the counts together
// with the joined per-file errors. Once ctx is done no new files are started.
func (p *Patcher) Run(ctx context.Context, idx *nexus.Index) (Stats, error) {
	files := slices.Collect(idx.Files(true))
	build := idx.BuildNumber()
	stats := Stats{Files: len(files)}

	var (
		mu   sync.Mutex
		errs []error
	)
	patchOne := func(f *nexus.File) {
		patched, err := p.PatchFile(ctx, build, f)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			stats.Failed++
			errs = append(errs, err)
			p.log().Warn("patch failed", "path", f.Path(), "error", err)
		case patched:
			stats.Patched++
			stats.Bytes += f.Size()
		default:
			stats.Skipped++
		}
	}

	parallel := p.w.ThreadSafe() && p.parallelism > 1
	p.log().Info("patching index", "index", idx.Name(), "build", build,
		"files", len(files), "parallel", parallel)

	if parallel {
		var g errgroup.Group
		g.SetLimit(p.parallelism)
		for _, f := range files {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				patchOne(f)
				return nil
			})
		}
		_ = g.Wait() //nolint:errcheck // workers record their own errors
	} else {
		for _, f := range files {
			if ctx.Err() != nil {
				break
			}
			patchOne(f)
		}
	}

	if err := context.Cause(ctx); err != nil {
		errs = append(errs, err)
	}
	p.log().Info("patch complete", "index", idx.Name(), "patched", stats.Patched,
		"skipped", stats.Skipped, "failed", stats.Failed)
	return stats, errors.Join(errs...)
}

// PatchFile brings f up to date. It reports whether content was written;
// false with a nil error means the writer already had it.
func (p *Patcher) PatchFile(ctx context.Context, build int, f *nexus.File) (bool, error) {
	p.progress.report(Progress{File: f, Total: f.Size()})

	ok, err := p.w.Exists(ctx, f)
	if err != nil {
		return false, fmt.Errorf("%s: %w", f.Path(), err)
	}
	if ok {
		p.log().Debug("file up to date", "path", f.Path())
		p.progress.report(Progress{File: f, Written: f.Size(), Total: f.Size(), Skipped: true})
		return false, nil
	}

	sp, err := p.fetch(ctx, build, f)
	if err != nil {
		return false, err
	}
	if err := p.write(ctx, build, sp, f); err != nil {
		return false, err
	}
	p.log().Debug("file patched", "path", f.Path(), "size", f.Size())
	return true, nil
}

func (p *Patcher) retryOptions(notify backoff.Notify) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
}

func (p *Patcher) fetch(ctx context.Context, build int, f *nexus.File) (*spooled, error) {
	var attempts []error
	notify := func(err error, d time.Duration) {
		p.log().Debug("retrying download", "path", f.Path(), "attempt", len(attempts), "after", d, "error", err)
	}
	sp, err := backoff.Retry(ctx, func() (*spooled, error) {
		sp, err := p.download(ctx, build, f)
		if err != nil {
			attempts = append(attempts, err)
		}
		return sp, err
	}, p.retryOptions(notify)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", f.Path(), err)
		}
		return nil, &RetryError{Path: f.Path(), Hash: f.HexHash(), Op: ErrFetchFailed, Attempts: attempts}
	}
	return sp, nil
}

// write appends sp with retries and releases it. Content that fails hash
// verification is dropped from the source and downloaded again before the
// next attempt.
func (p *Patcher) write(ctx context.Context, build int, sp *spooled, f *nexus.File) error {
	defer func() { sp.cleanup() }()

	var attempts []error
	notify := func(err error, d time.Duration) {
		p.log().Debug("retrying write", "path", f.Path(), "attempt", len(attempts), "after", d, "error", err)
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.w.Append(ctx, io.NewSectionReader(sp, 0, sp.size), f, p.progress)
		if err != nil {
			attempts = append(attempts, err)
			if errors.Is(err, ErrHashMismatch) {
				sp = p.refetch(ctx, build, sp, f)
			}
		}
		return struct{}{}, err
	}, p.retryOptions(notify)...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", f.Path(), err)
		}
		return &RetryError{Path: f.Path(), Hash: f.HexHash(), Op: ErrWriteFailed, Attempts: attempts}
	}
	return nil
}

// refetch replaces content that failed verification. When the download
// fails the old content is kept and the next attempt fails again.
func (p *Patcher) refetch(ctx context.Context, build int, old *spooled, f *nexus.File) *spooled {
	if inv, ok := p.src.(Invalidator); ok {
		hash := f.Hash()
		if err := inv.Invalidate(hash[:]); err != nil {
			p.log().Warn("invalidate content", "path", f.Path(), "error", err)
		}
	}
	fresh, err := p.download(ctx, build, f)
	if err != nil {
		p.log().Debug("download after hash mismatch", "path", f.Path(), "error", err)
		return old
	}
	old.cleanup()
	return fresh
}

// spooled is downloaded content that can be read from the start on every
// write attempt.
type spooled struct {
	io.ReaderAt
	size    int64
	cleanup func()
}

type statReaderAt interface {
	io.ReaderAt
	Stat() (fs.FileInfo, error)
}

func (p *Patcher) download(ctx context.Context, build int, f *nexus.File) (*spooled, error) {
	hash := f.Hash()
	rc, err := p.src.DownloadHash(ctx, build, hash[:])
	if err != nil {
		return nil, err
	}

	// Content served from a local file needs no copy.
	if ra, ok := rc.(statReaderAt); ok {
		if info, err := ra.Stat(); err == nil && info.Mode().IsRegular() {
			return &spooled{ReaderAt: ra, size: info.Size(), cleanup: func() { _ = rc.Close() }}, nil //nolint:errcheck // read-only file
		}
	}
	defer rc.Close() //nolint:errcheck // read side

	tmp, err := os.CreateTemp(p.spoolDir, "nexus-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()           //nolint:errcheck // best-effort cleanup
		_ = os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup
	}
	n, err := io.Copy(tmp, rc)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("download %s: %w", f.HexHash(), err)
	}
	return &spooled{ReaderAt: tmp, size: n, cleanup: cleanup}, nil
}
