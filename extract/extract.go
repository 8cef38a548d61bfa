// Package extract writes the contents of archives to a directory tree.
//
// Extraction runs as a three-stage pipeline. A scanner walks each archive's
// folder tree and creates the output directories, a pool of folder workers
// lists the files of each folder, and a pool of file workers decodes and
// writes them. Each stage's output channel is closed by that stage's
// coordinator once all of its workers have returned.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/fsutil"
)

const (
	defaultParallelism = 64
	defaultOpenFiles   = 32
)

// Target is one archive and the directory it is extracted into.
type Target struct {
	Archive *nexus.Archive
	OutDir  string
}

// Result counts the work done by a Run.
type Result struct {
	Archives int
	Folders  int
	Files    int
	Skipped  int
	Bytes    int64
}

func (r Result) add(o Result) Result {
	return Result{
		Archives: r.Archives + o.Archives,
		Folders:  r.Folders + o.Folders,
		Files:    r.Files + o.Files,
		Skipped:  r.Skipped + o.Skipped,
		Bytes:    r.Bytes + o.Bytes,
	}
}

func (r Result) String() string {
	return fmt.Sprintf("%d archive%s, %d folder%s, %d file%s",
		r.Archives, plural(r.Archives), r.Folders, plural(r.Folders), r.Files, plural(r.Files))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Pipeline extracts archives.
type Pipeline struct {
	parallelism int
	openFiles   int64
	overwrite   bool
	decompress  bool
	onFile      func(*nexus.File, string)
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithParallelism sets the total number of workers. A quarter of them, at
// least one, scan folders and the rest write files. Default: 64.
func WithParallelism(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithOpenFiles bounds how many output files are open at once. Default: 32.
func WithOpenFiles(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.openFiles = int64(n)
		}
	}
}

// WithOverwrite controls whether existing output files are replaced.
// Default: true. Skipped files are counted in Result.Skipped.
func WithOverwrite(enabled bool) Option {
	return func(p *Pipeline) {
		p.overwrite = enabled
	}
}

// WithDecompress controls whether content is decoded before it is written.
// Default: true.
func WithDecompress(enabled bool) Option {
	return func(p *Pipeline) {
		p.decompress = enabled
	}
}

// WithOnFile sets a callback invoked with each written file and its output
// path. It is called concurrently from file workers.
func WithOnFile(fn func(f *nexus.File, path string)) Option {
	return func(p *Pipeline) {
		p.onFile = fn
	}
}

// WithLogger sets the logger for extraction.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New returns a Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		parallelism: defaultParallelism,
		openFiles:   defaultOpenFiles,
		overwrite:   true,
		decompress:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

type folderJob struct {
	archive *nexus.Archive
	folder  *nexus.Folder
	dir     string
}

type fileJob struct {
	archive *nexus.Archive
	file    *nexus.File
	dir     string
}

// errorList collects per-item errors from concurrent workers.
type errorList struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorList) add(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorList) join() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.errs...)
}

// Run extracts every target. Failures of individual folders or files are
// collected and returned joined with the counts of what succeeded; they do not
// stop the other items. Cancelling ctx stops all stages.
func (p *Pipeline) Run(ctx context.Context, targets []Target) (Result, error) {
	folderWorkers := max(1, p.parallelism/4)
	fileWorkers := max(1, p.parallelism-folderWorkers)
	p.log().Info("extracting", "archives", len(targets),
		"folder_workers", folderWorkers, "file_workers", fileWorkers)

	folders := make(chan folderJob, folderWorkers*4)
	files := make(chan fileJob, fileWorkers*4)
	sem := semaphore.NewWeighted(p.openFiles)
	errs := &errorList{}

	var (
		scanned      Result
		folderCounts = make([]Result, folderWorkers)
		fileCounts   = make([]Result, fileWorkers)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(folders)
		var err error
		scanned, err = p.scan(ctx, targets, folders, errs)
		return err
	})
	g.Go(func() error {
		defer close(files)
		var workers errgroup.Group
		for i := range folderWorkers {
			workers.Go(func() error {
				return p.folderWorker(ctx, folders, files, &folderCounts[i], errs)
			})
		}
		return workers.Wait()
	})
	g.Go(func() error {
		var workers errgroup.Group
		for i := range fileWorkers {
			workers.Go(func() error {
				return p.fileWorker(ctx, files, sem, &fileCounts[i], errs)
			})
		}
		return workers.Wait()
	})
	runErr := g.Wait()

	res := scanned
	for _, c := range folderCounts {
		res = res.add(c)
	}
	for _, c := range fileCounts {
		res = res.add(c)
	}
	p.log().Info("extraction complete", "result", res.String(), "bytes", res.Bytes)
	return res, errors.Join(runErr, errs.join())
}

// scan enqueues the folder tree of every target, creating output directories
// on the way.
func (p *Pipeline) scan(ctx context.Context, targets []Target, out chan<- folderJob, errs *errorList) (Result, error) {
	var res Result
	for _, t := range targets {
		if err := os.MkdirAll(t.OutDir, 0o750); err != nil {
			errs.add(fmt.Errorf("%s: %w", t.Archive.Index().Name(), err))
			continue
		}
		if err := p.scanFolder(ctx, t.Archive, t.Archive.Index().Root(), t.OutDir, out, errs); err != nil {
			return res, err
		}
		res.Archives++
		p.log().Debug("scanned archive", "index", t.Archive.Index().Name())
	}
	return res, nil
}

func (p *Pipeline) scanFolder(ctx context.Context, a *nexus.Archive, f *nexus.Folder, dir string, out chan<- folderJob, errs *errorList) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case out <- folderJob{archive: a, folder: f, dir: dir}:
	case <-ctx.Done():
		return ctx.Err()
	}

	subs, err := f.Subfolders()
	if err != nil {
		errs.add(fmt.Errorf("%s: %w", f.Path(), err))
		return nil
	}
	for _, sub := range subs {
		subDir, err := fsutil.Join(dir, sub.Name())
		if err != nil {
			errs.add(fmt.Errorf("%s: %w", sub.Path(), err))
			continue
		}
		if err := os.MkdirAll(subDir, 0o750); err != nil {
			errs.add(fmt.Errorf("%s: %w", sub.Path(), err))
			continue
		}
		if err := p.scanFolder(ctx, a, sub, subDir, out, errs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) folderWorker(ctx context.Context, in <-chan folderJob, out chan<- fileJob, res *Result, errs *errorList) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var job folderJob
		var ok bool
		select {
		case job, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		files, err := job.folder.Files()
		if err != nil {
			errs.add(fmt.Errorf("%s: %w", job.folder.Path(), err))
			continue
		}
		res.Folders++
		for _, f := range files {
			select {
			case out <- fileJob{archive: job.archive, file: f, dir: job.dir}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *Pipeline) fileWorker(ctx context.Context, in <-chan fileJob, sem *semaphore.Weighted, res *Result, errs *errorList) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var job fileJob
		var ok bool
		select {
		case job, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		written, err := p.extractFile(job)
		sem.Release(1)
		switch {
		case err != nil:
			errs.add(err)
			p.log().Warn("extract failed", "path", job.file.Path(), "error", err)
		case written < 0:
			res.Skipped++
		default:
			res.Files++
			res.Bytes += written
		}
	}
}

// extractFile writes one file and returns the bytes written, or -1 when an
// existing file was kept.
func (p *Pipeline) extractFile(job fileJob) (int64, error) {
	f := job.file
	dest, err := fsutil.Join(job.dir, f.Name())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Path(), err)
	}
	if !p.overwrite {
		if _, err := os.Lstat(dest); err == nil {
			return -1, nil
		}
	}

	var rc io.ReadCloser
	if p.decompress {
		rc, err = job.archive.OpenFile(f)
	} else {
		rc, err = job.archive.OpenFileRaw(f)
	}
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck // read side

	out, err := fsutil.Create(dest, fsutil.WithModTime(f.ModTime()))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Path(), err)
	}
	n, err := io.Copy(out, rc)
	if err != nil {
		_ = out.Discard() //nolint:errcheck // best-effort cleanup
		return 0, fmt.Errorf("%s: %w", f.Path(), err)
	}
	if err := out.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", f.Path(), err)
	}
	p.log().Debug("extracted", "path", f.Path(), "file", dest, "size", n)
	if p.onFile != nil {
		p.onFile(f, dest)
	}
	return n, nil
}
