package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/cache/disk"
	"github.com/meigma/nexus/patch"
	patchhttp "github.com/meigma/nexus/patch/http"
)

func runPatch(ctx context.Context, e *env, args []string) error {
	flags, verbose := e.flagSet("patch")
	source := flags.StringP("source", "s", "", "patch server URL or mirror directory (required)")
	target := flags.StringP("target", "t", "", "folder to patch (default <index dir>/../<index name>)")
	corePath := flags.String("core", "", "shared block store whose content is skipped")
	cacheDir := flags.String("cache", "", "cache downloaded content in this directory")
	cacheMax := flags.String("cache-max", "", "cache size limit, e.g. 20GiB")
	refresh := flags.Bool("refresh-index", false, "download the index even when it exists locally")
	parallel := flags.IntP("parallel", "p", 4, "files patched at once")
	tries := flags.Int("tries", 5, "attempts per download and write")
	quiet := flags.BoolP("quiet", "q", false, "do not report per-file progress")
	rest, err := e.parse(flags, verbose, args, 1, 1)
	if err != nil {
		return err
	}
	if *source == "" {
		flags.Usage()
		return errors.New("patch: --source is required")
	}
	indexPath := rest[0]

	newSource := func(idx *nexus.Index) (patch.Source, error) {
		src, err := openSource(*source, idx, e)
		if err != nil || *cacheDir == "" {
			return src, err
		}
		return withCache(src, *cacheDir, *cacheMax, e)
	}

	src, err := newSource(nil)
	if err != nil {
		return err
	}
	if err := ensureIndex(ctx, src, indexPath, *refresh, e); err != nil {
		return err
	}
	idx, err := nexus.OpenIndex(indexPath, nexus.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer idx.Close() //nolint:errcheck // read-only

	// Mirror directories resolve content by path too, which needs the index.
	if src, err = newSource(idx); err != nil {
		return err
	}

	var core *nexus.BlockStore
	if *corePath != "" {
		core, err = nexus.OpenBlockStore(*corePath, nexus.WithLogger(e.logger))
		if err != nil {
			return err
		}
		defer core.Close() //nolint:errcheck // read-only
	}

	dir := *target
	if dir == "" {
		dir = patch.DefaultTarget(indexPath)
	}
	w, err := patch.NewFolderWriter(dir, core, patch.WithWriterLogger(e.logger))
	if err != nil {
		return err
	}

	opts := []patch.Option{
		patch.WithLogger(e.logger),
		patch.WithParallelism(*parallel),
		patch.WithMaxTries(*tries),
	}
	if !*quiet {
		opts = append(opts, patch.WithProgress(progressPrinter(e)))
	}
	stats, err := patch.NewPatcher(src, w, opts...).Run(ctx, idx)
	fmt.Fprintf(e.stdout, "Patched %d of %d file(s) into %s (%s); %d up to date, %d failed.\n",
		stats.Patched, stats.Files, dir, humanize.IBytes(uint64(max(stats.Bytes, 0))),
		stats.Skipped, stats.Failed)
	return err
}

func openSource(source string, idx *nexus.Index, e *env) (patch.Source, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return patchhttp.NewSource(source, patchhttp.WithLogger(e.logger))
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", source)
	}
	opts := []patch.SourceOption{patch.WithSourceLogger(e.logger)}
	if idx != nil {
		opts = append(opts, patch.WithIndex(idx))
	}
	return patch.NewFolderSource(source, opts...), nil
}

func withCache(src patch.Source, dir, limit string, e *env) (patch.Source, error) {
	var opts []disk.Option
	if limit != "" {
		n, err := humanize.ParseBytes(limit)
		if err != nil {
			return nil, fmt.Errorf("--cache-max: %w", err)
		}
		opts = append(opts, disk.WithMaxBytes(int64(n))) //nolint:gosec // parsed from a flag
	}
	c, err := disk.New(dir, opts...)
	if err != nil {
		return nil, err
	}
	return patch.NewCachingSource(src, c, patch.WithCacheLogger(e.logger)), nil
}

// ensureIndex downloads indexPath from src when it is missing or refresh is
// set.
func ensureIndex(ctx context.Context, src patch.Source, indexPath string, refresh bool, e *env) error {
	if !refresh {
		_, err := os.Stat(indexPath)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	build, err := patch.FetchFile(ctx, src, 0, indexPath)
	if err != nil {
		return fmt.Errorf("fetch index: %w", err)
	}
	e.logger.Info("index downloaded", "index", filepath.Base(indexPath), "build", build)
	return nil
}

// progressPrinter prints one line per completed file with its transfer rate.
func progressPrinter(e *env) patch.ProgressFunc {
	rates := patch.NewRateTracker()
	var mu sync.Mutex
	return func(p patch.Progress) {
		rate := rates.Observe(p)
		if !p.Done() || p.Skipped || p.Total == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(e.stdout, "%s - %s (%s/s)\n", p.File.Path(),
			humanize.IBytes(uint64(max(p.Total, 0))), humanize.IBytes(uint64(rate)))
	}
}
