package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/extract"
)

func runExtract(ctx context.Context, e *env, args []string) error {
	flags, verbose := e.flagSet("extract")
	outDir := flags.StringP("out", "o", "", "output directory (default <patch dir>/../Data)")
	parallel := flags.IntP("parallel", "p", 64, "number of extraction workers")
	openFiles := flags.Int("open-files", 32, "maximum files open at once")
	keep := flags.Bool("no-overwrite", false, "skip files that already exist")
	raw := flags.Bool("raw", false, "write stored bytes without decompressing")
	quiet := flags.BoolP("quiet", "q", false, "do not list extracted files")
	rest, err := e.parse(flags, verbose, args, 1, 1)
	if err != nil {
		return err
	}

	targets, closeAll, err := extract.DataTargets(rest[0], *outDir, nexus.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer closeAll() //nolint:errcheck // read-only

	var mu sync.Mutex
	onFile := func(f *nexus.File, path string) {
		if *quiet {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(e.stdout, "%s - %s\n", path, humanize.IBytes(uint64(max(f.Size(), 0))))
	}

	p := extract.New(
		extract.WithParallelism(*parallel),
		extract.WithOpenFiles(*openFiles),
		extract.WithOverwrite(!*keep),
		extract.WithDecompress(!*raw),
		extract.WithOnFile(onFile),
		extract.WithLogger(e.logger),
	)
	res, err := p.Run(ctx, targets)
	fmt.Fprintf(e.stdout, "Done. Processed %s (%s).\n", res, humanize.IBytes(uint64(max(res.Bytes, 0))))
	if res.Skipped > 0 {
		fmt.Fprintf(e.stdout, "Skipped %d existing file(s).\n", res.Skipped)
	}
	return err
}
