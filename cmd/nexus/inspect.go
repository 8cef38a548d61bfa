package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/meigma/nexus"
)

func runLs(_ context.Context, e *env, args []string) error {
	flags, verbose := e.flagSet("ls")
	recursive := flags.BoolP("recursive", "r", false, "descend into subfolders")
	detailed := flags.BoolP("detailed", "l", false, "show size, compression, time and hash")
	rest, err := e.parse(flags, verbose, args, 1, 2)
	if err != nil {
		return err
	}

	idx, err := nexus.OpenIndex(rest[0], nexus.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer idx.Close() //nolint:errcheck // read-only

	folder := idx.Root()
	if len(rest) == 2 {
		f, ok := idx.FindFolder(rest[1])
		if !ok {
			return fmt.Errorf("%s: no such folder", rest[1])
		}
		folder = f
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	for entry := range folder.Walk(*recursive) {
		printEntry(tw, entry, *detailed)
	}
	return tw.Flush()
}

func printEntry(w io.Writer, entry nexus.Entry, detailed bool) {
	f, isFile := entry.(*nexus.File)
	if !isFile {
		if detailed {
			fmt.Fprintf(w, "-\t-\t-\t-\t%s/\n", entry.Path())
		} else {
			fmt.Fprintf(w, "%s/\n", entry.Path())
		}
		return
	}
	if !detailed {
		fmt.Fprintln(w, f.Path())
		return
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		humanize.IBytes(uint64(max(f.Size(), 0))),
		f.Compression(),
		f.ModTime().UTC().Format("2006-01-02 15:04:05"),
		f.HexHash(),
		f.Path())
}

func runFind(_ context.Context, e *env, args []string) error {
	flags, verbose := e.flagSet("find")
	filesOnly := flags.BoolP("files", "f", false, "print files only")
	rest, err := e.parse(flags, verbose, args, 2, 2)
	if err != nil {
		return err
	}

	idx, err := nexus.OpenIndex(rest[0], nexus.WithLogger(e.logger))
	if err != nil {
		return err
	}
	defer idx.Close() //nolint:errcheck // read-only

	matches, err := idx.Search(rest[1])
	if err != nil {
		return err
	}
	n := 0
	for entry := range matches {
		if *filesOnly && entry.IsDir() {
			continue
		}
		if entry.IsDir() {
			fmt.Fprintf(e.stdout, "%s/\n", entry.Path())
		} else {
			fmt.Fprintln(e.stdout, entry.Path())
		}
		n++
	}
	e.logger.Debug("search complete", "pattern", rest[1], "matches", n)
	return nil
}

func runCat(_ context.Context, e *env, args []string) error {
	flags, verbose := e.flagSet("cat")
	corePath := flags.String("core", "", "shared block store (CoreData.archive)")
	raw := flags.Bool("raw", false, "write the stored bytes without decompressing")
	rest, err := e.parse(flags, verbose, args, 2, 2)
	if err != nil {
		return err
	}

	opts := []nexus.Option{nexus.WithLogger(e.logger)}
	var core *nexus.BlockStore
	if *corePath != "" {
		core, err = nexus.OpenBlockStore(*corePath, opts...)
		if err != nil {
			return err
		}
		defer core.Close() //nolint:errcheck // read-only
	}
	a, err := nexus.OpenArchive(rest[0], core, opts...)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // read-only

	f, ok := a.FindFile(rest[1])
	if !ok {
		return fmt.Errorf("%s: no such file", rest[1])
	}
	open := a.OpenFile
	if *raw {
		open = a.OpenFileRaw
	}
	rc, err := open(f)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // read-only
	_, err = io.Copy(e.stdout, rc)
	return err
}
