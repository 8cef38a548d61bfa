// Command nexus inspects, extracts, patches and serves Nexus archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

// commands is assigned in init to break the initialization cycle
// commands -> run funcs -> (*env).flagSet -> commands.
var commands []command

func init() {
	commands = []command{
		{name: "ls", args: "<index> [folder]", summary: "list the entries of an index", run: runLs},
		{name: "find", args: "<index> <glob>", summary: "print the paths matching a glob", run: runFind},
		{name: "cat", args: "<index> <path>", summary: "write a file's content to stdout", run: runCat},
		{name: "extract", args: "<patch dir>", summary: "extract every archive of a patch directory", run: runExtract},
		{name: "patch", args: "<index>", summary: "bring a folder up to date from a patch source", run: runPatch},
		{name: "serve", args: "", summary: "serve a data directory to patch clients", run: runServe},
	}
}

// env carries what subcommands write to.
type env struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		if len(args) == 0 {
			return errUsage
		}
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			e := &env{stdout: stdout, stderr: stderr}
			err := cmd.run(ctx, e, args[1:])
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return err
		}
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n  nexus <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nRun 'nexus <command> --help' for the flags of a command.\n")
}

// flagSet returns a FlagSet for cmd that registers --verbose.
func (e *env) flagSet(name string) (*pflag.FlagSet, *bool) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	for _, cmd := range commands {
		if cmd.name == name {
			flags.Usage = func() {
				fmt.Fprintf(e.stderr, "Usage:\n  nexus %s %s [flags]\n\n%s.\n\nFlags:\n", cmd.name, cmd.args, cmd.summary)
				flags.PrintDefaults()
			}
		}
	}
	verbose := flags.BoolP("verbose", "v", false, "log debug details")
	return flags, verbose
}

// parse parses args, sets up logging and checks the positional argument
// count. It returns pflag.ErrHelp when --help was requested.
func (e *env) parse(flags *pflag.FlagSet, verbose *bool, args []string, minArgs, maxArgs int) ([]string, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	e.logger = slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: level}))

	rest := flags.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		flags.Usage()
		return nil, fmt.Errorf("%s: wrong number of arguments", flags.Name())
	}
	return rest, nil
}
