package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/pboyd/calltrace"
)

func newSymbolsCommand(w io.Writer) *ffcli.Command {
	var cfg calltrace.Config
	fs := flag.NewFlagSet("calltrace symbols", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	packages := fs.Bool("packages", false, "List package names instead of symbols.")

	return &ffcli.Command{
		Name:       "symbols",
		ShortUsage: "calltrace symbols [flags] <file>",
		ShortHelp:  "List the traceable symbols of an ELF or Mach-O file.",
		FlagSet:    fs,
		Options:    calltrace.ConfigOptions(),
		Exec: func(_ context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("symbols requires exactly one file")
			}
			if err := setLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			return listSymbols(w, cfg, args[0], *packages)
		},
	}
}

func listSymbols(w io.Writer, cfg calltrace.Config, path string, packages bool) error {
	e, err := calltrace.New(cfg)
	if err != nil {
		return err
	}

	list := e.ListTraceableNames
	if packages {
		list = e.PackageNames
	}

	names, err := list(calltrace.FileScope(path))
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}
