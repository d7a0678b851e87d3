// calltrace demonstrates the tracer on a sample workload and lists the
// traceable symbols of executable files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func main() {
	root := &ffcli.Command{
		Name:       "calltrace",
		ShortUsage: "calltrace <subcommand> [flags]",
		FlagSet:    flag.NewFlagSet("calltrace", flag.ExitOnError),
		Subcommands: []*ffcli.Command{
			newDemoCommand(os.Stdout),
			newSymbolsCommand(os.Stdout),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	err := root.ParseAndRun(context.Background(), os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setLogLevel(level string) error {
	if level == "" {
		return nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}
