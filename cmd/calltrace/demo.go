package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/pboyd/calltrace"
)

type record struct {
	id    int
	name  string
	score int
}

// The workload calls through these variables so the demo can patch them
// without touching machine code.
var (
	loadRecords = func(n int) []string {
		lines := make([]string, n)
		for i := range lines {
			lines[i] = fmt.Sprintf("%d,user%d,%d", i, i, i*7%10)
		}
		return lines
	}

	parseRecord = func(line string) (record, error) {
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return record{}, fmt.Errorf("bad record %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return record{}, err
		}
		score, err := strconv.Atoi(fields[2])
		if err != nil {
			return record{}, err
		}
		return record{id: id, name: fields[1], score: score}, nil
	}

	checksum = func(data []byte) uint32 {
		return crc32.ChecksumIEEE(data)
	}

	summarize = func(lines []string) (int, uint32, error) {
		total := 0
		var sum uint32
		for _, line := range lines {
			r, err := parseRecord(line)
			if err != nil {
				return 0, 0, err
			}
			total += r.score
			sum ^= checksum([]byte(r.name))
		}
		return total, sum, nil
	}
)

func newDemoCommand(w io.Writer) *ffcli.Command {
	var cfg calltrace.Config
	fs := flag.NewFlagSet("calltrace demo", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	records := fs.Int("records", 3, "Number of records in the sample workload.")
	top := fs.Int("top", 10, "Number of symbols in the timing summary.")

	return &ffcli.Command{
		Name:       "demo",
		ShortUsage: "calltrace demo [flags]",
		ShortHelp:  "Trace a sample workload and print timing statistics.",
		FlagSet:    fs,
		Options:    calltrace.ConfigOptions(),
		Exec: func(context.Context, []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := setLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			return runDemo(w, cfg, *records, *top)
		},
	}
}

func runDemo(w io.Writer, cfg calltrace.Config, records, top int) error {
	if records < 0 {
		return errors.New("records must not be negative")
	}

	cfg.Output = w
	e, err := calltrace.New(cfg)
	if err != nil {
		return err
	}
	defer e.RemoveAllTraces()

	img := calltrace.NewImage("demo")
	imports := []struct {
		name string
		ptr  any
	}{
		{"demo.loadRecords", &loadRecords},
		{"demo.parseRecord", &parseRecord},
		{"demo.checksum", &checksum},
		{"demo.summarize", &summarize},
	}
	for _, imp := range imports {
		if _, err := img.Import(imp.name, imp.ptr); err != nil {
			return err
		}
	}
	if err := e.Images().Load(img); err != nil {
		return err
	}

	_, err = e.ApplyTrace(calltrace.ImageScope(img.Name), cfg.SubLevels)
	if err != nil {
		return err
	}

	total, sum, err := summarize(loadRecords(records))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\ntotal score %d, checksum %08x\n\n", total, sum)

	return e.Recorder().WriteStats(w, top)
}
