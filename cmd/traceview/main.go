// Command traceview dumps a binary trace log (the format pkg/trace reads
// and writes) to a table: one row per frame exchange, timestamp, duration,
// direction, and hex payload, rendered as a rounded go-pretty table
// with a colored header.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/barnettlynn/pm3core/pkg/dict"
	"github.com/barnettlynn/pm3core/pkg/trace"
)

func main() {
	path := flag.String("f", "", "trace log file to dump")
	dictPath := flag.String("dict", "", "optional AID/OID dictionary (JSON) to annotate payload prefixes")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "traceview: -f is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "traceview: %v\n", err)
		os.Exit(1)
	}

	var d *dict.Dictionary
	if *dictPath != "" {
		d, err = dict.Load(*dictPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "traceview: %v\n", err)
			os.Exit(1)
		}
	}

	entries := trace.Decode(raw)
	printEntries(entries, d)
}

func printEntries(entries []trace.Entry, d *dict.Dictionary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	style := table.StyleRounded
	style.Color.Header = text.Colors{text.FgCyan, text.Bold}
	style.Options.SeparateRows = false
	t.SetStyle(style)

	t.AppendHeader(table.Row{"#", "Timestamp (us)", "Duration", "Dir", "Data", "Annotation"})
	for i, e := range entries {
		dir := "R->T"
		if !e.ReaderToTag {
			dir = "T->R"
		}
		annotation := ""
		if d != nil {
			annotation = d.Name(e.Data)
		}
		t.AppendRow(table.Row{i, e.TimestampStart, e.Duration, dir, fmt.Sprintf("% X", e.Data), annotation})
	}
	t.Render()
}
