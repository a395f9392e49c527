package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"rentchat/internal/domain"
)

var (
	passPrefix = color.New(color.FgHiGreen).Sprint("[PASS]")
	failPrefix = color.New(color.FgHiRed).Sprint("[FAIL]")
	warnPrefix = color.New(color.FgHiYellow).Sprint("[WARN]")
	cyan       = color.New(color.FgHiCyan).SprintFunc()
	green      = color.New(color.FgHiGreen).SprintFunc()
	yellow     = color.New(color.FgHiYellow).SprintFunc()
	red        = color.New(color.FgHiRed).SprintFunc()
)

var stdout io.Writer = os.Stdout

func printPass(check, detail string) {
	fmt.Fprintf(stdout, "  %s %-20s %s\n", passPrefix, check, detail)
}

func printFail(check, detail string) {
	fmt.Fprintf(stdout, "  %s %-20s %s\n", failPrefix, check, detail)
}

func printWarn(check, detail string) {
	fmt.Fprintf(stdout, "  %s %-20s %s\n", warnPrefix, check, detail)
}

// statusColor colors a session status for terminal output.
func statusColor(s domain.Status) string {
	switch s {
	case domain.StatusBot:
		return cyan(string(s))
	case domain.StatusWaiting:
		return yellow(string(s))
	case domain.StatusActive:
		return green(string(s))
	case domain.StatusClosed:
		return red(string(s))
	default:
		return string(s)
	}
}

// newTable creates a borderless, left-aligned table.
func newTable(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
