package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/runstore"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testrun"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
)

const (
	INDENT_UNIT = "  "

	HISTORY_TIME_FORMAT = "2006-01-02 15:04:05"
)

var RUN_STATE_SYMBOLS = map[testtree.RunState]string{
	testtree.NotRun:  " ",
	testtree.Queued:  "~",
	testtree.Running: ">",
	testtree.Passed:  "+",
	testtree.Failed:  "x",
	testtree.Skipped: "-",
	testtree.Errored: "!",
}

// printTree prints one line per node, cases are prefixed with the symbol of their run state.
func printTree(w io.Writer, roots []testtree.NodeSnapshot) {
	for _, root := range roots {
		root.Walk(func(node testtree.NodeSnapshot, depth int) {
			indent := strings.Repeat(INDENT_UNIT, depth)

			switch node.Kind {
			case testtree.CaseKind:
				line := fmt.Sprintf("%s[%s] %s", indent, RUN_STATE_SYMBOLS[node.RunState], node.Label)
				if node.RunState.IsTerminal() && node.Duration > 0 {
					line += " (" + formatDuration(node.Duration) + ")"
				}
				fmt.Fprintln(w, line)
			default:
				line := indent + node.Label
				if node.Status != testtree.Resolved {
					line += " <" + strings.ToLower(node.Status.String()) + ">"
				}
				if node.ResolveError != "" {
					line += " error: " + node.ResolveError
				}
				fmt.Fprintln(w, line)
			}
		})
	}
}

func printReport(w io.Writer, report testrun.Report) {
	for _, result := range report.Results {
		fmt.Fprintf(w, "[%s] %s (%s)\n", RUN_STATE_SYMBOLS[result.State], result.Label, formatDuration(result.Duration))

		if result.Message == nil || (result.State != testtree.Failed && result.State != testtree.Errored) {
			continue
		}

		msg := result.Message
		if msg.Text != "" {
			fmt.Fprintln(w, indentLines(msg.Text, INDENT_UNIT+INDENT_UNIT))
		}
		if msg.IsDiff {
			fmt.Fprintf(w, "%sexpected: %s\n%sactual:   %s\n", INDENT_UNIT+INDENT_UNIT, msg.Expected, INDENT_UNIT+INDENT_UNIT, msg.Actual)
		}
		if msg.Location != nil {
			fmt.Fprintf(w, "%sat %s:%d\n", INDENT_UNIT+INDENT_UNIT, msg.Location.File, msg.Location.Line)
		}
	}

	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "warning (%s): %s\n", warning.Code, warning.Message)
	}

	if len(report.Missing) > 0 {
		fmt.Fprintf(w, "no result was reported for: %s\n", strings.Join(report.Missing, ", "))
	}

	fmt.Fprintf(w, "\n%d passed, %d failed, %d skipped, %d errored in %s\n",
		report.Count(testtree.Passed), report.Count(testtree.Failed),
		report.Count(testtree.Skipped), report.Count(testtree.Errored),
		formatDuration(report.Duration()))
}

func printHistory(w io.Writer, summaries []runstore.RunSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}

	for _, summary := range summaries {
		fmt.Fprintf(w, "%s  %s  %d passed, %d failed, %d skipped, %d errored",
			summary.RunID, summary.StartedAt.Local().Format(HISTORY_TIME_FORMAT),
			summary.Passed, summary.Failed, summary.Skipped, summary.Errored)
		if summary.Missing > 0 {
			fmt.Fprintf(w, ", %d missing", summary.Missing)
		}
		fmt.Fprintln(w)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}

func indentLines(s, indent string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

// absoluteIDs makes relative file paths in ids absolute and removes duplicates: file ids are absolute paths
// and case ids have the shape <absolute path>;<line>.
func absoluteIDs(ids []string) []string {
	result := make([]string, 0, len(ids))

	for _, id := range ids {
		path, suffix := id, ""
		if i := strings.LastIndexByte(id, ';'); i > 0 {
			if _, err := strconv.Atoi(id[i+1:]); err == nil {
				path, suffix = id[:i], id[i:]
			}
		}

		if !filepath.IsAbs(path) {
			if _, err := os.Stat(path); err == nil {
				if abs, err := filepath.Abs(path); err == nil {
					path = abs
				}
			}
		}
		result = append(result, path+suffix)
	}

	return utils.DedupStable(result)
}
