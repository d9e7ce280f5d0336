package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/adapter"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/config"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testrun"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	json "github.com/goccy/go-json"
	"github.com/posener/complete/v2/install"
)

const (
	COMMAND_NAME = "pester-adapter"

	ERROR_STATUS_CODE        = 1
	FAILED_TESTS_STATUS_CODE = 2

	DEFAULT_HISTORY_LENGTH = 10
)

func main() {
	//handle completions
	cmd.Complete(COMMAND_NAME)

	statusCode := _main(os.Args, os.Stdout, os.Stderr)
	if statusCode != 0 {
		os.Exit(statusCode)
	}
}

func _main(args []string, outW io.Writer, errW io.Writer) (statusCode int) {
	if len(args) < 2 {
		fmt.Fprint(errW, CMD_HELP)
		return ERROR_STATUS_CODE
	}

	subcommand := args[1]
	subcommandArgs := slices.Clone(args[2:])

	//help <subcommand> is turned into <subcommand> -h.
	if subcommand == HELP_SUBCMD && len(subcommandArgs) > 0 && slices.Contains(SUBCOMMANDS, subcommandArgs[0]) {
		subcommand = subcommandArgs[0]
		subcommandArgs = []string{"-h"}
	}

	if slices.Contains(HELP_SUBCMD_EQUIVALENTS, subcommand) {
		subcommand = HELP_SUBCMD
	}

	if !slices.Contains(SUBCOMMANDS, subcommand) {
		fmt.Fprintf(errW, "unknown command '%s'\n%s", subcommand, CMD_HELP)
		return ERROR_STATUS_CODE
	}

	switch subcommand {
	case HELP_SUBCMD:
		fmt.Fprint(outW, CMD_HELP)
		return 0
	case INSTALL_COMPLETIONS_SUBCMD:
		if err := install.Install(COMMAND_NAME); err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		fmt.Fprintln(outW, "installed")
		return 0
	case UNINSTALL_COMPLETIONS_SUBCMD:
		if err := install.Uninstall(COMMAND_NAME); err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		fmt.Fprintln(outW, "uninstalled")
		return 0
	}

	flags := flag.NewFlagSet(subcommand, flag.ContinueOnError)
	flags.SetOutput(errW)

	var (
		folder       string
		jsonOutput   bool
		excluded     stringList
		historyCount int
	)
	flags.StringVar(&folder, "folder", ".", "workspace folder")

	switch subcommand {
	case DISCOVER_SUBCMD:
		flags.BoolVar(&jsonOutput, "json", false, "print the test tree as JSON")
	case RUN_SUBCMD:
		flags.BoolVar(&jsonOutput, "json", false, "print the run report as JSON")
		flags.Var(&excluded, "exclude", "id of a test or file to exclude, can be repeated")
	case HISTORY_SUBCMD:
		flags.BoolVar(&jsonOutput, "json", false, "print the runs as JSON")
		flags.IntVar(&historyCount, "n", DEFAULT_HISTORY_LENGTH, "number of runs to show")
	}

	if showHelp(flags, subcommandArgs, outW) {
		return 0
	}

	moveFlagsStart(subcommandArgs)
	if err := flags.Parse(subcommandArgs); err != nil {
		return ERROR_STATUS_CODE
	}

	ctx, stop := notifyContext(context.Background())
	defer stop()

	session, err := openSession(ctx, folder, errW)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	defer session.Close()

	switch subcommand {
	case DISCOVER_SUBCMD:
		return discover(ctx, session, jsonOutput, outW, errW)
	case RUN_SUBCMD:
		req := testrun.Request{Include: absoluteIDs(flags.Args()), Exclude: absoluteIDs(excluded)}
		return run(ctx, session, req, jsonOutput, outW, errW)
	case STATUS_SUBCMD:
		return status(ctx, session, outW, errW)
	case WATCH_SUBCMD:
		return watchFolder(ctx, session, os.Stdin, outW, errW)
	case HISTORY_SUBCMD:
		return history(session, historyCount, jsonOutput, outW, errW)
	}

	return ERROR_STATUS_CODE
}

// openSession loads the configuration of the folder and creates a session with the folder open.
func openSession(ctx context.Context, folder string, errW io.Writer) (*adapter.Session, error) {
	cfg, err := config.Load(folder)
	if err != nil {
		return nil, err
	}

	logger := logs.New(errW, cfg.LogLevel)

	session, err := adapter.NewSession(ctx, adapter.SessionArgs{Config: cfg, Logger: logger})
	if err != nil {
		return nil, err
	}

	if _, err := session.OpenFolder(folder); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func discover(ctx context.Context, session *adapter.Session, jsonOutput bool, outW, errW io.Writer) int {
	resolveErr := session.ResolveAll(ctx)
	if resolveErr != nil {
		fmt.Fprintln(errW, resolveErr)
	}

	snapshot := session.Tree().Snapshot()
	if jsonOutput {
		if err := writeJSON(outW, snapshot); err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
	} else {
		printTree(outW, snapshot)
	}

	if resolveErr != nil {
		return ERROR_STATUS_CODE
	}
	return 0
}

func run(ctx context.Context, session *adapter.Session, req testrun.Request, jsonOutput bool, outW, errW io.Writer) int {
	var (
		report testrun.Report
		err    error
	)

	if len(req.Include) == 0 {
		report, err = session.RunAll(ctx)
	} else {
		if resolveErr := session.ResolveAll(ctx); resolveErr != nil {
			fmt.Fprintln(errW, resolveErr)
		}
		report, err = session.Run(ctx, req)
	}

	if err != nil && !onlyMissingResults(err) {
		fmt.Fprintln(errW, err)
		if report.RunID == "" {
			return ERROR_STATUS_CODE
		}
	}

	if jsonOutput {
		if err := writeJSON(outW, report); err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
	} else {
		printReport(outW, report)
	}

	switch {
	case err != nil && !onlyMissingResults(err):
		return ERROR_STATUS_CODE
	case report.Count(testtree.Failed) > 0 || report.Count(testtree.Errored) > 0:
		return FAILED_TESTS_STATUS_CODE
	}
	return 0
}

// onlyMissingResults reports whether err only signals cases without a result, these cases are part of the
// report as errored cases.
func onlyMissingResults(err error) bool {
	var internalErr *testrun.InternalError
	return errors.As(err, &internalErr) && error(internalErr) == err
}

func status(ctx context.Context, session *adapter.Session, outW, errW io.Writer) int {
	pesterStatus, err := session.CheckPester(ctx)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	cfg := session.Config()
	fmt.Fprintf(outW, "interpreter: %s\n", cfg.Interpreter)
	if pesterStatus.Installed {
		fmt.Fprintf(outW, "pester: %s (minimum %s)\n", pesterStatus.Version, pesterStatus.Minimum)
	} else {
		fmt.Fprintln(outW, "pester: not installed")
	}
	if pesterStatus.Warning != "" {
		fmt.Fprintln(outW, pesterStatus.Warning)
	}
	return 0
}

func history(session *adapter.Session, count int, jsonOutput bool, outW, errW io.Writer) int {
	summaries, err := session.History(count)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	if jsonOutput {
		if err := writeJSON(outW, summaries); err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		return 0
	}

	printHistory(outW, summaries)
	return 0
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
