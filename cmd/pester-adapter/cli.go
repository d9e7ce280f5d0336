package main

import (
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

const (
	DISCOVER_SUBCMD              = "discover"
	RUN_SUBCMD                   = "run"
	STATUS_SUBCMD                = "status"
	WATCH_SUBCMD                 = "watch"
	HISTORY_SUBCMD               = "history"
	INSTALL_COMPLETIONS_SUBCMD   = "install-completions"
	UNINSTALL_COMPLETIONS_SUBCMD = "uninstall-completions"
	HELP_SUBCMD                  = "help"
)

var (
	SUBCOMMANDS = []string{
		DISCOVER_SUBCMD, RUN_SUBCMD, STATUS_SUBCMD, WATCH_SUBCMD, HISTORY_SUBCMD,
		INSTALL_COMPLETIONS_SUBCMD, UNINSTALL_COMPLETIONS_SUBCMD, HELP_SUBCMD,
	}

	HELP_SUBCMD_EQUIVALENTS = []string{"--help", "-help", "-h"}

	SUBCOMMAND_DESCRIPTIONS = [][2]string{
		{DISCOVER_SUBCMD, "discover the Pester tests of a workspace folder and print the test tree"},
		{RUN_SUBCMD, "run the tests of a workspace folder, or the tests and files whose ids are passed as arguments"},
		{STATUS_SUBCMD, "check that PowerShell and a recent version of the Pester module are installed"},
		{WATCH_SUBCMD, "discover the tests, keep the tree up to date and run the tests on demand"},
		{HISTORY_SUBCMD, "show the most recent recorded runs"},

		{INSTALL_COMPLETIONS_SUBCMD, "install CLI completions by adding the completion command to the detected rc file (supported shells are bash, zsh and fish)"},
		{UNINSTALL_COMPLETIONS_SUBCMD, "uninstall CLI completions by removing the completion command from the detected rc file"},
		{HELP_SUBCMD, "show the general help or command-specific help"},
	}

	SUBCOMMAND_DESCRIPTION_MAP = map[string]string{}

	CMD_HELP = "commands:\n"

	folderFlagPredictor = predict.Dirs("*")

	cmd = &complete.Command{
		Sub: map[string]*complete.Command{
			DISCOVER_SUBCMD: {
				Flags: map[string]complete.Predictor{
					"folder": folderFlagPredictor,
					"json":   predict.Nothing,
				},
			},
			RUN_SUBCMD: {
				Flags: map[string]complete.Predictor{
					"folder":  folderFlagPredictor,
					"json":    predict.Nothing,
					"exclude": predict.Something,
				},
				Args: predict.Files("*.[tT]ests.ps1"),
			},
			STATUS_SUBCMD: {
				Flags: map[string]complete.Predictor{
					"folder": folderFlagPredictor,
				},
			},
			WATCH_SUBCMD: {
				Flags: map[string]complete.Predictor{
					"folder": folderFlagPredictor,
				},
			},
			HISTORY_SUBCMD: {
				Flags: map[string]complete.Predictor{
					"folder": folderFlagPredictor,
					"json":   predict.Nothing,
					"n":      predict.Set{"5", "10", "50"},
				},
			},
			HELP_SUBCMD: {
				Args: predict.Set(SUBCOMMANDS),
			},
			INSTALL_COMPLETIONS_SUBCMD:   {},
			UNINSTALL_COMPLETIONS_SUBCMD: {},
		},
	}
)

func init() {
	for _, entry := range SUBCOMMAND_DESCRIPTIONS {
		cmd, desc := entry[0], entry[1]
		SUBCOMMAND_DESCRIPTION_MAP[cmd] = desc
		CMD_HELP += "\t" + cmd + " - " + desc + "\n"
	}
	CMD_HELP += "\nType `" + COMMAND_NAME + " help <command>` to get command-specific help.\n"
}

// moveFlagsStart moves the flags before the positional arguments so that flag.FlagSet.Parse sees all of them.
// The values of non-boolean flags must be attached with '=' (-folder=<dir>, -exclude=<id>).
func moveFlagsStart(args []string) {
	index := 0

	for i := range args {
		if args[i] == "--" {
			break
		}
		if len(args[i]) > 0 && args[i][0] == '-' {
			temp := args[i]
			args[i] = args[index]
			args[index] = temp
			index++
		}
	}
}

func showHelp(flags *flag.FlagSet, args []string, out io.Writer) bool {
	if !slices.ContainsFunc(args, func(arg string) bool { return slices.Contains(HELP_SUBCMD_EQUIVALENTS, arg) }) {
		return false
	}

	if desc, ok := SUBCOMMAND_DESCRIPTION_MAP[flags.Name()]; ok {
		fmt.Fprintln(out, desc)
	}

	flags.SetOutput(out)
	fmt.Fprint(out, "\noptions:\n")
	flags.PrintDefaults()
	return true
}

// stringList is a flag.Value accumulating the values of a repeated flag.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}
