package pester

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/gjson"
)

const (
	MODULE_NAME                    = "Pester"
	DEFAULT_MINIMUM_PESTER_VERSION = "5.2.0"
	QUICK_START_URL                = "https://pester.dev/docs/quick-start"

	LIST_PESTER_MODULES_COMMAND = "Get-Module -ListAvailable Pester | " +
		"Select-Object Name,@{n='Version';e={$_.Version.ToString()}} | ConvertTo-Json -Compress"
)

// Status is the result of the advisory Pester presence check.
type Status struct {
	Installed    bool
	Version      *semver.Version //highest installed version, nil if not installed
	Minimum      *semver.Version
	MeetsMinimum bool

	//empty if the installation is fine.
	Warning string
}

// CheckStatus asks the interpreter which versions of the Pester module are available. The returned status is
// advisory, it should not prevent discovery or runs. Errors are only returned when the check itself could not
// be performed (interpreter missing, timeout, ...).
func CheckStatus(ctx context.Context, bridge pwsh.Bridge, minimumVersion string) (Status, error) {
	if minimumVersion == "" {
		minimumVersion = DEFAULT_MINIMUM_PESTER_VERSION
	}
	minimum, err := semver.NewVersion(minimumVersion)
	if err != nil {
		return Status{}, fmt.Errorf("invalid minimum Pester version: %w", err)
	}

	result, err := bridge.ExecuteCommand(ctx, LIST_PESTER_MODULES_COMMAND)
	if err != nil && !errors.Is(err, pwsh.ErrNonZeroExit) {
		return Status{}, err
	}

	return statusFromOutput(result.Stdout, minimum), nil
}

func statusFromOutput(stdout []byte, minimum *semver.Version) Status {
	status := Status{Minimum: minimum}

	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 || !gjson.ValidBytes(stdout) {
		status.Warning = "The Pester PowerShell module is not installed, see " + QUICK_START_URL + " to get started with Pester."
		return status
	}

	//a single module is serialized as an object, several modules as an array.
	parsed := gjson.ParseBytes(stdout)
	var modules []gjson.Result
	if parsed.IsArray() {
		modules = parsed.Array()
	} else {
		modules = []gjson.Result{parsed}
	}

	for _, module := range modules {
		version, err := semver.NewVersion(module.Get("Version").String())
		if err != nil {
			continue
		}
		if status.Version == nil || version.GreaterThan(status.Version) {
			status.Version = version
		}
	}

	if status.Version == nil {
		status.Warning = "The Pester PowerShell module is not installed, see " + QUICK_START_URL + " to get started with Pester."
		return status
	}

	status.Installed = true
	status.MeetsMinimum = !status.Version.LessThan(minimum)
	if !status.MeetsMinimum {
		status.Warning = fmt.Sprintf("Pester version %s+ is recommended and will be required in a future release, version %s is installed.",
			minimum, status.Version)
	}

	return status
}
