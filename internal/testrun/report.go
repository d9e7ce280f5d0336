package testrun

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
)

var (
	ErrUnknownNode          = errors.New("unknown test node")
	ErrNotRunnable          = errors.New("node is not runnable")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrMissingResult        = errors.New("no result was reported for a requested test")
)

// A Request selects the nodes to run, Exclude can be empty. File nodes expand to their cases.
type Request struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude,omitempty"`
}

type Result struct {
	ID       string            `json:"id"`
	Label    string            `json:"label"`
	File     string            `json:"file"`
	State    testtree.RunState `json:"state"`
	Duration time.Duration     `json:"duration"`
	Message  *testtree.Message `json:"message,omitempty"`
}

// A Warning is a non-fatal problem of a run.
type Warning struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	IDs     []string `json:"ids,omitempty"`
}

type Report struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Results  []Result  `json:"results"`
	Warnings []Warning `json:"warnings,omitempty"`

	//requested ids for which the run script returned no record.
	Missing []string `json:"missing,omitempty"`
}

// Count returns the number of results in the given state.
func (r Report) Count(state testtree.RunState) int {
	count := 0
	for _, result := range r.Results {
		if result.State == state {
			count++
		}
	}
	return count
}

func (r Report) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type InternalErrorKind int

const (
	MissingResult InternalErrorKind = iota + 1
)

func (k InternalErrorKind) String() string {
	switch k {
	case MissingResult:
		return "MissingResult"
	default:
		return "Unknown"
	}
}

// An InternalError signals a violation of the contract between the run coordinator and the run script.
type InternalError struct {
	Kind InternalErrorKind
	IDs  []string
}

func (e *InternalError) Error() string {
	switch e.Kind {
	case MissingResult:
		return fmt.Sprintf("%s: %s", ErrMissingResult, strings.Join(e.IDs, ", "))
	default:
		return "internal error"
	}
}

func (e *InternalError) Is(target error) bool {
	return e.Kind == MissingResult && target == ErrMissingResult
}
