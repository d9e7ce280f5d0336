package pester

import (
	"strconv"
	"strings"
	"time"
)

// A DiscoveryRecord describes a test case found by the discovery script, lines are 0-based.
type DiscoveryRecord struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	File      string `json:"file"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// DerivedID returns the record's id, or an id computed from the file and the 1-based start line when the
// script did not provide one. The same unchanged file always yields the same ids.
func (r DiscoveryRecord) DerivedID() string {
	if r.ID != "" {
		return r.ID
	}
	return CaseID(r.File, r.StartLine+1)
}

// CaseID returns the identifier of the test case starting at the given 1-based line, it has the
// same shape as the ids produced by the scripts: <file>;<line>.
func CaseID(file string, line int) string {
	return file + ";" + strconv.Itoa(line)
}

// A RunRecord is the result of a single test case. TargetLine is 0-based like the lines of discovery records.
type RunRecord struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	File       string  `json:"file"`
	Outcome    Outcome `json:"outcome"`
	DurationMs float64 `json:"durationMs"`
	Message    string  `json:"message,omitempty"`
	Expected   *string `json:"expected,omitempty"`
	Actual     *string `json:"actual,omitempty"`
	TargetFile string  `json:"targetFile,omitempty"`
	TargetLine *int    `json:"targetLine,omitempty"`
}

// Duration returns the duration reported by the script, negative values are clamped to zero.
func (r RunRecord) Duration() time.Duration {
	if r.DurationMs <= 0 {
		return 0
	}
	return time.Duration(r.DurationMs * float64(time.Millisecond))
}

// HasDiff reports whether both an expected and an actual value are present.
func (r RunRecord) HasDiff() bool {
	return r.Expected != nil && r.Actual != nil
}

type Outcome string

const (
	OutcomePassed  Outcome = "Passed"
	OutcomeFailed  Outcome = "Failed"
	OutcomeSkipped Outcome = "Skipped"
	OutcomeErrored Outcome = "Errored"
)

// ParseOutcome normalizes the outcome strings emitted by the run script and by Pester itself.
// NotRun and Inconclusive are reported as skipped.
func ParseOutcome(s string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass", "success":
		return OutcomePassed, true
	case "failed", "fail", "failure":
		return OutcomeFailed, true
	case "skipped", "skip", "notrun", "inconclusive", "pending":
		return OutcomeSkipped, true
	case "errored", "error":
		return OutcomeErrored, true
	default:
		return "", false
	}
}
