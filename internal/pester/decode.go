package pester

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

type Mode int

const (
	DiscoveryMode Mode = iota + 1
	RunMode
)

func (m Mode) String() string {
	switch m {
	case DiscoveryMode:
		return "discovery"
	case RunMode:
		return "run"
	default:
		return "unknown"
	}
}

type DecodeErrorKind int

const (
	MalformedOutput DecodeErrorKind = iota + 1
	EmptyOutput
)

const MAX_RAW_PAYLOAD_IN_ERROR = 4000

var (
	ErrMalformedOutput = errors.New("malformed interpreter output")
	ErrEmptyOutput     = errors.New("empty interpreter output")
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedOutput:
		return "MalformedOutput"
	case EmptyOutput:
		return "EmptyOutput"
	default:
		return "Unknown"
	}
}

// A DecodeError is returned when the output of a script cannot be turned into records. Stdout and Stderr
// hold the raw payload so that it can be logged.
type DecodeError struct {
	Kind   DecodeErrorKind
	Mode   Mode
	Stdout string
	Stderr string
	Err    error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case EmptyOutput:
		return fmt.Sprintf("%s (%s): the script wrote to stderr but not to stdout, the interpreter or Pester may be misconfigured: %s",
			ErrEmptyOutput, e.Mode, firstLine(e.Stderr))
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s (%s): %v", ErrMalformedOutput, e.Mode, e.Err)
		}
		return fmt.Sprintf("%s (%s)", ErrMalformedOutput, e.Mode)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	switch e.Kind {
	case MalformedOutput:
		return target == ErrMalformedOutput
	case EmptyOutput:
		return target == ErrEmptyOutput
	}
	return false
}

// DecodeDiscovery decodes the output of the discovery script. Records without an id get a derived one.
func DecodeDiscovery(stdout, stderr []byte) ([]DiscoveryRecord, error) {
	records, err := decodeRecords[DiscoveryRecord](stdout, stderr, DiscoveryMode)
	if err != nil {
		return nil, err
	}

	for i, record := range records {
		if record.File == "" && record.ID == "" {
			return nil, newMalformedError(DiscoveryMode, stdout, stderr, fmt.Errorf("record %d has neither an id nor a file", i))
		}
		if record.StartLine < 0 || record.EndLine < record.StartLine {
			return nil, newMalformedError(DiscoveryMode, stdout, stderr, fmt.Errorf("record %d has an invalid line range [%d, %d]", i, record.StartLine, record.EndLine))
		}
		records[i].ID = record.DerivedID()
	}

	return records, nil
}

// DecodeRun decodes the output of the run script, every record should have an id and a known outcome.
func DecodeRun(stdout, stderr []byte) ([]RunRecord, error) {
	records, err := decodeRecords[RunRecord](stdout, stderr, RunMode)
	if err != nil {
		return nil, err
	}

	for i, record := range records {
		if record.ID == "" {
			return nil, newMalformedError(RunMode, stdout, stderr, fmt.Errorf("record %d has no id", i))
		}
		outcome, ok := ParseOutcome(string(record.Outcome))
		if !ok {
			return nil, newMalformedError(RunMode, stdout, stderr, fmt.Errorf("record %q has an unknown outcome %q", record.ID, record.Outcome))
		}
		records[i].Outcome = outcome
	}

	return records, nil
}

func decodeRecords[R any](stdout, stderr []byte, mode Mode) ([]R, error) {
	trimmed := bytes.TrimSpace(stdout)

	if len(trimmed) == 0 {
		if len(bytes.TrimSpace(stderr)) > 0 {
			return nil, &DecodeError{Kind: EmptyOutput, Mode: mode, Stderr: truncatePayload(stderr)}
		}
		//no test in the file.
		return []R{}, nil
	}

	if !gjson.ValidBytes(trimmed) {
		return nil, newMalformedError(mode, stdout, stderr, errors.New("invalid JSON"))
	}

	//ConvertTo-Json collapses single-element arrays into a bare object.
	parsed := gjson.ParseBytes(trimmed)
	switch {
	case parsed.IsArray():
	case parsed.IsObject():
		trimmed = append(append([]byte{'['}, trimmed...), ']')
	case parsed.Type == gjson.Null:
		return []R{}, nil
	default:
		return nil, newMalformedError(mode, stdout, stderr, fmt.Errorf("expected an array or an object, got %s", parsed.Type))
	}

	var records []R
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, newMalformedError(mode, stdout, stderr, err)
	}

	if records == nil {
		records = []R{}
	}
	return records, nil
}

func newMalformedError(mode Mode, stdout, stderr []byte, err error) *DecodeError {
	return &DecodeError{
		Kind:   MalformedOutput,
		Mode:   mode,
		Stdout: truncatePayload(stdout),
		Stderr: truncatePayload(stderr),
		Err:    err,
	}
}

func truncatePayload(b []byte) string {
	return utils.Truncate(string(b), MAX_RAW_PAYLOAD_IN_ERROR)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
