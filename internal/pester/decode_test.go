package pester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeDiscovery(t *testing.T) {

	t.Run("array", func(t *testing.T) {
		stdout := `[
			{"id": "f.ps1;3", "label": "adds numbers", "file": "f.ps1", "startLine": 2, "endLine": 4},
			{"id": "f.ps1;7", "label": "subtracts numbers", "file": "f.ps1", "startLine": 6, "endLine": 8}
		]`

		records, err := DecodeDiscovery([]byte(stdout), nil)
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, []DiscoveryRecord{
			{ID: "f.ps1;3", Label: "adds numbers", File: "f.ps1", StartLine: 2, EndLine: 4},
			{ID: "f.ps1;7", Label: "subtracts numbers", File: "f.ps1", StartLine: 6, EndLine: 8},
		}, records)
	})

	t.Run("a single bare object is normalized to a one-element sequence", func(t *testing.T) {
		stdout := `{"id": "f.ps1;3", "label": "adds numbers", "file": "f.ps1", "startLine": 2, "endLine": 4}`

		records, err := DecodeDiscovery([]byte(stdout), nil)
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, []DiscoveryRecord{
			{ID: "f.ps1;3", Label: "adds numbers", File: "f.ps1", StartLine: 2, EndLine: 4},
		}, records)
	})

	t.Run("missing ids are derived from the file and the 1-based start line", func(t *testing.T) {
		stdout := `[{"label": "adds numbers", "file": "f.ps1", "startLine": 2, "endLine": 4}]`

		records, err := DecodeDiscovery([]byte(stdout), nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "f.ps1;3", records[0].ID)
	})

	t.Run("no output at all means no tests", func(t *testing.T) {
		records, err := DecodeDiscovery([]byte("  \r\n"), nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Empty(t, records)
		assert.NotNil(t, records)

		records, err = DecodeDiscovery([]byte("null"), nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Empty(t, records)
	})

	t.Run("stderr without stdout", func(t *testing.T) {
		_, err := DecodeDiscovery(nil, []byte("Import-Module: The specified module 'Pester' was not loaded\nmore"))
		if !assert.ErrorIs(t, err, ErrEmptyOutput) {
			return
		}

		decodeErr := err.(*DecodeError)
		assert.Equal(t, EmptyOutput, decodeErr.Kind)
		assert.Equal(t, DiscoveryMode, decodeErr.Mode)
		assert.Contains(t, err.Error(), "Import-Module: The specified module 'Pester' was not loaded")
		assert.NotContains(t, err.Error(), "more")
	})

	t.Run("malformed", func(t *testing.T) {
		payloads := []string{
			`[{"id": "f.ps1;3"`,
			`"a string"`,
			`42`,
			`[1, 2]`,
			`[{"label": "no id and no file", "startLine": 1, "endLine": 1}]`,
			`[{"id": "x", "file": "f.ps1", "startLine": 5, "endLine": 1}]`,
		}

		for _, payload := range payloads {
			_, err := DecodeDiscovery([]byte(payload), []byte("warning"))
			if !assert.ErrorIs(t, err, ErrMalformedOutput, payload) {
				continue
			}
			assert.Equal(t, payload, err.(*DecodeError).Stdout)
		}
	})
}

func TestDecodeRun(t *testing.T) {

	t.Run("failed record with a diff", func(t *testing.T) {
		stdout := `[{"id": "f.ps1;3", "outcome": "Failed", "durationMs": 12, "message": "mismatch", "expected": "4", "actual": "5"}]`

		records, err := DecodeRun([]byte(stdout), nil)
		if !assert.NoError(t, err) {
			return
		}
		if !assert.Len(t, records, 1) {
			return
		}

		record := records[0]
		assert.Equal(t, OutcomeFailed, record.Outcome)
		assert.Equal(t, 12*time.Millisecond, record.Duration())
		assert.True(t, record.HasDiff())
		assert.Equal(t, "4", *record.Expected)
		assert.Equal(t, "5", *record.Actual)
		assert.Nil(t, record.TargetLine)
	})

	t.Run("single object with a target location", func(t *testing.T) {
		stdout := `{"id": "f.ps1;3", "outcome": "passed", "durationMs": 1.5, "targetFile": "f.ps1", "targetLine": 3}`

		records, err := DecodeRun([]byte(stdout), nil)
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, OutcomePassed, records[0].Outcome)
		assert.Equal(t, 1500*time.Microsecond, records[0].Duration())
		assert.False(t, records[0].HasDiff())
		if assert.NotNil(t, records[0].TargetLine) {
			assert.Equal(t, 3, *records[0].TargetLine)
		}
	})

	t.Run("negative durations are clamped", func(t *testing.T) {
		records, err := DecodeRun([]byte(`[{"id": "a", "outcome": "NotRun", "durationMs": -3}]`), nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, OutcomeSkipped, records[0].Outcome)
		assert.Zero(t, records[0].Duration())
	})

	t.Run("unknown outcome", func(t *testing.T) {
		_, err := DecodeRun([]byte(`[{"id": "a", "outcome": "Maybe"}]`), nil)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("record without id", func(t *testing.T) {
		_, err := DecodeRun([]byte(`[{"outcome": "Passed"}]`), nil)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("outcome of the wrong type", func(t *testing.T) {
		_, err := DecodeRun([]byte(`[{"id": "a", "outcome": 1}]`), nil)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})
}

func TestParseOutcome(t *testing.T) {
	cases := map[string]Outcome{
		"Passed":       OutcomePassed,
		"FAILED":       OutcomeFailed,
		"Skipped":      OutcomeSkipped,
		"Inconclusive": OutcomeSkipped,
		" errored ":    OutcomeErrored,
	}

	for input, expected := range cases {
		outcome, ok := ParseOutcome(input)
		assert.True(t, ok, input)
		assert.Equal(t, expected, outcome, input)
	}

	_, ok := ParseOutcome("")
	assert.False(t, ok)
}
