package utils

import (
	"context"
	"unicode/utf8"
)

const TRUNCATION_SUFFIX = "...(truncated)"

func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Truncate returns s if it is not longer than maxLen bytes, otherwise at most maxLen bytes followed by a suffix.
// The cut never splits a rune.
func Truncate(s string, maxLen int) string {
	if maxLen < 0 || len(s) <= maxLen {
		return s
	}
	end := maxLen
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + TRUNCATION_SUFFIX
}
