package utils

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestCombineErrors(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		assert.NoError(t, CombineErrors())
		assert.NoError(t, CombineErrors(nil, nil))
	})

	t.Run("nil errors are ignored", func(t *testing.T) {
		err := CombineErrors(nil, errors.New("a"), nil, errors.New("b"))
		assert.EqualError(t, err, "a\nb")
	})

	t.Run("prefix", func(t *testing.T) {
		err := CombineErrorsWithPrefixMessage("failed", errors.New("a"))
		assert.EqualError(t, err, "failed: a")
		assert.NoError(t, CombineErrorsWithPrefixMessage("failed", nil))
	})
}

func TestDedupStable(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, DedupStable([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, DedupStable([]string(nil)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab"+TRUNCATION_SUFFIX, Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", -1))

	t.Run("a multi-byte rune is not split", func(t *testing.T) {
		truncated := Truncate("aé€b", 3)
		assert.Equal(t, "aé"+TRUNCATION_SUFFIX, truncated)
		assert.True(t, utf8.ValidString(truncated))

		assert.Equal(t, "a"+TRUNCATION_SUFFIX, Truncate("aé€b", 2))
		assert.Equal(t, TRUNCATION_SUFFIX, Truncate("€", 2))
	})
}

func TestIsContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, IsContextDone(ctx))
	cancel()
	assert.True(t, IsContextDone(ctx))
}
