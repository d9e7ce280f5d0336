package logs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Run("non terminal writers receive JSON", func(t *testing.T) {
		buf := bytes.NewBuffer(nil)
		logger := New(buf, "debug")
		componentLogger := Component(logger, "/discovery")
		componentLogger.Debug().Msg("hello")

		assert.Contains(t, buf.String(), `"src":"/discovery"`)
		assert.Contains(t, buf.String(), `"message":"hello"`)
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		buf := bytes.NewBuffer(nil)
		logger := New(buf, "verbose")
		logger.Debug().Msg("hidden")
		logger.Info().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}
