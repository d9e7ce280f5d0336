package utils

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

func ConvertPanicValueToError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}

	return fmt.Errorf("%#v", v)
}

// CombineErrors combines errors into a single error with a multiline message, nil errors are ignored.
// CombineErrors returns nil if there is no non-nil error. errors.Is and errors.As see every combined error.
func CombineErrors(errs ...error) error {
	return errors.Join(errs...)
}

// CombineErrorsWithPrefixMessage combines errors into a single error with a multiline message.
func CombineErrorsWithPrefixMessage(prefixMsg string, errs ...error) error {
	err := CombineErrors(errs...)
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", prefixMsg, err)
}

// LogPanic should be deferred at the top of long-lived goroutines, it recovers from a panic and logs
// the panic value along with the stack.
func LogPanic(logger zerolog.Logger, location string) {
	e := recover()
	if e == nil {
		return
	}
	err := ConvertPanicValueToError(e)
	err = fmt.Errorf("%w: %s", err, debug.Stack())
	logger.Error().Err(err).Msg("recovered from panic in " + location)
}
