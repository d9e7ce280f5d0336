package pwsh

import (
	"errors"
	"fmt"
	"time"
)

type ProcessErrorKind int

const (
	InterpreterNotFound ProcessErrorKind = iota + 1
	NonZeroExit
	Timeout
)

var (
	ErrInterpreterNotFound = errors.New("interpreter not found")
	ErrNonZeroExit         = errors.New("interpreter exited with a non-zero status")
	ErrTimeout             = errors.New("interpreter call timed out")
)

func (k ProcessErrorKind) String() string {
	switch k {
	case InterpreterNotFound:
		return "InterpreterNotFound"
	case NonZeroExit:
		return "NonZeroExit"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

func (k ProcessErrorKind) sentinel() error {
	switch k {
	case InterpreterNotFound:
		return ErrInterpreterNotFound
	case NonZeroExit:
		return ErrNonZeroExit
	case Timeout:
		return ErrTimeout
	default:
		return nil
	}
}

// A ProcessError is returned by a Bridge when the interpreter could not be started, failed or did not exit
// in time. errors.Is(err, ErrTimeout) (and the other sentinels) can be used to test the kind.
type ProcessError struct {
	Kind        ProcessErrorKind
	Interpreter string
	Script      string //empty for commands

	ExitCode int    //NonZeroExit only
	Stderr   string //NonZeroExit only

	Timeout time.Duration //Timeout only
	Err     error
}

func (e *ProcessError) Error() string {
	target := e.Script
	if target == "" {
		target = "command"
	}

	switch e.Kind {
	case InterpreterNotFound:
		return fmt.Sprintf("%s: %s: %v", ErrInterpreterNotFound, e.Interpreter, e.Err)
	case NonZeroExit:
		msg := fmt.Sprintf("%s (%s): exit code %d", ErrNonZeroExit, target, e.ExitCode)
		if e.Stderr != "" {
			msg += ": " + e.Stderr
		}
		return msg
	case Timeout:
		return fmt.Sprintf("%s (%s) after %s", ErrTimeout, target, e.Timeout)
	default:
		return fmt.Sprintf("process error (%s): %v", target, e.Err)
	}
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

func (e *ProcessError) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}
