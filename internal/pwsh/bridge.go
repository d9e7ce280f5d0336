package pwsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils/processutils"
	"github.com/rs/zerolog"
)

const (
	BRIDGE_LOG_SRC = "/pwsh"

	DEFAULT_TIMEOUT                  = 2 * time.Minute
	DEFAULT_MAX_CONCURRENT_PROCESSES = 4

	//duration Wait waits for the output pipes to be closed after the interpreter has been killed.
	WAIT_DELAY = 2 * time.Second

	MAX_LOGGED_STDERR_LENGTH = 2000
)

var (
	//flags passed to every invocation so that it is deterministic and never blocks on a prompt.
	HEADLESS_FLAGS = []string{"-NonInteractive", "-NoLogo", "-NoProfile"}
)

// ExecResult is the captured output of an interpreter invocation. The bridge does not interpret the output.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// A Bridge executes script files or commands with the configured interpreter. It is the only
// component allowed to spawn processes.
type Bridge interface {
	ExecuteFile(ctx context.Context, scriptPath string, args ...string) (ExecResult, error)
	ExecuteCommand(ctx context.Context, command string) (ExecResult, error)
}

type ProcessBridgeArgs struct {
	Interpreter string

	//bound for a single call, defaults to DEFAULT_TIMEOUT.
	Timeout time.Duration

	//defaults to DEFAULT_MAX_CONCURRENT_PROCESSES.
	MaxConcurrentProcesses int

	//optional
	WorkingDir string

	//additional environment variables (KEY=VALUE).
	Env []string

	Logger zerolog.Logger
}

// ProcessBridge is a Bridge that starts a new interpreter process for each call. At most
// MaxConcurrentProcesses processes run at the same time, extra calls wait for a slot in FIFO-ish order.
type ProcessBridge struct {
	interpreter string
	timeout     time.Duration
	workingDir  string
	env         []string
	slots       chan struct{}
	logger      zerolog.Logger
}

var _ Bridge = (*ProcessBridge)(nil)

func NewProcessBridge(args ProcessBridgeArgs) *ProcessBridge {
	if args.Timeout <= 0 {
		args.Timeout = DEFAULT_TIMEOUT
	}
	if args.MaxConcurrentProcesses <= 0 {
		args.MaxConcurrentProcesses = DEFAULT_MAX_CONCURRENT_PROCESSES
	}

	return &ProcessBridge{
		interpreter: args.Interpreter,
		timeout:     args.Timeout,
		workingDir:  args.WorkingDir,
		env:         args.Env,
		slots:       make(chan struct{}, args.MaxConcurrentProcesses),
		logger:      logs.Component(args.Logger, BRIDGE_LOG_SRC),
	}
}

// MaxConcurrentProcesses returns the concurrency bound of the bridge.
func (b *ProcessBridge) MaxConcurrentProcesses() int {
	return cap(b.slots)
}

func (b *ProcessBridge) ExecuteFile(ctx context.Context, scriptPath string, args ...string) (ExecResult, error) {
	cmdArgs := make([]string, 0, len(HEADLESS_FLAGS)+2+len(args))
	cmdArgs = append(cmdArgs, HEADLESS_FLAGS...)
	cmdArgs = append(cmdArgs, "-File", scriptPath)
	cmdArgs = append(cmdArgs, args...)

	return b.execute(ctx, scriptPath, cmdArgs)
}

func (b *ProcessBridge) ExecuteCommand(ctx context.Context, command string) (ExecResult, error) {
	cmdArgs := make([]string, 0, len(HEADLESS_FLAGS)+2)
	cmdArgs = append(cmdArgs, HEADLESS_FLAGS...)
	cmdArgs = append(cmdArgs, "-Command", command)

	return b.execute(ctx, "", cmdArgs)
}

func (b *ProcessBridge) execute(ctx context.Context, script string, cmdArgs []string) (ExecResult, error) {
	interpreterPath, err := exec.LookPath(b.interpreter)
	if err != nil {
		return ExecResult{}, &ProcessError{Kind: InterpreterNotFound, Interpreter: b.interpreter, Script: script, Err: err}
	}

	//wait for a free slot.
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
	defer func() {
		<-b.slots
	}()

	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(callCtx, interpreterPath, cmdArgs...)
	cmd.Dir = b.workingDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = WAIT_DELAY
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}
	cmd.Cancel = func() error {
		//the interpreter may have started child processes.
		processutils.KillHierarchy(cmd.Process.Pid, b.logger)
		return nil
	}

	logger := b.logger.With().Str("script", script).Logger()
	logger.Debug().Strs("args", cmdArgs).Msg("start interpreter")

	start := time.Now()
	err = cmd.Run()

	result := ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	logger.Debug().Dur("duration", result.Duration).Int("stdoutLength", stdout.Len()).Msg("interpreter exited")

	if ctxErr := callCtx.Err(); ctxErr != nil {
		if parentErr := ctx.Err(); errors.Is(parentErr, context.Canceled) {
			return result, parentErr
		}
		return result, &ProcessError{Kind: Timeout, Interpreter: b.interpreter, Script: script, Timeout: b.timeout, Err: ctxErr}
	}

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		stderrText := strings.TrimSpace(string(result.Stderr))
		logger.Warn().Int("exitCode", exitErr.ExitCode()).Str("stderr", utils.Truncate(stderrText, MAX_LOGGED_STDERR_LENGTH)).Msg("interpreter failed")

		return result, &ProcessError{
			Kind:        NonZeroExit,
			Interpreter: b.interpreter,
			Script:      script,
			ExitCode:    exitErr.ExitCode(),
			Stderr:      stderrText,
			Err:         err,
		}
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return result, &ProcessError{Kind: InterpreterNotFound, Interpreter: b.interpreter, Script: script, Err: err}
	default:
		return result, fmt.Errorf("failed to run %s: %w", b.interpreter, err)
	}
}
