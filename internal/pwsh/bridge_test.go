package pwsh

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

const (
	FAKE_INTERPRETER_ENV_VARNAME = "PESTER_ADAPTER_FAKE_PWSH"

	FAKE_ECHO_ARGS   = "echo-args"
	FAKE_FAIL        = "fail"
	FAKE_SLEEP       = "sleep"
	FAKE_SHORT_SLEEP = "short-sleep"
)

// TestMain makes the test binary act as a fake interpreter when it is started by a ProcessBridge.
func TestMain(m *testing.M) {
	if mode := os.Getenv(FAKE_INTERPRETER_ENV_VARNAME); mode != "" {
		os.Exit(runFakeInterpreter(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runFakeInterpreter(mode string, args []string) int {
	switch mode {
	case FAKE_ECHO_ARGS:
		b, _ := json.Marshal(args)
		fmt.Fprint(os.Stdout, string(b))
		return 0
	case FAKE_FAIL:
		fmt.Fprint(os.Stderr, "The term 'Invoke-Pester' is not recognized")
		return 3
	case FAKE_SLEEP:
		time.Sleep(30 * time.Second)
		return 0
	case FAKE_SHORT_SLEEP:
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(os.Stdout, "[]")
		return 0
	}
	return 1
}

func newFakeBridge(t *testing.T, mode string, timeout time.Duration, maxProcesses int) *ProcessBridge {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	return NewProcessBridge(ProcessBridgeArgs{
		Interpreter:            exe,
		Timeout:                timeout,
		MaxConcurrentProcesses: maxProcesses,
		Env:                    []string{FAKE_INTERPRETER_ENV_VARNAME + "=" + mode},
		Logger:                 zerolog.Nop(),
	})
}

func TestProcessBridge(t *testing.T) {

	t.Run("headless flags are passed before the script and its arguments", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_ECHO_ARGS, 0, 0)

		result, err := bridge.ExecuteFile(context.Background(), "/scripts/DiscoverTests.ps1", "-TestsOnly", "/w/a.Tests.ps1")
		if !assert.NoError(t, err) {
			return
		}

		var args []string
		if !assert.NoError(t, json.Unmarshal(result.Stdout, &args)) {
			return
		}

		assert.Equal(t, []string{
			"-NonInteractive", "-NoLogo", "-NoProfile",
			"-File", "/scripts/DiscoverTests.ps1",
			"-TestsOnly", "/w/a.Tests.ps1",
		}, args)
		assert.Empty(t, result.Stderr)
	})

	t.Run("command", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_ECHO_ARGS, 0, 0)

		result, err := bridge.ExecuteCommand(context.Background(), "Get-Module")
		if !assert.NoError(t, err) {
			return
		}

		var args []string
		if !assert.NoError(t, json.Unmarshal(result.Stdout, &args)) {
			return
		}
		assert.Equal(t, []string{"-NonInteractive", "-NoLogo", "-NoProfile", "-Command", "Get-Module"}, args)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_FAIL, 0, 0)

		result, err := bridge.ExecuteFile(context.Background(), "RunTests.ps1")
		if !assert.ErrorIs(t, err, ErrNonZeroExit) {
			return
		}

		processErr := err.(*ProcessError)
		assert.Equal(t, NonZeroExit, processErr.Kind)
		assert.Equal(t, 3, processErr.ExitCode)
		assert.Contains(t, processErr.Stderr, "Invoke-Pester")
		assert.Contains(t, string(result.Stderr), "Invoke-Pester")
	})

	t.Run("interpreter not found", func(t *testing.T) {
		bridge := NewProcessBridge(ProcessBridgeArgs{
			Interpreter: "definitely-not-an-installed-interpreter",
			Logger:      zerolog.Nop(),
		})

		_, err := bridge.ExecuteFile(context.Background(), "RunTests.ps1")
		assert.ErrorIs(t, err, ErrInterpreterNotFound)
		assert.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("timeout", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_SLEEP, 300*time.Millisecond, 0)

		start := time.Now()
		_, err := bridge.ExecuteFile(context.Background(), "RunTests.ps1")
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("cancellation", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_SLEEP, time.Minute, 0)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(200*time.Millisecond, cancel)

		start := time.Now()
		_, err := bridge.ExecuteFile(ctx, "RunTests.ps1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("already cancelled context", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_ECHO_ARGS, 0, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := bridge.ExecuteFile(ctx, "RunTests.ps1")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("the number of concurrent processes is bounded", func(t *testing.T) {
		bridge := newFakeBridge(t, FAKE_SHORT_SLEEP, 0, 1)
		assert.Equal(t, 1, bridge.MaxConcurrentProcesses())

		start := time.Now()

		wg := new(sync.WaitGroup)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := bridge.ExecuteFile(context.Background(), "RunTests.ps1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	})
}
