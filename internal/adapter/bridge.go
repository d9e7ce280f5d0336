package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/rs/zerolog"
)

// latchingBridge remembers that the interpreter could not be found: later calls fail with the same error
// without trying to spawn a process until reset is called.
type latchingBridge struct {
	bridge pwsh.Bridge
	logger zerolog.Logger

	lock    sync.Mutex
	latched error
}

var _ pwsh.Bridge = (*latchingBridge)(nil)

func (b *latchingBridge) ExecuteFile(ctx context.Context, scriptPath string, args ...string) (pwsh.ExecResult, error) {
	if err := b.latchedError(); err != nil {
		return pwsh.ExecResult{}, err
	}
	result, err := b.bridge.ExecuteFile(ctx, scriptPath, args...)
	b.observe(err)
	return result, err
}

func (b *latchingBridge) ExecuteCommand(ctx context.Context, command string) (pwsh.ExecResult, error) {
	if err := b.latchedError(); err != nil {
		return pwsh.ExecResult{}, err
	}
	result, err := b.bridge.ExecuteCommand(ctx, command)
	b.observe(err)
	return result, err
}

func (b *latchingBridge) latchedError() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.latched
}

func (b *latchingBridge) observe(err error) {
	if err == nil || !errors.Is(err, pwsh.ErrInterpreterNotFound) {
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.latched == nil {
		b.latched = err
		b.logger.Error().Err(err).Msg("PowerShell interpreter not found, discovery and runs are disabled until the interpreter is reset")
	}
}

func (b *latchingBridge) reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.latched = nil
}
