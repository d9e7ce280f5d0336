package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/config"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pester/scripts"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testrun"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/watch"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// fakePwsh answers like the real scripts: every file gets a single case at line 3 and every case passes.
type fakePwsh struct {
	lock     sync.Mutex
	calls    int
	commands int
	fail     error
}

func (b *fakePwsh) ExecuteFile(ctx context.Context, scriptPath string, args ...string) (pwsh.ExecResult, error) {
	b.lock.Lock()
	b.calls++
	fail := b.fail
	b.lock.Unlock()

	if fail != nil {
		return pwsh.ExecResult{}, fail
	}

	var positional []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
		}
	}

	switch filepath.Base(scriptPath) {
	case scripts.DISCOVERY_SCRIPT_NAME:
		var records []map[string]any
		for _, path := range positional {
			records = append(records, map[string]any{
				"id":        path + ";3",
				"label":     "works",
				"file":      path,
				"startLine": 2,
				"endLine":   4,
			})
		}
		return marshal(records)
	case scripts.RUN_SCRIPT_NAME:
		var records []map[string]any
		for _, id := range positional {
			records = append(records, map[string]any{"id": id, "outcome": "Passed", "durationMs": 3})
		}
		return marshal(records)
	default:
		return pwsh.ExecResult{}, fmt.Errorf("unexpected script %s", scriptPath)
	}
}

func (b *fakePwsh) ExecuteCommand(ctx context.Context, command string) (pwsh.ExecResult, error) {
	b.lock.Lock()
	b.commands++
	fail := b.fail
	b.lock.Unlock()

	if fail != nil {
		return pwsh.ExecResult{}, fail
	}
	return pwsh.ExecResult{Stdout: []byte(`{"Name":"Pester","Version":"5.5.0"}`)}, nil
}

func (b *fakePwsh) callCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.calls
}

func marshal(v any) (pwsh.ExecResult, error) {
	out, err := json.Marshal(v)
	return pwsh.ExecResult{Stdout: out}, err
}

type idleEventSource struct {
	events chan watch.Event
	errors chan error
	once   sync.Once
}

func newIdleEventSource(root, pattern string, logger zerolog.Logger) (watch.EventSource, error) {
	return &idleEventSource{events: make(chan watch.Event), errors: make(chan error)}, nil
}

func (s *idleEventSource) Events() <-chan watch.Event { return s.events }
func (s *idleEventSource) Errors() <-chan error { return s.errors }

func (s *idleEventSource) Close() error {
	s.once.Do(func() {
		close(s.events)
		close(s.errors)
	})
	return nil
}

func newTestSession(t *testing.T, bridge pwsh.Bridge) *Session {
	cfg := config.Default()
	cfg.RunStorePath = filepath.Join(t.TempDir(), "runs.bbolt")

	session, err := NewSession(context.Background(), SessionArgs{
		Config:            cfg,
		Logger:            zerolog.New(&utils.TestWriter{T: t}),
		Bridge:            bridge,
		ScriptsFilesystem: memfs.New(),
		NewEventSource:    newIdleEventSource,
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() {
		session.Close()
	})
	return session
}

func newWorkspace(t *testing.T, files ...string) string {
	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, name)
		if !assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700)) {
			t.FailNow()
		}
		if !assert.NoError(t, os.WriteFile(path, nil, 0o600)) {
			t.FailNow()
		}
	}
	return dir
}

func TestNewSession(t *testing.T) {

	t.Run("the embedded scripts are installed", func(t *testing.T) {
		cfg := config.Default()
		cfg.RecordRuns = false
		fls := memfs.New()

		session, err := NewSession(context.Background(), SessionArgs{
			Config:            cfg,
			Logger:            zerolog.Nop(),
			Bridge:            &fakePwsh{},
			ScriptsFilesystem: fls,
		})
		if !assert.NoError(t, err) {
			return
		}
		defer session.Close()

		dir, _ := cfg.GetScriptsDir()
		content, err := util.ReadFile(fls, filepath.Join(dir, scripts.DISCOVERY_SCRIPT_NAME))
		assert.NoError(t, err)
		assert.NotEmpty(t, content)

		assert.NotEmpty(t, session.ID())
		assert.Nil(t, session.Store())

		_, err = session.History(10)
		assert.ErrorIs(t, err, ErrRunsNotStored)
	})

	t.Run("an invalid configuration is rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.Interpreter = ""

		_, err := NewSession(context.Background(), SessionArgs{Config: cfg, Logger: zerolog.Nop()})
		assert.ErrorIs(t, err, config.ErrEmptyInterpreter)
	})

	t.Run("sessions have distinct ids", func(t *testing.T) {
		first := newTestSession(t, &fakePwsh{})
		second := newTestSession(t, &fakePwsh{})
		assert.NotEqual(t, first.ID(), second.ID())
	})
}

func TestSessionFolders(t *testing.T) {
	session := newTestSession(t, &fakePwsh{})
	dir := newWorkspace(t, "a.Tests.ps1")

	root, err := session.OpenFolder(dir)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, testtree.WorkspaceRootKind, root.Kind())
	assert.Equal(t, []string{dir}, session.Folders())

	found, ok := session.Root(dir)
	assert.True(t, ok)
	assert.Same(t, root, found)

	_, err = session.OpenFolder(dir)
	assert.Error(t, err)

	assert.NoError(t, session.CloseFolder(dir))
	assert.Empty(t, session.Folders())
	assert.Empty(t, session.Tree().Roots())
	assert.True(t, root.IsDisposed())

	assert.ErrorIs(t, session.CloseFolder(dir), ErrFolderNotOpen)
}

func TestSessionFoldersOrder(t *testing.T) {
	session := newTestSession(t, &fakePwsh{})
	parent := t.TempDir()

	var folders []string
	for _, name := range []string{"ws10", "ws2", "ws1"} {
		dir := filepath.Join(parent, name)
		if !assert.NoError(t, os.Mkdir(dir, 0o700)) {
			return
		}
		if _, err := session.OpenFolder(dir); !assert.NoError(t, err) {
			return
		}
		folders = append(folders, dir)
	}

	assert.Equal(t, []string{folders[2], folders[1], folders[0]}, session.Folders())
}

func TestSessionDiscoverAndRun(t *testing.T) {
	bridge := &fakePwsh{}
	session := newTestSession(t, bridge)
	dir := newWorkspace(t, "a.Tests.ps1", filepath.Join("sub", "b.Tests.ps1"), "helper.ps1")

	root, err := session.OpenFolder(dir)
	if !assert.NoError(t, err) {
		return
	}

	if !assert.NoError(t, session.ResolveAll(context.Background())) {
		return
	}
	assert.Equal(t, testtree.Resolved, root.Status())
	if !assert.Equal(t, 2, root.ChildCount()) {
		return
	}
	for _, file := range root.Children() {
		assert.Equal(t, testtree.Resolved, file.Status())
		assert.Equal(t, 1, file.ChildCount())
	}

	report, err := session.RunAll(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	assert.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.Count(testtree.Passed))

	leaves := root.Leaves()
	if assert.Len(t, leaves, 2) {
		for _, leaf := range leaves {
			assert.Equal(t, testtree.Passed, leaf.RunState())
		}
	}

	history, err := session.History(10)
	if assert.NoError(t, err) && assert.Len(t, history, 1) {
		assert.Equal(t, report.RunID, history[0].RunID)
		assert.Equal(t, 2, history[0].Passed)
	}

	single, err := session.Run(context.Background(), testrun.Request{Include: []string{leaves[0].ID()}})
	assert.NoError(t, err)
	assert.Len(t, single.Results, 1)
}

func TestSessionInterpreterNotFound(t *testing.T) {
	notFound := &pwsh.ProcessError{Kind: pwsh.InterpreterNotFound, Interpreter: "pwsh", Err: exec.ErrNotFound}
	bridge := &fakePwsh{fail: notFound}
	session := newTestSession(t, bridge)
	dir := newWorkspace(t, "a.Tests.ps1")

	root, err := session.OpenFolder(dir)
	if !assert.NoError(t, err) {
		return
	}
	if !assert.NoError(t, session.Resolve(context.Background(), root)) {
		return
	}
	file := root.Children()[0]

	err = session.Resolve(context.Background(), file)
	assert.ErrorIs(t, err, pwsh.ErrInterpreterNotFound)
	assert.Equal(t, 1, bridge.callCount())

	t.Run("further calls fail without spawning", func(t *testing.T) {
		err := session.Resolve(context.Background(), file)
		assert.ErrorIs(t, err, pwsh.ErrInterpreterNotFound)
		assert.Equal(t, 1, bridge.callCount())

		_, err = session.CheckPester(context.Background())
		assert.ErrorIs(t, err, pwsh.ErrInterpreterNotFound)
	})

	t.Run("resetting the interpreter allows new attempts", func(t *testing.T) {
		bridge.lock.Lock()
		bridge.fail = nil
		bridge.lock.Unlock()

		session.ResetInterpreter()

		assert.NoError(t, session.Resolve(context.Background(), file))
		assert.Equal(t, 2, bridge.callCount())
		assert.Equal(t, 1, file.ChildCount())
	})
}

func TestSessionResolveAllInterpreterNotFound(t *testing.T) {
	notFound := &pwsh.ProcessError{Kind: pwsh.InterpreterNotFound, Interpreter: "pwsh", Err: exec.ErrNotFound}
	session := newTestSession(t, &fakePwsh{fail: notFound})
	dir := newWorkspace(t, "a.Tests.ps1", "b.Tests.ps1", "c.Tests.ps1", "d.Tests.ps1")

	root, err := session.OpenFolder(dir)
	if !assert.NoError(t, err) {
		return
	}

	err = session.ResolveAll(context.Background())
	assert.ErrorIs(t, err, pwsh.ErrInterpreterNotFound)
	assert.Equal(t, 1, strings.Count(err.Error(), pwsh.ErrInterpreterNotFound.Error()))

	if !assert.Len(t, root.Children(), 4) {
		return
	}
	for _, file := range root.Children() {
		assert.Equal(t, testtree.Unresolved, file.Status())
		assert.Empty(t, file.ResolveError())
	}

	_, err = session.RunAll(context.Background())
	assert.ErrorIs(t, err, pwsh.ErrInterpreterNotFound)
}

func TestSessionCheckPester(t *testing.T) {
	session := newTestSession(t, &fakePwsh{})

	status, err := session.CheckPester(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	assert.True(t, status.Installed)
	assert.True(t, status.MeetsMinimum)
	assert.Equal(t, "5.5.0", status.Version.String())
}

func TestSessionClose(t *testing.T) {
	session := newTestSession(t, &fakePwsh{})
	dir := newWorkspace(t, "a.Tests.ps1")

	root, err := session.OpenFolder(dir)
	if !assert.NoError(t, err) {
		return
	}

	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close())

	select {
	case <-session.Done():
	default:
		assert.Fail(t, "Done() should be closed")
	}

	_, err = session.OpenFolder(t.TempDir())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, session.Resolve(context.Background(), root), ErrSessionClosed)

	_, err = session.Run(context.Background(), testrun.Request{})
	assert.True(t, errors.Is(err, ErrSessionClosed))
}
