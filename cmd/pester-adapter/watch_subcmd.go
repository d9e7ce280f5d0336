package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/adapter"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/bep/debounce"
	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

const (
	WATCH_RENDER_DEBOUNCE_DURATION  = 150 * time.Millisecond
	WATCH_RESOLVE_DEBOUNCE_DURATION = 300 * time.Millisecond

	CLEAR_SCREEN = "\033[H\033[2J"
	WATCH_HELP   = "commands: r (run all), d (rediscover), q (quit), empty line (refresh)"
)

// watchFolder renders the tree each time it changes and executes the commands read from in until the
// context is done or the quit command is read. Files that change on disk are rediscovered.
func watchFolder(ctx context.Context, session *adapter.Session, in io.Reader, outW, errW io.Writer) int {
	//disabled while the interpreter is missing, the discover command enables it again.
	var autoResolve atomic.Bool
	autoResolve.Store(true)

	if err := session.ResolveAll(ctx); err != nil {
		fmt.Fprintln(errW, err)
		if errors.Is(err, pwsh.ErrInterpreterNotFound) {
			autoResolve.Store(false)
		}
	}

	clearScreen := false
	if f, ok := outW.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		clearScreen = true
	}

	var (
		renderLock sync.Mutex
		stopped    atomic.Bool
	)
	render := func() {
		renderLock.Lock()
		defer renderLock.Unlock()

		if stopped.Load() {
			return
		}
		if clearScreen {
			fmt.Fprint(outW, CLEAR_SCREEN)
		}
		printTree(outW, session.Tree().Snapshot())
		fmt.Fprintln(outW, "\n"+WATCH_HELP)
	}

	resolveInvalidated := func() {
		if stopped.Load() || !autoResolve.Load() {
			return
		}
		if err := session.ResolveAll(ctx); err != nil && ctx.Err() == nil && !stopped.Load() {
			fmt.Fprintln(errW, err)
			if errors.Is(err, pwsh.ErrInterpreterNotFound) {
				autoResolve.Store(false)
			}
		}
	}

	debouncedRender := debounce.New(WATCH_RENDER_DEBOUNCE_DURATION)
	debouncedResolve := debounce.New(WATCH_RESOLVE_DEBOUNCE_DURATION)

	tree := session.Tree()
	unsubscribe := tree.Subscribe(func(change testtree.Change) {
		debouncedRender(render)

		if autoResolve.Load() && needsRediscovery(tree, change) {
			debouncedResolve(resolveInvalidated)
		}
	})
	defer func() {
		unsubscribe()

		//replace the pending calls.
		debouncedRender(func() {})
		debouncedResolve(func() {})

		renderLock.Lock()
		stopped.Store(true)
		renderLock.Unlock()
	}()

	render()

	reader, err := cancelreader.NewReader(in)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	defer reader.Close()

	commands := readCommands(ctx, reader)

	for {
		select {
		case <-ctx.Done():
			reader.Cancel()
			return 0
		case command, ok := <-commands:
			if !ok {
				//the input is closed, keep watching until interrupted.
				commands = nil
				continue
			}

			switch command {
			case "r", "run":
				report, err := session.RunAll(ctx)
				if err != nil {
					fmt.Fprintln(errW, err)
				}
				if report.RunID != "" {
					fmt.Fprintf(outW, "%d passed, %d failed, %d skipped, %d errored\n",
						report.Count(testtree.Passed), report.Count(testtree.Failed),
						report.Count(testtree.Skipped), report.Count(testtree.Errored))
				}
			case "d", "discover":
				session.ResetInterpreter()
				if rediscover(ctx, session, errW) {
					autoResolve.Store(true)
				}
			case "q", "quit", "exit":
				return 0
			case "":
				render()
			default:
				fmt.Fprintf(errW, "unknown command %q\n%s\n", command, WATCH_HELP)
			}
		}
	}
}

// needsRediscovery reports whether change is a file added or invalidated by the watcher. Files whose
// discovery failed are not retried automatically.
func needsRediscovery(tree *testtree.Tree, change testtree.Change) bool {
	switch change.Kind {
	case testtree.NodeAdded, testtree.StatusChanged:
	default:
		return false
	}

	node, ok := tree.Find(change.NodeID)
	if !ok || node.Kind() != testtree.FileKind {
		return false
	}
	return node.Status() == testtree.Unresolved && node.ResolveError() == ""
}

// rediscover rescans the open folders and discovers all their files again. It returns false if the
// interpreter is missing.
func rediscover(ctx context.Context, session *adapter.Session, errW io.Writer) bool {
	for _, folder := range session.Folders() {
		root, ok := session.Root(folder)
		if !ok {
			continue
		}
		if err := session.Resolve(ctx, root); err != nil {
			fmt.Fprintln(errW, err)
		}
	}

	if err := session.ResolveAll(ctx); err != nil {
		fmt.Fprintln(errW, err)
		return !errors.Is(err, pwsh.ErrInterpreterNotFound)
	}
	return true
}

func readCommands(ctx context.Context, r io.Reader) <-chan string {
	commands := make(chan string)

	go func() {
		defer close(commands)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case commands <- strings.ToLower(strings.TrimSpace(scanner.Text())):
			case <-ctx.Done():
				return
			}
		}
	}()

	return commands
}
