package discovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/watch"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DISCOVERY_LOG_SRC = "/discovery"

var (
	ErrUnknownWorkspace     = errors.New("unknown workspace folder")
	ErrWorkspaceAlreadyOpen = errors.New("workspace folder is already open")
	ErrNotResolvable        = errors.New("node cannot be resolved")
	ErrCoordinatorClosed    = errors.New("discovery coordinator is closed")
	ErrResultsDiscarded     = errors.New("discovery results discarded, the node changed during discovery")
)

// NewEventSourceFn creates the event source of a workspace folder.
type NewEventSourceFn func(root, pattern string, logger zerolog.Logger) (watch.EventSource, error)

type CoordinatorArgs struct {
	Tree   *testtree.Tree
	Bridge pwsh.Bridge

	//absolute path of the discovery script.
	DiscoveryScript string
	FilePattern     string
	TestsOnly       bool

	//defaults to a watch.FsWatcher.
	NewEventSource NewEventSourceFn

	Logger zerolog.Logger
}

// A Coordinator lazily resolves workspace roots and file nodes. A resolved root keeps its file nodes up to
// date by consuming the events of a watcher in a single goroutine.
type Coordinator struct {
	tree            *testtree.Tree
	bridge          pwsh.Bridge
	discoveryScript string
	pattern         string
	testsOnly       bool
	newEventSource  NewEventSourceFn
	logger          zerolog.Logger

	lock       sync.Mutex
	workspaces map[string]*workspace //root id -> workspace
	closed     bool
}

type workspace struct {
	folder string
	root   *testtree.Node

	//set while the root is resolved.
	watching *watching
}

type watching struct {
	events watch.EventSource
	done   chan struct{}
}

func NewCoordinator(args CoordinatorArgs) *Coordinator {
	newEventSource := args.NewEventSource
	if newEventSource == nil {
		newEventSource = newFsEventSource
	}

	return &Coordinator{
		tree:            args.Tree,
		bridge:          args.Bridge,
		discoveryScript: args.DiscoveryScript,
		pattern:         args.FilePattern,
		testsOnly:       args.TestsOnly,
		newEventSource:  newEventSource,
		logger:          logs.Component(args.Logger, DISCOVERY_LOG_SRC),
		workspaces:      map[string]*workspace{},
	}
}

func newFsEventSource(root, pattern string, logger zerolog.Logger) (watch.EventSource, error) {
	return watch.NewFsWatcher(watch.FsWatcherArgs{
		Root:    root,
		Pattern: pattern,
		Logger:  logger,
	})
}

func (c *Coordinator) Tree() *testtree.Tree {
	return c.tree
}

// AddWorkspaceFolder adds an unresolved root for folder to the tree.
func (c *Coordinator) AddWorkspaceFolder(folder string) (*testtree.Node, error) {
	folder, err := filepath.Abs(folder)
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	root := c.tree.NewWorkspaceRoot(folder, filepath.Base(folder))
	if _, ok := c.workspaces[root.ID()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceAlreadyOpen, folder)
	}

	if err := c.tree.AddRoot(root); err != nil {
		return nil, err
	}
	c.workspaces[root.ID()] = &workspace{folder: folder, root: root}

	c.logger.Info().Str("folder", folder).Msg("workspace folder added")
	return root, nil
}

// RemoveWorkspaceFolder stops watching folder and disposes its root.
func (c *Coordinator) RemoveWorkspaceFolder(folder string) error {
	folder, err := filepath.Abs(folder)
	if err != nil {
		return err
	}
	id := testtree.ROOT_ID_PREFIX + folder

	c.lock.Lock()
	ws, ok := c.workspaces[id]
	if ok {
		delete(c.workspaces, id)
	}
	c.lock.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, folder)
	}

	stopErr := c.stopWatching(ws)
	_, removeErr := c.tree.RemoveRoot(id)

	c.logger.Info().Str("folder", folder).Msg("workspace folder removed")
	return utils.CombineErrors(stopErr, removeErr)
}

// WorkspaceRoot returns the root of an open folder.
func (c *Coordinator) WorkspaceRoot(folder string) (*testtree.Node, bool) {
	folder, err := filepath.Abs(folder)
	if err != nil {
		return nil, false
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	ws, ok := c.workspaces[testtree.ROOT_ID_PREFIX+folder]
	if !ok {
		return nil, false
	}
	return ws.root, true
}

// Resolve discovers the children of a workspace root or a file. A resolved node is invalidated first.
// On failure or cancellation the node is left Unresolved without children and the error is returned.
func (c *Coordinator) Resolve(ctx context.Context, node *testtree.Node) error {
	switch node.Kind() {
	case testtree.WorkspaceRootKind:
		c.lock.Lock()
		ws, ok := c.workspaces[node.ID()]
		closed := c.closed
		c.lock.Unlock()

		if closed {
			return ErrCoordinatorClosed
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWorkspace, node.SourcePath())
		}
		return c.resolveRoot(ctx, ws)
	case testtree.FileKind:
		return c.resolveFile(ctx, node)
	default:
		return fmt.Errorf("%w: %s is a %s", ErrNotResolvable, node.ID(), node.Kind())
	}
}

// ResolveTree resolves node if needed and then all its unresolved files, concurrently. The bridge bounds
// the number of interpreter processes. Errors of individual files are combined, except a missing
// interpreter which is returned alone.
func (c *Coordinator) ResolveTree(ctx context.Context, node *testtree.Node) error {
	if node.Status() != testtree.Resolved {
		if err := c.Resolve(ctx, node); err != nil {
			return err
		}
	}

	if node.Kind() != testtree.WorkspaceRootKind {
		return nil
	}

	var (
		group    errgroup.Group
		errsLock sync.Mutex
		errs     []error
	)

	for _, file := range node.Children() {
		if file.Status() == testtree.Resolved {
			continue
		}
		file := file
		group.Go(func() error {
			err := c.resolveFile(ctx, file)
			if err != nil {
				errsLock.Lock()
				errs = append(errs, err)
				errsLock.Unlock()
			}
			return nil
		})
	}

	group.Wait()

	if err := interpreterNotFound(errs); err != nil {
		return err
	}
	return utils.CombineErrors(errs...)
}

// interpreterNotFound returns the first error of errs signaling a missing interpreter, or nil.
func interpreterNotFound(errs []error) error {
	for _, err := range errs {
		if errors.Is(err, pwsh.ErrInterpreterNotFound) {
			return err
		}
	}
	return nil
}

// Close stops all watchers, roots stay in the tree.
func (c *Coordinator) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	workspaces := make([]*workspace, 0, len(c.workspaces))
	for _, ws := range c.workspaces {
		workspaces = append(workspaces, ws)
	}
	c.lock.Unlock()

	var errs []error
	for _, ws := range workspaces {
		errs = append(errs, c.stopWatching(ws))
	}
	return utils.CombineErrors(errs...)
}

// beginResolve starts a resolution, a resolved node is invalidated first.
func (c *Coordinator) beginResolve(node *testtree.Node) (testtree.Ticket, error) {
	ticket, err := c.tree.BeginResolve(node)
	if errors.Is(err, testtree.ErrAlreadyResolved) {
		if err := c.tree.Invalidate(node); err != nil {
			return testtree.Ticket{}, err
		}
		ticket, err = c.tree.BeginResolve(node)
	}
	return ticket, err
}
