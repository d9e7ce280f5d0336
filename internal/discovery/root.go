package discovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/watch"
	"github.com/bmatcuk/doublestar/v4"
)

// resolveRoot scans the folder for test files and starts consuming the events of its watcher. The
// watcher is created before the scan so that no change between the scan and the commit is lost.
func (c *Coordinator) resolveRoot(ctx context.Context, ws *workspace) error {
	logger := c.logger.With().Str("folder", ws.folder).Logger()

	//a re-resolution replaces the watcher.
	if err := c.stopWatching(ws); err != nil {
		logger.Err(err).Msg("failed to stop previous watcher")
	}

	ticket, err := c.beginResolve(ws.root)
	if err != nil {
		return err
	}

	events, err := c.newEventSource(ws.folder, c.pattern, c.logger)
	if err != nil {
		c.abort(ticket, err)
		return err
	}

	paths, err := scanFolder(ctx, ws.folder, c.pattern)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		events.Close()
		c.abort(ticket, err)
		return err
	}

	files := make([]*testtree.Node, 0, len(paths))
	for _, path := range paths {
		files = append(files, c.newFileNode(ws, path))
	}

	if err := c.tree.CommitResolve(ticket, files); err != nil {
		events.Close()
		if errors.Is(err, testtree.ErrStaleTicket) {
			return ErrResultsDiscarded
		}
		return err
	}

	w := &watching{events: events, done: make(chan struct{})}

	c.lock.Lock()
	closed := c.closed
	if !closed {
		ws.watching = w
	}
	c.lock.Unlock()

	if closed {
		events.Close()
		return ErrCoordinatorClosed
	}

	go c.consumeEvents(ws, w)

	logger.Debug().Int("fileCount", len(files)).Msg("workspace folder resolved")
	return nil
}

// scanFolder returns the absolute paths of the files matching pattern in lexical order.
func scanFolder(ctx context.Context, folder, pattern string) ([]string, error) {
	var paths []string

	err := doublestar.GlobWalk(os.DirFS(folder), pattern, func(path string, d fs.DirEntry) error {
		if utils.IsContextDone(ctx) {
			return ctx.Err()
		}
		paths = append(paths, filepath.Join(folder, filepath.FromSlash(path)))
		return nil
	}, doublestar.WithFilesOnly())

	return paths, err
}

func (c *Coordinator) newFileNode(ws *workspace, path string) *testtree.Node {
	label, err := filepath.Rel(ws.folder, path)
	if err != nil {
		label = filepath.Base(path)
	}
	return c.tree.NewFileNode(path, filepath.ToSlash(label))
}

func (c *Coordinator) stopWatching(ws *workspace) error {
	c.lock.Lock()
	w := ws.watching
	ws.watching = nil
	c.lock.Unlock()

	if w == nil {
		return nil
	}

	err := w.events.Close()
	<-w.done
	return err
}

// consumeEvents applies the events of a watcher in arrival order until the event source is closed.
func (c *Coordinator) consumeEvents(ws *workspace, w *watching) {
	defer close(w.done)
	defer utils.LogPanic(c.logger, "discovery event loop")

	errs := w.events.Errors()

	for {
		select {
		case event, ok := <-w.events.Events():
			if !ok {
				return
			}
			c.handleEvent(ws, event)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Err(err).Str("folder", ws.folder).Msg("watcher error")
		}
	}
}

// handleEvent keeps the file nodes of a root in sync with the filesystem. Changed files are only
// invalidated, they are rediscovered on the next resolution.
func (c *Coordinator) handleEvent(ws *workspace, event watch.Event) {
	root := ws.root
	logger := c.logger.With().Str("path", event.Path).Str("event", event.Kind.String()).Logger()

	if event.IsDir {
		if event.Kind != watch.Deleted {
			return
		}
		prefix := event.Path + string(filepath.Separator)

		for _, file := range root.Children() {
			if event.Path == ws.folder || strings.HasPrefix(file.ID(), prefix) {
				if _, err := c.tree.RemoveChild(root, file.ID()); err != nil && !errors.Is(err, testtree.ErrNotFound) {
					logger.Err(err).Msg("failed to remove file node")
				}
			}
		}
		return
	}

	file, exists := root.FindDescendant(event.Path)
	if exists && file.Kind() != testtree.FileKind {
		return
	}

	switch event.Kind {
	case watch.Created, watch.Changed:
		if exists {
			if err := c.tree.Invalidate(file); err != nil {
				logger.Err(err).Msg("failed to invalidate file node")
			}
			return
		}
		//a Changed event for an unknown file means that its creation was missed.
		if err := c.tree.AddChild(root, c.newFileNode(ws, event.Path)); err != nil && !errors.Is(err, testtree.ErrDuplicateID) {
			logger.Err(err).Msg("failed to add file node")
		}
	case watch.Deleted:
		if !exists {
			return
		}
		if _, err := c.tree.RemoveChild(root, file.ID()); err != nil && !errors.Is(err, testtree.ErrNotFound) {
			logger.Err(err).Msg("failed to remove file node")
		}
	}

	logger.Debug().Msg("event applied")
}
