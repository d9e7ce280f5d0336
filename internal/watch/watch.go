package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	WATCH_LOG_SRC = "/watch"

	DEFAULT_EVENT_BUFFER_SIZE = 256
)

var ErrClosed = errors.New("event source is closed")

type EventKind int

const (
	Created EventKind = iota + 1
	Changed
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "Created"
	case Changed:
		return "Changed"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// An Event is a change of a file matching the pattern of the source. Deleted events are also emitted
// for directories (IsDir is true) since the files beneath them are gone too.
type Event struct {
	Kind  EventKind
	Path  string
	IsDir bool
}

// An EventSource emits filesystem events in arrival order on a single channel, it is consumed by a
// single goroutine.
type EventSource interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

type FsWatcherArgs struct {
	//directory watched recursively.
	Root string

	//doublestar pattern matched against the slash-separated path relative to Root.
	Pattern string

	//defaults to DEFAULT_EVENT_BUFFER_SIZE.
	BufferSize int

	Logger zerolog.Logger
}

// FsWatcher is an EventSource backed by fsnotify. New directories are watched as soon as they are
// created and scanned so that files created together with them are not missed.
type FsWatcher struct {
	root    string
	pattern string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	events chan Event
	errors chan error

	//accessed only by the listening goroutine once started.
	watchedDirPaths map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ EventSource = (*FsWatcher)(nil)

func NewFsWatcher(args FsWatcherArgs) (*FsWatcher, error) {
	if !doublestar.ValidatePattern(args.Pattern) {
		return nil, errors.New("invalid file pattern: " + args.Pattern)
	}
	if args.BufferSize <= 0 {
		args.BufferSize = DEFAULT_EVENT_BUFFER_SIZE
	}

	root, err := filepath.Abs(args.Root)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	if info.Mode().Type() == fs.ModeSymlink {
		return nil, errors.New("cannot watch a symlinked directory")
	}
	if !info.IsDir() {
		return nil, errors.New("cannot watch a file: " + root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FsWatcher{
		root:            root,
		pattern:         args.Pattern,
		watcher:         watcher,
		logger:          logs.Component(args.Logger, WATCH_LOG_SRC),
		events:          make(chan Event, args.BufferSize),
		errors:          make(chan error, 1),
		watchedDirPaths: map[string]struct{}{},
		closed:          make(chan struct{}),
		done:            make(chan struct{}),
	}

	if err := w.addDirRecursively(root, nil); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.listenForEvents()
	return w, nil
}

func (w *FsWatcher) Events() <-chan Event {
	return w.events
}

func (w *FsWatcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher, the Events channel is closed once the listening goroutine has returned.
func (w *FsWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

// Matches reports whether path (absolute or relative to the root) matches the pattern.
func (w *FsWatcher) Matches(path string) bool {
	return MatchPattern(w.root, w.pattern, path)
}

// MatchPattern reports whether path matches pattern relative to root. Paths outside root never match.
func MatchPattern(root, pattern, path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		var err error
		rel, err = filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false
		}
	}

	ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// addDirRecursively watches dir and its subdirectories. If created is not nil the matching files
// found during the walk are appended to it.
func (w *FsWatcher) addDirRecursively(dir string, created *[]string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			//the directory may have been removed in the meantime.
			if path != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return err
			}
			w.watchedDirPaths[path] = struct{}{}
			return nil
		}

		if created != nil && w.Matches(path) {
			*created = append(*created, path)
		}
		return nil
	})
}

func (w *FsWatcher) listenForEvents() {
	defer close(w.done)
	defer close(w.events)
	defer utils.LogPanic(w.logger, "fs watcher")

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			for _, e := range w.translate(event) {
				if !w.emit(e) {
					return
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Err(err).Msg("watcher error")

			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *FsWatcher) emit(e Event) bool {
	select {
	case w.events <- e:
		return true
	case <-w.closed:
		return false
	}
}

// translate converts an fsnotify event into zero or more events.
func (w *FsWatcher) translate(event fsnotify.Event) []Event {
	path := filepath.Clean(event.Name)

	_, isWatchedDir := w.watchedDirPaths[path]
	isDir := isWatchedDir
	if !isDir && event.Has(fsnotify.Create) {
		info, err := os.Lstat(path)
		isDir = err == nil && info.IsDir()
	}

	switch {
	case event.Has(fsnotify.Create):
		if !isDir {
			if w.Matches(path) {
				return []Event{{Kind: Created, Path: path}}
			}
			return nil
		}

		var created []string
		if err := w.addDirRecursively(path, &created); err != nil {
			w.logger.Err(err).Str("dir", path).Msg("failed to watch new directory")
		}
		events := make([]Event, 0, len(created))
		for _, file := range created {
			events = append(events, Event{Kind: Created, Path: file})
		}
		return events
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if isDir {
			w.forgetDir(path)
			return []Event{{Kind: Deleted, Path: path, IsDir: true}}
		}
		if w.Matches(path) {
			return []Event{{Kind: Deleted, Path: path}}
		}
		return nil
	case event.Has(fsnotify.Write):
		if !isDir && w.Matches(path) {
			return []Event{{Kind: Changed, Path: path}}
		}
	}
	return nil
}

// forgetDir stops watching dir and its subdirectories.
func (w *FsWatcher) forgetDir(dir string) {
	prefix := dir + string(filepath.Separator)

	for watched := range w.watchedDirPaths {
		if watched == dir || strings.HasPrefix(watched, prefix) {
			//the watch is already gone if the directory was removed.
			w.watcher.Remove(watched)
			delete(w.watchedDirPaths, watched)
		}
	}
}
