package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

const TEST_PATTERN = "**/*.[tT][eE][sS][tT][sS].[pP][sS]1"

func newTestWatcher(t *testing.T) (*FsWatcher, string) {
	dir := t.TempDir()

	w, err := NewFsWatcher(FsWatcherArgs{Root: dir, Pattern: TEST_PATTERN, Logger: zerolog.Nop()})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() {
		w.Close()
	})

	//the returned root is absolute and cleaned, like the event paths.
	return w, w.root
}

// waitForEvent reads events until one satisfies pred, other events are ignored.
func waitForEvent(t *testing.T, w *FsWatcher, pred func(Event) bool) (Event, bool) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-w.Events():
			if !ok {
				assert.Fail(t, "event channel closed")
				return Event{}, false
			}
			if pred(e) {
				return e, true
			}
		case <-timeout:
			assert.Fail(t, "timeout while waiting for an event")
			return Event{}, false
		}
	}
}

func TestMatchPattern(t *testing.T) {
	root := filepath.FromSlash("/ws")

	assert.True(t, MatchPattern(root, TEST_PATTERN, filepath.FromSlash("/ws/a.Tests.ps1")))
	assert.True(t, MatchPattern(root, TEST_PATTERN, filepath.FromSlash("/ws/sub/dir/b.tests.PS1")))
	assert.True(t, MatchPattern(root, TEST_PATTERN, filepath.FromSlash("sub/c.TESTS.ps1")))
	assert.False(t, MatchPattern(root, TEST_PATTERN, filepath.FromSlash("/ws/a.ps1")))
	assert.False(t, MatchPattern(root, TEST_PATTERN, filepath.FromSlash("/ws/a.Tests.ps1.bak")))
	assert.False(t, MatchPattern(root, TEST_PATTERN, filepath.FromSlash("/other/a.Tests.ps1")))
}

func TestNewFsWatcher(t *testing.T) {

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := NewFsWatcher(FsWatcherArgs{Root: t.TempDir(), Pattern: "[", Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("missing root", func(t *testing.T) {
		_, err := NewFsWatcher(FsWatcherArgs{Root: filepath.Join(t.TempDir(), "missing"), Pattern: TEST_PATTERN, Logger: zerolog.Nop()})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("closing twice is fine and closes the event channel", func(t *testing.T) {
		w, _ := newTestWatcher(t)
		assert.NoError(t, w.Close())
		assert.NoError(t, w.Close())

		_, ok := <-w.Events()
		assert.False(t, ok)
	})
}

func TestFsWatcherEvents(t *testing.T) {

	t.Run("file lifecycle", func(t *testing.T) {
		w, root := newTestWatcher(t)
		path := filepath.Join(root, "a.Tests.ps1")

		assert.NoError(t, os.WriteFile(path, []byte("Describe 'a' {}"), 0o600))
		e, ok := waitForEvent(t, w, func(e Event) bool { return e.Kind == Created })
		if !ok {
			return
		}
		assert.Equal(t, Event{Kind: Created, Path: path}, e)

		assert.NoError(t, os.WriteFile(path, []byte("Describe 'b' {}"), 0o600))
		e, ok = waitForEvent(t, w, func(e Event) bool { return e.Kind == Changed })
		if !ok {
			return
		}
		assert.Equal(t, path, e.Path)

		assert.NoError(t, os.Remove(path))
		e, ok = waitForEvent(t, w, func(e Event) bool { return e.Kind == Deleted })
		if !ok {
			return
		}
		assert.Equal(t, Event{Kind: Deleted, Path: path}, e)
	})

	t.Run("non matching files are ignored", func(t *testing.T) {
		w, root := newTestWatcher(t)

		assert.NoError(t, os.WriteFile(filepath.Join(root, "helper.ps1"), nil, 0o600))
		assert.NoError(t, os.WriteFile(filepath.Join(root, "b.Tests.ps1"), nil, 0o600))

		e, ok := waitForEvent(t, w, func(e Event) bool { return true })
		if !ok {
			return
		}
		assert.Equal(t, filepath.Join(root, "b.Tests.ps1"), e.Path)
	})

	t.Run("files in a new directory are reported", func(t *testing.T) {
		w, root := newTestWatcher(t)
		dir := filepath.Join(root, "sub", "deeper")
		path := filepath.Join(dir, "c.Tests.ps1")

		assert.NoError(t, os.MkdirAll(dir, 0o700))
		assert.NoError(t, os.WriteFile(path, nil, 0o600))

		e, ok := waitForEvent(t, w, func(e Event) bool { return e.Kind == Created })
		if !ok {
			return
		}
		assert.Equal(t, path, e.Path)
	})

	t.Run("deleting a directory is reported for the directory", func(t *testing.T) {
		dir := t.TempDir()
		sub := filepath.Join(dir, "sub")
		assert.NoError(t, os.Mkdir(sub, 0o700))
		assert.NoError(t, os.WriteFile(filepath.Join(sub, "d.Tests.ps1"), nil, 0o600))

		w, err := NewFsWatcher(FsWatcherArgs{Root: dir, Pattern: TEST_PATTERN, Logger: zerolog.Nop()})
		if !assert.NoError(t, err) {
			return
		}
		defer w.Close()
		sub = filepath.Join(w.root, "sub")

		assert.NoError(t, os.RemoveAll(sub))

		e, ok := waitForEvent(t, w, func(e Event) bool { return e.Kind == Deleted && e.IsDir })
		if !ok {
			return
		}
		assert.Equal(t, sub, e.Path)
	})
}
