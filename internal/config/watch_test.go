package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchFile_InvokesCallbackOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)

	type event struct {
		root *Root
		err  error
	}
	events := make(chan event, 4)

	w, err := WatchFile(path, func(root *Root, err error) {
		events <- event{root, err}
	})
	require.NoError(t, err)
	defer w.Close()

	// give fsnotify a moment to register the watch before we write again
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	select {
	case e := <-events:
		assert.NoError(t, e.err)
		require.NotNil(t, e.root)
		assert.Equal(t, "Writing Code", e.root.Workflow.EntryPhase)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired on file write")
	}
}

func TestWatchFile_ReportsLoadErrorOnInvalidRewrite(t *testing.T) {
	path := writeConfig(t, validYAML)

	events := make(chan error, 4)
	w, err := WatchFile(path, func(root *Root, err error) {
		events <- err
	})
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  entry_phase: \"\"\n  phases: []\n"), 0o644))

	select {
	case e := <-events:
		assert.Error(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired on invalid rewrite")
	}
}

func TestWatchFile_UnknownPathErrors(t *testing.T) {
	_, err := WatchFile(filepath.Join(t.TempDir(), "missing.yaml"), func(*Root, error) {})
	assert.Error(t, err)
}

func TestWatcher_CloseStopsWithoutDeadlock(t *testing.T) {
	path := writeConfig(t, validYAML)
	w, err := WatchFile(path, func(*Root, error) {})
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}
