package synchook

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHook_Resync_RunsConfiguredCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a posix true binary")
	}
	hook := NewCommandHook("true", nil, "/some/repo")
	err := hook.Resync(context.Background())
	require.NoError(t, err)
}

func TestCommandHook_Resync_WrapsCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a posix false binary")
	}
	hook := NewCommandHook("false", nil, "/some/repo")
	err := hook.Resync(context.Background())
	assert.Error(t, err)
}

func TestNoopHook_ResyncAlwaysSucceeds(t *testing.T) {
	var hook NoopHook
	assert.NoError(t, hook.Resync(context.Background()))
}
