//go:build !windows

package common

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser writes a shell script that prints a DevTools URL and then
// runs until it is signalled.
func fakeBrowser(t *testing.T, trapTerm bool) string {
	t.Helper()

	script := "#!/bin/sh\n"
	if trapTerm {
		script += "trap '' TERM\n"
	}
	script += "echo 'DevTools listening on ws://127.0.0.1:9222/devtools/browser/fake' >&2\n" +
		"while true; do sleep 0.05; done\n"

	path := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700)) //nolint:gosec
	return path
}

func TestBrowserProcessTerminate(t *testing.T) {
	t.Parallel()

	p, err := NewBrowserProcess(context.Background(), fakeBrowser(t, false), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/fake", p.WsURL())
	assert.False(t, p.Exited())

	require.NoError(t, p.Terminate())
	require.NoError(t, p.WaitExit(context.Background(), 5*time.Second))
	assert.True(t, p.Exited())
}

func TestBrowserProcessKillAfterIgnoredTerminate(t *testing.T) {
	t.Parallel()

	p, err := NewBrowserProcess(context.Background(), fakeBrowser(t, true), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Terminate())
	err = p.WaitExit(context.Background(), 300*time.Millisecond)
	require.ErrorIs(t, err, errProcessRunning)

	require.NoError(t, p.Kill())
	require.NoError(t, p.WaitExit(context.Background(), 5*time.Second))
}
