package common

import (
	"context"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevToolsURL(t *testing.T) {
	t.Parallel()

	const wsURL = "ws://127.0.0.1:41315/devtools/browser/d1d3f8eb-b362-4f12-9370-bd25778d0da7"

	lines := func(ls ...string) io.Reader {
		return strings.NewReader(strings.Join(ls, "\n") + "\n")
	}
	blocking := func(t *testing.T) io.Reader {
		t.Helper()
		pr, pw := io.Pipe()
		t.Cleanup(func() { _ = pw.Close() })
		return pr
	}

	testCases := []struct {
		name               string
		stderr             func(t *testing.T) io.Reader
		prematureCtxCancel bool
		prematureCmdDone   bool
		assert             func(t *testing.T, wsURL string, err error)
	}{
		{
			name: "ok/no_error",
			stderr: func(*testing.T) io.Reader {
				return lines(`DevTools listening on ` + wsURL)
			},
			assert: func(t *testing.T, got string, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.Equal(t, wsURL, got)
			},
		},
		{
			name: "ok/non-fatal_error",
			stderr: func(*testing.T) io.Reader {
				return lines(
					`[23400:23418:1028/115455.877614:ERROR:bus.cc(399)] Failed to `+
						`connect to the bus: Could not parse server address`,
					"",
					`DevTools listening on `+wsURL,
				)
			},
			assert: func(t *testing.T, got string, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.Equal(t, wsURL, got)
			},
		},
		{
			name: "err/fatal-eof",
			stderr: func(*testing.T) io.Reader {
				return io.MultiReader(
					lines(`[6497:6497:1013/103521.932979:ERROR:ozone_platform_x11.cc(247)] Missing X server or $DISPLAY`),
					iotest.ErrReader(io.ErrUnexpectedEOF),
				)
			},
			assert: func(t *testing.T, got string, err error) {
				t.Helper()
				require.Empty(t, got)
				assert.EqualError(t, err, "Missing X server or $DISPLAY")
			},
		},
		{
			name: "err/fatal-eof-no_stderr",
			stderr: func(*testing.T) io.Reader {
				return iotest.ErrReader(io.ErrUnexpectedEOF)
			},
			assert: func(t *testing.T, got string, err error) {
				t.Helper()
				require.Empty(t, got)
				assert.EqualError(t, err, "unexpected EOF")
			},
		},
		{
			name:             "err/fatal-premature_cmd_done",
			stderr:           blocking,
			prematureCmdDone: true,
			assert: func(t *testing.T, got string, err error) {
				t.Helper()
				require.Empty(t, got)
				assert.ErrorIs(t, err, errProcessEnded)
			},
		},
		{
			name:               "err/fatal-premature_ctx_cancel",
			stderr:             blocking,
			prematureCtxCancel: true,
			assert: func(t *testing.T, got string, err error) {
				t.Helper()
				require.Empty(t, got)
				assert.EqualError(t, err, "context canceled")
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cmdDone := make(chan struct{})
			cmd := command{done: cmdDone, stderr: tc.stderr(t)}

			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)

			timeout := time.Second
			timer := time.NewTimer(timeout)
			t.Cleanup(func() { _ = timer.Stop() })

			var (
				done  = make(chan struct{})
				wsURL string
				err   error
			)
			go func() {
				wsURL, err = parseDevToolsURL(ctx, cmd)
				close(done)
			}()

			if tc.prematureCmdDone {
				time.Sleep(100 * time.Millisecond)
				close(cmdDone)
			}
			if tc.prematureCtxCancel {
				time.Sleep(100 * time.Millisecond)
				cancel()
			}

			select {
			case <-done:
				tc.assert(t, wsURL, err)
			case <-timer.C:
				t.Errorf("test timed out after %s", timeout)
			}
		})
	}
}

func TestStderrError(t *testing.T) {
	t.Parallel()

	msg, ok := stderrError(`[1:1:0101/000000.000000:FATAL:zygote_host_impl_linux.cc(127)] No usable sandbox!`)
	require.True(t, ok)
	assert.Equal(t, "No usable sandbox!", msg)

	_, ok = stderrError(`[1:1:0101/000000.000000:INFO:cpu_info.cc(53)] Available number of cores: 8`)
	assert.False(t, ok)
}

func TestNewBrowserProcessMissingExecutable(t *testing.T) {
	t.Parallel()

	_, err := NewBrowserProcess(context.Background(), "/nonexistent/cdpdriver/chrome", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file does not exist")
}
