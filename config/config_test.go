package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpdriver/chromium"
	"github.com/grafana/cdpdriver/env"
)

func newTestConfig(t *testing.T, root bool) *Config {
	t.Helper()

	c := New()
	c.isRoot = func() bool { return root }
	c.Sandbox = true
	c.enforceSandbox()
	c.finder = &chromium.Finder{
		LookPath: func(string) (string, error) { return "/usr/bin/chromium", nil },
		Stat:     os.Stat,
		GOOS:     "linux",
	}
	return c
}

func TestConfigSandboxForcedOffForRoot(t *testing.T) {
	t.Parallel()

	c := newTestConfig(t, true)
	assert.False(t, c.Sandbox)
	assert.Contains(t, c.Args(), "--no-sandbox")

	// turning it back on does not survive Args.
	c.Sandbox = true
	assert.Contains(t, c.Args(), "--no-sandbox")
	assert.False(t, c.Sandbox)

	c = newTestConfig(t, false)
	assert.True(t, c.Sandbox)
	assert.NotContains(t, c.Args(), "--no-sandbox")
}

func TestConfigArgs(t *testing.T) {
	t.Parallel()

	c := newTestConfig(t, false)
	c.UserDataDir = "/tmp/profile"
	c.Headless = true
	c.Incognito = true
	c.Port = null.IntFrom(9333)
	require.NoError(t, c.AddArgument("--mute-audio"))

	args := c.Args()
	assert.Subset(t, args, []string{
		"--remote-allow-origins=*",
		"--no-first-run",
		"--user-data-dir=/tmp/profile",
		"--window-size=1920,1080",
		"--lang=en-US",
		"--headless=new",
		"--incognito",
		"--remote-debugging-host=127.0.0.1",
		"--remote-debugging-port=9333",
	})
	assert.NotContains(t, args, "--guest")
	assert.Equal(t, "--mute-audio", args[len(args)-1], "extra arguments come last")
}

func TestConfigAddArgumentRejectsManaged(t *testing.T) {
	t.Parallel()

	for _, arg := range []string{
		"--headless",
		"--headless=old",
		"--user-data-dir=/x",
		"--remote-debugging-port=1",
		"no-sandbox",
		"--LANG=de",
	} {
		arg := arg
		t.Run(arg, func(t *testing.T) {
			t.Parallel()

			c := newTestConfig(t, false)
			err := c.AddArgument(arg)
			require.ErrorIs(t, err, ErrManagedArgument)
			assert.Empty(t, c.BrowserArgs)
		})
	}
}

func TestConfigParse(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		c := newTestConfig(t, false)
		err := c.Parse(env.MapLookup(map[string]string{
			env.Headless:       "true",
			env.Args:           "--mute-audio, --disable-gpu",
			env.Host:           "10.0.0.2",
			env.Port:           "9222",
			env.ExecutablePath: "/opt/chrome",
			env.IdleTimeout:    "250ms",
			env.Sandbox:        "false",
		}))
		require.NoError(t, err)
		assert.True(t, c.Headless)
		assert.Equal(t, []string{"--mute-audio", "--disable-gpu"}, c.BrowserArgs)
		assert.True(t, c.Attach())
		assert.Equal(t, "10.0.0.2:9222", c.DebuggerAddr())
		assert.Equal(t, "/opt/chrome", c.ExecutablePath)
		assert.Equal(t, 250*time.Millisecond, c.IdleTimeout)
		assert.False(t, c.Sandbox)
	})

	tests := map[string]map[string]string{
		"bad_bool":     {env.Headless: "maybe"},
		"bad_port":     {env.Port: "http"},
		"port_range":   {env.Port: "70000"},
		"managed_arg":  {env.Args: "--headless"},
		"bad_duration": {env.IdleTimeout: "soon"},
	}
	for name, vars := range tests {
		vars := vars
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c := newTestConfig(t, false)
			assert.Error(t, c.Parse(env.MapLookup(vars)))
		})
	}
}

func TestConfigLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "cdpdriver.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
headless: true
lang: de-DE
port: 9229
windowSize:
  width: 800
  height: 600
idleTimeout: 2s
args:
  - --mute-audio
`), 0o600))

	c := newTestConfig(t, false)
	require.NoError(t, c.LoadFile(p))
	assert.True(t, c.Headless)
	assert.Equal(t, "de-DE", c.Lang)
	assert.Equal(t, null.IntFrom(9229), c.Port)
	assert.Equal(t, WindowSize{Width: 800, Height: 600}, c.WindowSize)
	assert.Equal(t, 2*time.Second, c.IdleTimeout)
	assert.False(t, c.Attach(), "a port alone does not attach")

	require.NoError(t, os.WriteFile(p, []byte("args: [--user-data-dir=/x]\n"), 0o600))
	require.ErrorIs(t, newTestConfig(t, false).LoadFile(p), ErrManagedArgument)

	require.NoError(t, os.WriteFile(p, []byte("windowSize: {width: 0, height: 10}\n"), 0o600))
	require.Error(t, newTestConfig(t, false).LoadFile(p))
}

func TestConfigPrepare(t *testing.T) {
	t.Parallel()

	c := newTestConfig(t, false)
	c.TmpDir = t.TempDir()
	require.NoError(t, c.Prepare())

	assert.Equal(t, "/usr/bin/chromium", c.ExecutablePath)
	assert.True(t, c.Port.Valid)
	assert.NotZero(t, c.Port.Int64)
	assert.True(t, c.OwnsProfile())
	_, err := os.Stat(c.UserDataDir)
	require.NoError(t, err)

	require.NoError(t, c.Cleanup())
	_, err = os.Stat(c.UserDataDir)
	assert.True(t, os.IsNotExist(err))
}

func TestConfigPrepareAttach(t *testing.T) {
	t.Parallel()

	c := newTestConfig(t, false)
	c.Host = "127.0.0.1"
	c.Port = null.IntFrom(9222)
	c.finder = &chromium.Finder{
		LookPath: func(string) (string, error) { return "", chromium.ErrExecutableNotFound },
		Stat:     func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
	}
	require.NoError(t, c.Prepare(), "no executable is needed when attaching")
	assert.Empty(t, c.UserDataDir)
	assert.False(t, c.OwnsProfile())
}

func TestFreePort(t *testing.T) {
	t.Parallel()

	port, err := FreePort("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
