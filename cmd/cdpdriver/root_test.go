package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpdriver/common"
	"github.com/grafana/cdpdriver/config"
	"github.com/grafana/cdpdriver/env"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/otel"
	"github.com/grafana/cdpdriver/testutils/cdptest"
)

const testTimeout = 10 * time.Second

func TestGlobalFlagsConfig(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "cdpdriver.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("headless: true\nlang: de-DE\nidleTimeout: 300ms\n"), 0o600))

	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		check   func(*testing.T, *config.Config)
		wantErr string
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *config.Config) {
				assert.False(t, cfg.Attach())
				assert.False(t, cfg.Headless)
				assert.Equal(t, config.DefaultLang, cfg.Lang)
			},
		},
		{
			name: "env_attach",
			env:  map[string]string{env.Host: "10.0.0.2", env.Port: "9333"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Attach())
				assert.Equal(t, "10.0.0.2:9333", cfg.DebuggerAddr())
			},
		},
		{
			name: "flags_override_env",
			env:  map[string]string{env.Headless: "false", env.Host: "10.0.0.2", env.Port: "9333"},
			args: []string{"--headless", "--host", "10.0.0.3", "--debug", "--log-filter", "^Tab"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Headless)
				assert.True(t, cfg.Debug)
				assert.Equal(t, "^Tab", cfg.LogCategoryFilter)
				assert.Equal(t, "10.0.0.3:9333", cfg.DebuggerAddr())
			},
		},
		{
			name: "port_only_attaches_locally",
			args: []string{"--port", "9444"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Attach())
				assert.Equal(t, config.DefaultHost, cfg.Host)
				assert.EqualValues(t, 9444, cfg.Port.Int64)
			},
		},
		{
			name: "file_then_env",
			env:  map[string]string{env.Lang: "fr-FR"},
			args: []string{"--config", configFile},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Headless)
				assert.Equal(t, "fr-FR", cfg.Lang)
				assert.Equal(t, 300*time.Millisecond, cfg.IdleTimeout)
			},
		},
		{
			name:    "port_out_of_range",
			args:    []string{"--port", "70000"},
			wantErr: "out of range",
		},
		{
			name:    "bad_env",
			env:     map[string]string{env.Headless: "maybe"},
			wantErr: env.Headless,
		},
		{
			name:    "missing_file",
			args:    []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")},
			wantErr: "reading config file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gf := &globalFlags{lookup: env.MapLookup(tt.env)}
			cmd := &cobra.Command{Use: "test"}
			gf.addFlags(cmd)
			require.NoError(t, cmd.ParseFlags(tt.args))

			cfg, err := gf.config(cmd)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestTraceFlagDefault(t *testing.T) {
	t.Parallel()

	gf := &globalFlags{lookup: env.ConstLookup(env.TracesMetadata, otel.ProtoStdout)}
	cmd := &cobra.Command{Use: "test"}
	gf.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags(nil))
	assert.Equal(t, otel.ProtoStdout, gf.traceProto)
	assert.Equal(t, defaultTraceEndpoint, gf.traceEndpoint)

	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	tp, err := gf.traceProvider(context.Background(), cmd)
	require.NoError(t, err)
	_, span := tp.Tracer("test").Start(context.Background(), "span")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, stderr.String(), `"Name": "span"`)

	gf.traceProto = "grpc"
	_, err = gf.traceProvider(context.Background(), cmd)
	require.ErrorIs(t, err, otel.ErrUnsupportedProto)
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in            string
		width, height int64
		wantErr       bool
	}{
		{in: "1280x720", width: 1280, height: 720},
		{in: "800X600", width: 800, height: 600},
		{in: "800", wantErr: true},
		{in: "0x600", wantErr: true},
		{in: "800x-1", wantErr: true},
		{in: "axb", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			w, h, err := parseSize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.width, w)
			assert.Equal(t, tt.height, h)
		})
	}
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	port, err := config.FreePort("127.0.0.1")
	require.NoError(t, err)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "cdpdriver_commands_total 1\n")
	})
	stop, err := serveMetrics(addr, h, log.NewNullLogger())
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics") //nolint:noctx
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "cdpdriver_commands_total 1\n", string(body))

	_, err = serveMetrics(addr, h, log.NewNullLogger())
	require.Error(t, err, "address in use")

	stop()
	_, err = http.Get("http://" + addr + "/metrics") //nolint:noctx,bodyclose
	require.Error(t, err)
}

// runCLI runs the command line against srv and returns its output.
func runCLI(t *testing.T, srv *cdptest.Server, args ...string) (string, error) {
	t.Helper()

	lookup := env.MapLookup(map[string]string{
		env.Host:        srv.Host(),
		env.Port:        strconv.FormatInt(srv.Port(), 10),
		env.IdleTimeout: "20ms",
	})
	cmd := newRootCmd(lookup)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := cmd.ExecuteContext(ctx)

	return stdout.String(), err
}

func addPage(srv *cdptest.Server, id, url, title string) {
	srv.AddTarget(&target.Info{TargetID: target.ID(id), Type: "page", URL: url, Title: title})
}

func TestCommandVersion(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "about:blank", "")

	out, err := runCLI(t, srv, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "HeadlessChrome/120.0.6099.109")
	assert.Contains(t, out, "User-Agent:")
	assert.NotContains(t, out, "Pid:", "attached browsers have no process")
	assert.Empty(t, srv.Requests("Browser.close"), "attached browsers are left running")
}

func TestCommandTargets(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "https://example.test/", "Example")
	srv.AddTarget(&target.Info{TargetID: "W1", Type: "service_worker", URL: "https://example.test/sw.js"})

	out, err := runCLI(t, srv, "targets")
	require.NoError(t, err)
	assert.Contains(t, out, "T1")
	assert.Contains(t, out, "Example")
	assert.NotContains(t, out, "W1")

	out, err = runCLI(t, srv, "targets", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "W1")
	assert.Contains(t, out, "service_worker")
}

func TestCommandEval(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "about:blank", "")
	srv.HandleResult("Runtime.evaluate", map[string]any{
		"result": map[string]any{"type": "number", "value": 42},
	})

	out, err := runCLI(t, srv, "eval", "6", "*", "7")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	reqs := srv.Requests("Runtime.evaluate")
	require.Len(t, reqs, 1)
	assert.Equal(t, cdptest.PagePath("T1"), reqs[0].Path)
}

func TestCommandEvalWithoutPages(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)

	_, err := runCLI(t, srv, "eval", "1")
	require.ErrorIs(t, err, common.ErrTabNotFound)
}

func TestCommandGetScreenshot(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "https://example.test/", "Example")
	srv.HandleResult("Page.captureScreenshot", map[string]any{
		"data": base64.StdEncoding.EncodeToString([]byte("png bytes")),
	})
	dir := t.TempDir()

	out, err := runCLI(t, srv, "get", "https://example.test/", "--screenshot", "shot.png", "--output-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "T1")
	assert.Contains(t, out, "screenshot saved to shot.png")

	data, err := os.ReadFile(filepath.Join(dir, "shot.png")) //nolint:gosec
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))

	navs := srv.Requests("Page.navigate")
	require.Len(t, navs, 1)
	assert.Equal(t, cdptest.PagePath("T1"), navs[0].Path)
	assert.Empty(t, srv.Requests("Target.createTarget"))
}

func TestCommandWindow(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "about:blank", "")
	srv.HandleResult("Browser.getWindowForTarget", map[string]any{
		"windowId": 3,
		"bounds":   map[string]any{"left": 0, "top": 0, "width": 1280, "height": 720, "windowState": "normal"},
	})

	out, err := runCLI(t, srv, "window", "norm", "--size", "1280x720")
	require.NoError(t, err)
	assert.Equal(t, "normal 1280x720+0+0\n", out)
	assert.Len(t, srv.Requests("Browser.setWindowBounds"), 2)

	_, err = runCLI(t, srv, "window", "--size", "wide")
	require.ErrorContains(t, err, "invalid size")
}
