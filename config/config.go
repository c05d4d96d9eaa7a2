// Package config holds the launch configuration of a browser.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/grafana/cdpdriver/chromium"
	"github.com/grafana/cdpdriver/env"
	"github.com/grafana/cdpdriver/osext"
	"github.com/grafana/cdpdriver/storage"
)

const (
	// DefaultHost is the debugger host used when none is configured.
	DefaultHost = "127.0.0.1"
	// DefaultLang is the browser UI language.
	DefaultLang = "en-US"
	// DefaultWindowWidth and DefaultWindowHeight size the first window.
	DefaultWindowWidth  = 1920
	DefaultWindowHeight = 1080

	// DefaultIdleTimeout is how long the listener waits for a frame
	// before it reports the connection idle.
	DefaultIdleTimeout = 100 * time.Millisecond
	// InteractiveIdleTimeout is used when attached to a terminal.
	InteractiveIdleTimeout = time.Second
)

// ErrManagedArgument is returned by AddArgument for flags that Config
// builds itself.
var ErrManagedArgument = errors.New("argument is managed by the config")

// defaultArgs disable first-run UI, telemetry and throttling features that
// get in the way of automation.
var defaultArgs = []string{ //nolint:gochecknoglobals
	"--remote-allow-origins=*",
	"--no-first-run",
	"--no-service-autorun",
	"--no-default-browser-check",
	"--homepage=about:blank",
	"--no-pings",
	"--password-store=basic",
	"--disable-infobars",
	"--disable-breakpad",
	"--disable-component-update",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-background-networking",
	"--disable-dev-shm-usage",
	"--disable-features=IsolateOrigins,DisableLoadExtensionCommandLineSwitch,site-per-process",
	"--disable-session-crashed-bubble",
	"--disable-search-engine-choice-screen",
}

// managedArgs maps a flag name to the Config field that controls it.
var managedArgs = map[string]string{ //nolint:gochecknoglobals
	"headless":                 "Headless",
	"user-data-dir":            "UserDataDir",
	"remote-debugging-host":    "Host",
	"remote-debugging-address": "Host",
	"remote-debugging-port":    "Port",
	"remote-debugging-pipe":    "Port",
	"no-sandbox":               "Sandbox",
	"lang":                     "Lang",
	"incognito":                "Incognito",
	"guest":                    "Guest",
	"window-size":              "WindowSize",
}

// WindowSize is the size of the first browser window.
type WindowSize struct {
	Width  int64 `yaml:"width"`
	Height int64 `yaml:"height"`
}

// Validate validates the window size.
func (w WindowSize) Validate() error {
	if w.Width <= 0 || w.Height <= 0 {
		return fmt.Errorf(`invalid window size "%dx%d": precondition 0 < WIDTH, 0 < HEIGHT failed`, w.Width, w.Height)
	}
	return nil
}

// Config is the launch configuration of a browser.
type Config struct {
	// UserDataDir is the profile directory. A temporary one is created by
	// Prepare and removed by Cleanup when empty.
	UserDataDir string `yaml:"userDataDir"`
	// TmpDir is where temporary profile directories are created.
	TmpDir string `yaml:"tmpDir"`

	Headless  bool `yaml:"headless"`
	Incognito bool `yaml:"incognito"`
	Guest     bool `yaml:"guest"`
	// Sandbox is forced off when running as the superuser.
	Sandbox bool `yaml:"sandbox"`

	ExecutablePath string     `yaml:"executablePath"`
	BrowserArgs    []string   `yaml:"args"`
	Lang           string     `yaml:"lang"`
	WindowSize     WindowSize `yaml:"windowSize"`

	// Host and Port of the debugger endpoint. Setting both attaches to an
	// already running browser instead of launching one.
	Host string   `yaml:"host"`
	Port null.Int `yaml:"port"`

	AutoDiscoverTargets bool          `yaml:"autoDiscoverTargets"`
	IdleTimeout         time.Duration `yaml:"idleTimeout"`

	Debug             bool   `yaml:"debug"`
	LogCategoryFilter string `yaml:"logCategoryFilter"`

	profile storage.Dir
	isRoot  func() bool
	finder  *chromium.Finder
}

// New returns a Config with defaults.
func New() *Config {
	c := &Config{
		Sandbox:             true,
		Lang:                DefaultLang,
		WindowSize:          WindowSize{Width: DefaultWindowWidth, Height: DefaultWindowHeight},
		AutoDiscoverTargets: true,
		IdleTimeout:         defaultIdleTimeout(),
		isRoot:              osext.IsRoot,
		finder:              chromium.NewFinder(),
	}
	c.enforceSandbox()

	return c
}

func defaultIdleTimeout() time.Duration {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return InteractiveIdleTimeout
	}
	return DefaultIdleTimeout
}

// LoadFile overlays the YAML file at path on c.
func (c *Config) LoadFile(path string) error {
	bb, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(bb, c); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	c.enforceSandbox()

	return c.Validate()
}

// Parse overlays environment variables on c.
func (c *Config) Parse(lookup env.LookupFunc) error {
	var err error
	for _, k := range []string{
		env.ExecutablePath, env.Headless, env.Args, env.Host, env.Port,
		env.UserDataDir, env.Sandbox, env.Lang, env.Debug,
		env.LogCategoryFilter, env.IdleTimeout,
	} {
		v, ok := lookup(k)
		if !ok {
			continue
		}
		switch k {
		case env.ExecutablePath:
			c.ExecutablePath = v
		case env.Headless:
			c.Headless, err = parseBool(k, v)
		case env.Args:
			err = c.parseArgs(v)
		case env.Host:
			c.Host = v
		case env.Port:
			err = c.Port.UnmarshalText([]byte(v))
			if err == nil && c.Port.Valid && (c.Port.Int64 <= 0 || c.Port.Int64 > 65535) {
				err = fmt.Errorf("%s: port %d out of range", k, c.Port.Int64)
			}
		case env.UserDataDir:
			c.UserDataDir = v
		case env.Sandbox:
			c.Sandbox, err = parseBool(k, v)
		case env.Lang:
			c.Lang = v
		case env.Debug:
			c.Debug, err = parseBool(k, v)
		case env.LogCategoryFilter:
			c.LogCategoryFilter = v
		case env.IdleTimeout:
			c.IdleTimeout, err = time.ParseDuration(v)
		}
		if err != nil {
			return fmt.Errorf("parsing %s: %w", k, err)
		}
	}
	c.enforceSandbox()

	return c.Validate()
}

func parseBool(k, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s should be a boolean: %w", k, err)
	}
	return b, nil
}

func (c *Config) parseArgs(v string) error {
	for _, a := range strings.Split(v, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if err := c.AddArgument(a); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the config.
func (c *Config) Validate() error {
	if err := c.WindowSize.Validate(); err != nil {
		return fmt.Errorf("validating window size: %w", err)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid idle timeout %s", c.IdleTimeout)
	}
	if c.Guest && c.Incognito {
		return errors.New("guest and incognito modes are mutually exclusive")
	}
	for _, a := range c.BrowserArgs {
		if err := checkArgument(a); err != nil {
			return err
		}
	}
	return nil
}

// AddArgument appends an extra browser argument. Arguments that Config
// builds itself are rejected.
func (c *Config) AddArgument(arg string) error {
	if err := checkArgument(arg); err != nil {
		return err
	}
	c.BrowserArgs = append(c.BrowserArgs, arg)
	return nil
}

func checkArgument(arg string) error {
	name := strings.TrimLeft(arg, "-")
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	if field, ok := managedArgs[strings.ToLower(name)]; ok {
		return fmt.Errorf("%w: %q is set through Config.%s", ErrManagedArgument, arg, field)
	}
	return nil
}

// Attach reports whether the config points at a running debugger endpoint.
func (c *Config) Attach() bool {
	return c.Host != "" && c.Port.Valid
}

// DebuggerHost returns the debugger host.
func (c *Config) DebuggerHost() string {
	if c.Host == "" {
		return DefaultHost
	}
	return c.Host
}

// DebuggerAddr returns host:port of the debugger endpoint. It is only
// meaningful after Prepare or when Port was set.
func (c *Config) DebuggerAddr() string {
	return net.JoinHostPort(c.DebuggerHost(), strconv.FormatInt(c.Port.Int64, 10))
}

// Prepare resolves what Args needs: a free port when none was given, a
// temporary profile directory when none was given, and the executable.
// It does nothing but validate when attaching.
func (c *Config) Prepare() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Attach() {
		return nil
	}

	path, err := c.finder.ExecutablePath(c.ExecutablePath)
	if err != nil {
		return fmt.Errorf("locating browser executable: %w", err)
	}
	c.ExecutablePath = path

	if !c.Port.Valid {
		port, err := FreePort(c.DebuggerHost())
		if err != nil {
			return err
		}
		c.Port = null.IntFrom(int64(port))
	}
	if err := c.profile.Make(c.TmpDir, c.UserDataDir); err != nil {
		return fmt.Errorf("preparing profile directory: %w", err)
	}
	c.UserDataDir = c.profile.Dir

	return nil
}

// OwnsProfile reports whether Cleanup removes the profile directory.
func (c *Config) OwnsProfile() bool { return c.profile.IsOwned() }

// Cleanup removes the temporary profile directory if Prepare created one.
func (c *Config) Cleanup() error {
	return c.profile.Cleanup()
}

// Args returns the browser command line arguments.
func (c *Config) Args() []string {
	c.enforceSandbox()

	args := make([]string, 0, len(defaultArgs)+len(c.BrowserArgs)+10)
	args = append(args, defaultArgs...)
	if c.UserDataDir != "" {
		args = append(args, "--user-data-dir="+c.UserDataDir)
	}
	args = append(args,
		fmt.Sprintf("--window-size=%d,%d", c.WindowSize.Width, c.WindowSize.Height),
		"--lang="+c.Lang,
	)
	if c.Headless {
		args = append(args, "--headless=new")
	}
	if c.Incognito {
		args = append(args, "--incognito")
	}
	if c.Guest {
		args = append(args, "--guest")
	}
	if !c.Sandbox {
		args = append(args, "--no-sandbox")
	}
	args = append(args, "--remote-debugging-host="+c.DebuggerHost())
	if c.Port.Valid {
		args = append(args, "--remote-debugging-port="+strconv.FormatInt(c.Port.Int64, 10))
	}

	return append(args, c.BrowserArgs...)
}

// IsRoot reports whether the process runs as the superuser.
func (c *Config) IsRoot() bool {
	return c.isRoot != nil && c.isRoot()
}

func (c *Config) enforceSandbox() {
	if c.IsRoot() {
		c.Sandbox = false
	}
}

// FreePort asks the kernel for an unused TCP port on host.
func FreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("finding a free port: %w", err)
	}
	defer func() { _ = l.Close() }()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("finding a free port: unexpected address %s", l.Addr())
	}
	return addr.Port, nil
}
