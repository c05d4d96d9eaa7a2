// Package chromium locates a Chromium based browser executable.
package chromium

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrExecutableNotFound is returned when no browser executable was found.
var ErrExecutableNotFound = errors.New("browser executable not found")

// LookPathFunc finds an executable by name in PATH.
type LookPathFunc func(file string) (string, error)

// Finder locates a browser executable.
type Finder struct {
	LookPath LookPathFunc
	Stat     func(name string) (os.FileInfo, error)
	GOOS     string
	// Env is used to expand Windows install locations.
	Getenv func(key string) string
}

// NewFinder returns a Finder backed by the operating system.
func NewFinder() *Finder {
	return &Finder{
		LookPath: exec.LookPath,
		Stat:     os.Stat,
		GOOS:     runtime.GOOS,
		Getenv:   os.Getenv,
	}
}

// ExecutablePath returns path when it points to an existing file.
// With an empty path it searches PATH and then the well known install
// locations of Chrome, Chromium and Edge.
func ExecutablePath(path string) (string, error) {
	return NewFinder().ExecutablePath(path)
}

// ExecutablePath is like the package level ExecutablePath.
func (f *Finder) ExecutablePath(path string) (string, error) {
	if path != "" {
		if _, err := f.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %q: %w", ErrExecutableNotFound, path, err)
		}
		return path, nil
	}

	for _, name := range pathNames(f.GOOS) {
		if p, err := f.LookPath(name); err == nil {
			return p, nil
		}
	}
	for _, p := range f.knownLocations() {
		if _, err := f.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", ErrExecutableNotFound
}

func pathNames(goos string) []string {
	if goos == "windows" {
		return []string{"chrome.exe", "msedge.exe"}
	}
	return []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium",
		"chromium-browser",
		"chrome",
		"microsoft-edge",
	}
}

func (f *Finder) knownLocations() []string {
	switch f.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		}
	case "windows":
		var paths []string
		for _, root := range []string{"PROGRAMFILES", "PROGRAMFILES(X86)", "LOCALAPPDATA"} {
			dir := f.Getenv(root)
			if dir == "" {
				continue
			}
			paths = append(paths,
				filepath.Join(dir, "Google", "Chrome", "Application", "chrome.exe"),
				filepath.Join(dir, "Chromium", "Application", "chrome.exe"),
				filepath.Join(dir, "Microsoft", "Edge", "Application", "msedge.exe"),
			)
		}
		return paths
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
			"/opt/google/chrome/chrome",
		}
	}
}
