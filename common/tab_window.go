package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cdpb "github.com/chromedp/cdproto/browser"
)

// windowStates in matching order. A name matches the first state that
// contains every character of it, so "max" is maximized and "mini" is
// minimized.
var windowStates = []cdpb.WindowState{ //nolint:gochecknoglobals
	cdpb.WindowStateMinimized,
	cdpb.WindowStateMaximized,
	cdpb.WindowStateFullscreen,
	cdpb.WindowStateNormal,
}

// matchWindowState resolves an abbreviated window state name.
func matchWindowState(name string) (cdpb.WindowState, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", errors.New("empty window state")
	}
	for _, s := range windowStates {
		if containsAllRunes(string(s), name) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown window state %q, want one of %q", name, windowStates)
}

func containsAllRunes(s, chars string) bool {
	for _, r := range chars {
		if !strings.ContainsRune(s, r) {
			return false
		}
	}
	return true
}

// GetWindow returns the window of the tab and its bounds.
func (t *Tab) GetWindow(ctx context.Context) (cdpb.WindowID, *cdpb.Bounds, error) {
	return t.browserDomain.GetWindowForTarget(ctx, t.ID()) //nolint:wrapcheck
}

// SetWindowState sets the window state from a possibly abbreviated name.
// A window goes through the normal state before it is minimized,
// maximized or made fullscreen.
func (t *Tab) SetWindowState(ctx context.Context, name string) error {
	state, err := matchWindowState(name)
	if err != nil {
		return err
	}
	id, _, err := t.GetWindow(ctx)
	if err != nil {
		return err
	}

	normal := &cdpb.Bounds{WindowState: cdpb.WindowStateNormal}
	if err := t.browserDomain.SetWindowBounds(ctx, id, normal); err != nil {
		return err //nolint:wrapcheck
	}
	if state == cdpb.WindowStateNormal {
		return nil
	}

	return t.browserDomain.SetWindowBounds(ctx, id, &cdpb.Bounds{WindowState: state}) //nolint:wrapcheck
}

// SetWindowSize puts the window in the normal state at the given position
// and size.
func (t *Tab) SetWindowSize(ctx context.Context, left, top, width, height int64) error {
	id, _, err := t.GetWindow(ctx)
	if err != nil {
		return err
	}
	bounds := &cdpb.Bounds{
		Left:        left,
		Top:         top,
		Width:       width,
		Height:      height,
		WindowState: cdpb.WindowStateNormal,
	}

	return t.browserDomain.SetWindowBounds(ctx, id, bounds) //nolint:wrapcheck
}

// Maximize maximizes the window.
func (t *Tab) Maximize(ctx context.Context) error { return t.SetWindowState(ctx, "maximize") }

// Minimize minimizes the window.
func (t *Tab) Minimize(ctx context.Context) error { return t.SetWindowState(ctx, "minimize") }

// Fullscreen makes the window fullscreen.
func (t *Tab) Fullscreen(ctx context.Context) error { return t.SetWindowState(ctx, "fullscreen") }

// Medimize restores the window to its normal state.
func (t *Tab) Medimize(ctx context.Context) error { return t.SetWindowState(ctx, "normal") }
