package common

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"

	"github.com/grafana/cdpdriver/common/js"
)

const flashDuration = 500 * time.Millisecond

// Position is the layout box of an element in CSS pixels of the viewport.
type Position struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
	// Quad is the first content quad the box was computed from.
	Quad dom.Quad
}

// Center returns the center point of the box.
func (p *Position) Center() (x, y float64) {
	return p.Left + p.Width/2, p.Top + p.Height/2
}

func newPosition(q dom.Quad) *Position {
	if len(q) < 8 {
		return nil
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	return &Position{
		Left:   minX,
		Top:    minY,
		Width:  maxX - minX,
		Height: maxY - minY,
		Quad:   q,
	}
}

// GetPosition returns the layout box of the element. It returns nil
// without an error when the element has no box, e.g. it is hidden or not
// rendered: such an element is not interactable.
func (e *Element) GetPosition(ctx context.Context) (*Position, error) {
	id, err := e.objectID(ctx)
	if err != nil {
		return nil, err
	}
	quads, err := e.tab.dom.GetContentQuads(ctx, id)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if len(quads) == 0 {
		e.logger.Debugf("Element:GetPosition", "%s has no content quads", e)
		return nil, nil //nolint:nilnil
	}
	return newPosition(quads[0]), nil
}

func (e *Element) center(ctx context.Context) (x, y float64, err error) {
	pos, err := e.GetPosition(ctx)
	if err != nil {
		return 0, 0, err
	}
	if pos == nil {
		return 0, 0, fmt.Errorf("%s: %w", e, ErrNotInteractable)
	}
	x, y = pos.Center()
	return x, y, nil
}

// MouseClick clicks the center of the element with a synthetic mouse
// press and release.
func (e *Element) MouseClick(ctx context.Context, button input.MouseButton) error {
	x, y, err := e.center(ctx)
	if err != nil {
		return err
	}
	if button == "" {
		button = input.Left
	}

	in := e.tab.input
	if err := in.DispatchMouseEvent(ctx, input.MousePressed, x, y, button, 1); err != nil {
		return err //nolint:wrapcheck
	}
	if err := in.DispatchMouseEvent(ctx, input.MouseReleased, x, y, button, 1); err != nil {
		return err //nolint:wrapcheck
	}
	e.flash(ctx)
	return nil
}

// MouseMove moves the mouse to the center of the element.
func (e *Element) MouseMove(ctx context.Context) error {
	x, y, err := e.center(ctx)
	if err != nil {
		return err
	}
	return e.tab.input.DispatchMouseEvent(ctx, input.MouseMoved, x, y, input.None, 0) //nolint:wrapcheck
}

// MouseDrag presses the mouse on the element, moves it to the center of
// dest in steps moves and releases it there.
func (e *Element) MouseDrag(ctx context.Context, dest *Element, steps int) error {
	toX, toY, err := dest.center(ctx)
	if err != nil {
		return err
	}
	return e.MouseDragTo(ctx, toX, toY, steps)
}

// MouseDragTo presses the mouse on the element, moves it to (toX, toY) in
// steps moves and releases it there.
func (e *Element) MouseDragTo(ctx context.Context, toX, toY float64, steps int) error {
	x, y, err := e.center(ctx)
	if err != nil {
		return err
	}
	if steps < 1 {
		steps = 1
	}

	in := e.tab.input
	if err := in.DispatchMouseEvent(ctx, input.MousePressed, x, y, input.Left, 1); err != nil {
		return err //nolint:wrapcheck
	}
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		mx, my := x+(toX-x)*f, y+(toY-y)*f
		if err := in.DispatchMouseEvent(ctx, input.MouseMoved, mx, my, input.Left, 0); err != nil {
			return err //nolint:wrapcheck
		}
	}
	return in.DispatchMouseEvent(ctx, input.MouseReleased, toX, toY, input.Left, 1) //nolint:wrapcheck
}

// Flash briefly draws a dot over the element.
func (e *Element) Flash(ctx context.Context, d time.Duration) error {
	if err := e.ApplyInto(ctx, js.FlashScript, nil, d.Milliseconds()); err != nil {
		return fmt.Errorf("flashing %s: %w", e, err)
	}
	return nil
}

// flash is Flash for clicks, where a failure does not matter.
func (e *Element) flash(ctx context.Context) {
	if err := e.Flash(ctx, flashDuration); err != nil {
		e.logger.Tracef("Element:flash", "%v", err)
	}
}

// SendKeys focuses the element and types text with the keyboard of the
// tab.
func (e *Element) SendKeys(ctx context.Context, text string) error {
	if err := e.Focus(ctx); err != nil {
		return err
	}
	return e.tab.keyboard.Type(ctx, text, 0)
}

// SendFile sets the files of a file input element.
func (e *Element) SendFile(ctx context.Context, paths ...string) error {
	files := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", p, err)
		}
		files = append(files, abs)
	}
	return e.tab.dom.SetFileInputFiles(ctx, e.BackendNodeID(), files) //nolint:wrapcheck
}
