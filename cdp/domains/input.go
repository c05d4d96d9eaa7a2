package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpi "github.com/chromedp/cdproto/input"
)

// Input exposes the CDP Input domain actions.
type Input interface {
	DispatchMouseEvent(ctx context.Context, typ cdpi.MouseType, x, y float64, button cdpi.MouseButton, clickCount int64) error
	DispatchKeyEvent(ctx context.Context, ev KeyEvent) error
	InsertText(ctx context.Context, text string) error
}

// KeyEvent is one Input.dispatchKeyEvent call.
type KeyEvent struct {
	Type       cdpi.KeyType
	Key        string
	Code       string
	Text       string
	KeyCode    int64
	Location   int64
	Modifiers  cdpi.Modifier
	AutoRepeat bool
}

var _ Input = &input{}

type input struct {
	exec cdp.Executor
}

// NewInput returns a new CDP Input domain wrapper.
func NewInput(exec cdp.Executor) Input {
	return &input{exec}
}

func (i *input) DispatchMouseEvent(
	ctx context.Context, typ cdpi.MouseType, x, y float64, button cdpi.MouseButton, clickCount int64,
) error {
	action := cdpi.DispatchMouseEvent(typ, x, y).WithButton(button).WithClickCount(clickCount)
	if button == cdpi.Left && typ != cdpi.MouseReleased {
		action = action.WithButtons(1)
	}
	if err := action.Do(cdp.WithExecutor(ctx, i.exec)); err != nil {
		return fmt.Errorf("dispatching %s at (%.1f, %.1f): %w", typ, x, y, err)
	}

	return nil
}

func (i *input) DispatchKeyEvent(ctx context.Context, ev KeyEvent) error {
	action := cdpi.DispatchKeyEvent(ev.Type).
		WithModifiers(ev.Modifiers).
		WithKey(ev.Key).
		WithCode(ev.Code).
		WithWindowsVirtualKeyCode(ev.KeyCode).
		WithLocation(ev.Location).
		WithIsKeypad(ev.Location == 3).
		WithAutoRepeat(ev.AutoRepeat)
	if ev.Text != "" {
		action = action.WithText(ev.Text).WithUnmodifiedText(ev.Text)
	}
	if err := action.Do(cdp.WithExecutor(ctx, i.exec)); err != nil {
		return fmt.Errorf("dispatching %s for key %q: %w", ev.Type, ev.Key, err)
	}

	return nil
}

func (i *input) InsertText(ctx context.Context, text string) error {
	if err := cdpi.InsertText(text).Do(cdp.WithExecutor(ctx, i.exec)); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}

	return nil
}
