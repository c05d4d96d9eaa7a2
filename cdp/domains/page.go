package domains

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// ErrNoHistoryEntry is returned when navigating past either end of the
// session history.
var ErrNoHistoryEntry = errors.New("no history entry")

// Page exposes the CDP Page domain actions.
type Page interface {
	Enable(context.Context) error
	Navigate(ctx context.Context, url, referrer, frameID string) (string, error)
	NavigateHistory(ctx context.Context, delta int) error
	Reload(ctx context.Context, ignoreCache bool) error
	BringToFront(ctx context.Context) error
	CaptureScreenshot(ctx context.Context, format string, fullPage bool) ([]byte, error)
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

// Navigate navigates the frame (or the main frame when frameID is empty) to
// url and returns the navigated frame id.
func (p *page) Navigate(ctx context.Context, url, referrer, frameID string) (string, error) {
	action := cdpp.Navigate(url)
	if referrer != "" {
		action = action.WithReferrer(referrer)
	}
	if frameID != "" {
		action = action.WithFrameID(cdp.FrameID(frameID))
	}

	fid, _, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return string(fid), fmt.Errorf("navigating to %q: %s", url, errorText)
	}

	return string(fid), nil
}

// NavigateHistory moves delta entries through the session history.
func (p *page) NavigateHistory(ctx context.Context, delta int) error {
	cur, entries, err := cdpp.GetNavigationHistory().Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return fmt.Errorf("getting navigation history: %w", err)
	}
	i := int(cur) + delta
	if i < 0 || i >= len(entries) {
		return fmt.Errorf("moving %d in history at %d of %d: %w", delta, cur, len(entries), ErrNoHistoryEntry)
	}

	action := cdpp.NavigateToHistoryEntry(entries[i].ID)
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("navigating to history entry %q: %w", entries[i].URL, err)
	}

	return nil
}

func (p *page) Reload(ctx context.Context, ignoreCache bool) error {
	action := cdpp.Reload().WithIgnoreCache(ignoreCache)
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("reloading page: %w", err)
	}

	return nil
}

func (p *page) BringToFront(ctx context.Context) error {
	if err := cdpp.BringToFront().Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("bringing page to front: %w", err)
	}

	return nil
}

// CaptureScreenshot returns the decoded image bytes. format is one of
// "png", "jpeg" or "webp"; empty means png.
func (p *page) CaptureScreenshot(ctx context.Context, format string, fullPage bool) ([]byte, error) {
	if format == "" {
		format = string(cdpp.CaptureScreenshotFormatPng)
	}
	action := cdpp.CaptureScreenshot().
		WithFormat(cdpp.CaptureScreenshotFormat(format)).
		WithCaptureBeyondViewport(fullPage)

	buf, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, fmt.Errorf("capturing %s screenshot: %w", format, err)
	}

	return buf, nil
}
