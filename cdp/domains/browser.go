package domains

import (
	"context"
	"fmt"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Browser exposes the CDP Browser domain actions.
type Browser interface {
	Close(ctx context.Context) error
	GetVersion(ctx context.Context) (
		protocolVersion, product, revision, userAgent, jsVersion string, err error,
	)
	GetWindowForTarget(ctx context.Context, targetID string) (cdpb.WindowID, *cdpb.Bounds, error)
	SetWindowBounds(ctx context.Context, id cdpb.WindowID, bounds *cdpb.Bounds) error
	SetDownloadPath(ctx context.Context, path string) error
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

func (b *browser) Close(ctx context.Context) error {
	action := cdpb.Close()
	return action.Do(cdp.WithExecutor(ctx, b.exec))
}

func (b *browser) GetVersion(ctx context.Context) (
	protocolVersion, product, revision, userAgent, jsVersion string, err error,
) {
	action := cdpb.GetVersion()
	return action.Do(cdp.WithExecutor(ctx, b.exec))
}

// GetWindowForTarget returns the window hosting the target. An empty
// targetID means the target of the connection.
func (b *browser) GetWindowForTarget(ctx context.Context, targetID string) (cdpb.WindowID, *cdpb.Bounds, error) {
	action := cdpb.GetWindowForTarget()
	if targetID != "" {
		action = action.WithTargetID(cdpt.ID(targetID))
	}
	id, bounds, err := action.Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		return 0, nil, fmt.Errorf("getting window for target %q: %w", targetID, err)
	}

	return id, bounds, nil
}

func (b *browser) SetWindowBounds(ctx context.Context, id cdpb.WindowID, bounds *cdpb.Bounds) error {
	action := cdpb.SetWindowBounds(id, bounds)
	if err := action.Do(cdp.WithExecutor(ctx, b.exec)); err != nil {
		return fmt.Errorf("setting bounds of window %d: %w", id, err)
	}

	return nil
}

// SetDownloadPath allows downloads and stores them in path.
func (b *browser) SetDownloadPath(ctx context.Context, path string) error {
	action := cdpb.SetDownloadBehavior(cdpb.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(path).
		WithEventsEnabled(true)
	if err := action.Do(cdp.WithExecutor(ctx, b.exec)); err != nil {
		return fmt.Errorf("setting download path %q: %w", path, err)
	}

	return nil
}
