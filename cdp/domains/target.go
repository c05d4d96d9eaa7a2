package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	SetDiscoverTargets(ctx context.Context, discover bool) error
	GetTargets(ctx context.Context) ([]*cdpt.Info, error)
	GetTargetInfo(ctx context.Context, id string) (*cdpt.Info, error)
	CreateTarget(ctx context.Context, url string, newWindow bool) (string, error)
	ActivateTarget(ctx context.Context, id string) error
	CloseTarget(ctx context.Context, id string) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	action := cdpt.SetDiscoverTargets(discover)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setDiscoverTargets: %w", err)
	}

	return nil
}

func (t *target) GetTargets(ctx context.Context) ([]*cdpt.Info, error) {
	infos, err := cdpt.GetTargets().Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("executing getTargets: %w", err)
	}

	return infos, nil
}

// GetTargetInfo returns the info of target id, or of the connection's own
// target when id is empty.
func (t *target) GetTargetInfo(ctx context.Context, id string) (*cdpt.Info, error) {
	action := cdpt.GetTargetInfo()
	if id != "" {
		action = action.WithTargetID(cdpt.ID(id))
	}
	info, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("executing getTargetInfo %q: %w", id, err)
	}

	return info, nil
}

func (t *target) CreateTarget(ctx context.Context, url string, newWindow bool) (string, error) {
	action := cdpt.CreateTarget(url).WithNewWindow(newWindow)
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target for %q: %w", url, err)
	}

	return string(id), nil
}

func (t *target) ActivateTarget(ctx context.Context, id string) error {
	if err := cdpt.ActivateTarget(cdpt.ID(id)).Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("activating target %q: %w", id, err)
	}

	return nil
}

func (t *target) CloseTarget(ctx context.Context, id string) error {
	if err := cdpt.CloseTarget(cdpt.ID(id)).Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("closing target %q: %w", id, err)
	}

	return nil
}
