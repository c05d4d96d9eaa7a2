package api

import (
	"context"
	"time"
)

// Page is one target of a browser, usually a tab.
type Page interface {
	ID() string
	Type() string
	URL() string
	Title() string
	Crashed() bool

	Evaluate(ctx context.Context, expr string) (any, error)
	SaveScreenshot(ctx context.Context, filename, format string, fullPage bool) (string, error)
	Sleep(ctx context.Context, d time.Duration) error
}
