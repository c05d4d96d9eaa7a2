package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/grafana/cdpdriver/config"
	"github.com/grafana/cdpdriver/log"
)

// WithBrowser starts a browser, calls fn with it and stops it on every way
// out of fn, including a panic, which is re-raised after the browser is
// stopped. The errors of fn and of the shutdown are joined.
func WithBrowser(
	ctx context.Context, cfg *config.Config, logger *log.Logger,
	fn func(ctx context.Context, b *Browser) error, opts ...BrowserOption,
) (err error) {
	b, err := NewBrowser(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		if stopErr := b.Stop(); stopErr != nil {
			if logger != nil {
				logger.Warnf("Browser:WithBrowser", "stopping browser: %v", stopErr)
			}
			err = errors.Join(err, fmt.Errorf("stopping browser: %w", stopErr))
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx, b)
}
