package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdps "github.com/chromedp/cdproto/storage"
)

// Storage exposes the cookie actions of the CDP Storage domain.
type Storage interface {
	GetCookies(ctx context.Context) ([]*network.Cookie, error)
	SetCookies(ctx context.Context, cookies []*network.CookieParam) error
	ClearCookies(ctx context.Context) error
}

var _ Storage = &storage{}

type storage struct {
	exec cdp.Executor
}

// NewStorage returns a new CDP Storage domain wrapper.
func NewStorage(exec cdp.Executor) Storage {
	return &storage{exec}
}

func (s *storage) GetCookies(ctx context.Context) ([]*network.Cookie, error) {
	cookies, err := cdps.GetCookies().Do(cdp.WithExecutor(ctx, s.exec))
	if err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}

	return cookies, nil
}

func (s *storage) SetCookies(ctx context.Context, cookies []*network.CookieParam) error {
	if err := cdps.SetCookies(cookies).Do(cdp.WithExecutor(ctx, s.exec)); err != nil {
		return fmt.Errorf("setting %d cookies: %w", len(cookies), err)
	}

	return nil
}

func (s *storage) ClearCookies(ctx context.Context) error {
	if err := cdps.ClearCookies().Do(cdp.WithExecutor(ctx, s.exec)); err != nil {
		return fmt.Errorf("clearing cookies: %w", err)
	}

	return nil
}
