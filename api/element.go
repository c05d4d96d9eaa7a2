package api

import "context"

// Element is a node of a document snapshot.
type Element interface {
	NodeName() string
	TagName() string
	Attr(name string) string
	Text() string
	TextAll() string
	IsStale() bool

	OuterHTML(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	SendKeys(ctx context.Context, text string) error
}
