// Package api declares what the command line front end needs of a browser,
// its tabs and their elements.
package api

import "context"

// Browser is a running or attached browser.
type Browser interface {
	IsConnected() bool
	UserAgent() string
	Pid() int
	UpdateTargets(ctx context.Context) error
	Stop() error
}
