// Command cdpdriver drives a Chromium browser over the DevTools protocol
// from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := Execute(ctx); err != nil {
		cancel()
		os.Exit(1) //nolint:gocritic
	}
}
