package common

import (
	"context"
	"errors"
	"time"
)

// shutdownStep is one way of stopping the browser process. A step succeeds
// only if the process is gone afterwards.
type shutdownStep struct {
	name string
	run  func(ctx context.Context) error
}

// runShutdown runs steps in order until one succeeds. It returns nil on the
// first success, otherwise the ShutdownStepError of every step.
func runShutdown(ctx context.Context, steps []shutdownStep, onFail func(*ShutdownStepError)) error {
	var errs []error
	for _, s := range steps {
		err := s.run(ctx)
		if err == nil {
			return nil
		}
		stepErr := &ShutdownStepError{Step: s.name, Err: err}
		if onFail != nil {
			onFail(stepErr)
		}
		errs = append(errs, stepErr)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

const (
	stepClose     = "close"
	stepTerminate = "terminate"
	stepKill      = "kill"
	stepSignal    = "signal"
)

// processShutdownSteps is the fallback chain for a launched browser:
// protocol close, terminate, kill and a raw signal to the process group.
func processShutdownSteps(p *BrowserProcess, closeBrowser func(context.Context) error, grace time.Duration) []shutdownStep {
	then := func(do func() error) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if p.Exited() {
				return nil
			}
			if err := do(); err != nil {
				return err
			}
			return p.WaitExit(ctx, grace)
		}
	}
	return []shutdownStep{
		{stepClose, func(ctx context.Context) error {
			if p.Exited() {
				return nil
			}
			// the browser drops the connection while closing, so a
			// closed connection is the expected reply.
			if err := closeBrowser(ctx); err != nil && !isConnectionClosed(err) {
				return err
			}
			return p.WaitExit(ctx, grace)
		}},
		{stepTerminate, then(p.Terminate)},
		{stepKill, then(p.Kill)},
		{stepSignal, then(p.Signal)},
	}
}
