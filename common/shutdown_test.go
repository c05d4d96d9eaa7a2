package common

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShutdown(t *testing.T) {
	t.Parallel()

	errStep := errors.New("step failed")
	fail := func(context.Context) error { return errStep }
	ok := func(context.Context) error { return nil }

	tests := []struct {
		name      string
		steps     []shutdownStep
		wantRun   []string
		wantFails []string
		wantErr   bool
	}{
		{
			name:    "first_succeeds",
			steps:   []shutdownStep{{stepClose, ok}, {stepKill, ok}},
			wantRun: []string{stepClose},
		},
		{
			name:      "falls_back",
			steps:     []shutdownStep{{stepClose, fail}, {stepTerminate, fail}, {stepKill, ok}, {stepSignal, ok}},
			wantRun:   []string{stepClose, stepTerminate, stepKill},
			wantFails: []string{stepClose, stepTerminate},
		},
		{
			name:      "all_fail",
			steps:     []shutdownStep{{stepClose, fail}, {stepKill, fail}},
			wantRun:   []string{stepClose, stepKill},
			wantFails: []string{stepClose, stepKill},
			wantErr:   true,
		},
		{
			name: "no_steps",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var ran, failed []string
			steps := make([]shutdownStep, len(tt.steps))
			for i, s := range tt.steps {
				steps[i] = shutdownStep{s.name, func(ctx context.Context) error {
					ran = append(ran, s.name)
					return s.run(ctx)
				}}
			}

			err := runShutdown(context.Background(), steps, func(e *ShutdownStepError) {
				failed = append(failed, e.Step)
			})
			assert.Equal(t, tt.wantRun, ran)
			assert.Equal(t, tt.wantFails, failed)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, errStep)
			var stepErr *ShutdownStepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, stepClose, stepErr.Step)
			assert.Contains(t, err.Error(), stepKill)
		})
	}
}

func TestRunShutdownStopsOnDoneContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var ran int
	steps := []shutdownStep{
		{stepClose, func(context.Context) error { ran++; cancel(); return context.Canceled }},
		{stepKill, func(context.Context) error { ran++; return nil }},
	}

	err := runShutdown(ctx, steps, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran)
}
