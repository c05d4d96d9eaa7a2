package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.DebugLevel)
	l := New(lg, false, regexp.MustCompile("^Connection:"))

	l.Debugf("Connection:send", "sid:%d", 1)
	l.Debugf("Browser:onTargetCreated", "tid:%s", "x")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "sid:1", entries[0].Message)
	assert.Equal(t, "Connection:send", entries[0].Data["category"])
	assert.Contains(t, entries[0].Data, "elapsed")
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.InfoLevel)
	l := New(lg, false, nil)

	l.Debugf("Tab:find", "hidden")
	l.Warnf("Tab:find", "shown")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.False(t, l.DebugMode())

	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	assert.Error(t, l.SetLevel("loud"))
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.InfoLevel)
	l := New(lg, true, nil)

	l.Debugf("Listener:loop", "frame %d", 7)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "frame 7", hook.LastEntry().Message)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestLoggerFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(nil, false, nil)
	l.fallbackOut = &buf

	l.Infof("Browser:Stop", "pid %d", 42)
	assert.Contains(t, buf.String(), "pid 42")
	assert.Contains(t, buf.String(), "Browser:Stop")
}

func TestLoggerNil(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() { l.Debugf("x", "y") })
	assert.False(t, l.DebugMode())
}

func TestNewDefault(t *testing.T) {
	t.Parallel()

	_, err := NewDefault("nope", "")
	require.Error(t, err)
	_, err = NewDefault("info", "(")
	require.Error(t, err)

	l, err := NewDefault("debug", "^Tab")
	require.NoError(t, err)
	assert.True(t, l.DebugMode())
}
