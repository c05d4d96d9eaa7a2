package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
)

var (
	// ErrElementNotFound is returned when a node is not part of a document
	// snapshot anymore.
	ErrElementNotFound = errors.New("element not found")
	// ErrNilNode is returned when an Element is built from a nil node.
	ErrNilNode = errors.New("element node is nil")
	// ErrNotInteractable is returned for pointer actions on an element that
	// has no layout position.
	ErrNotInteractable = errors.New("element is not interactable")
	// ErrTabNotFound is returned when a target id has no Tab.
	ErrTabNotFound = errors.New("tab not found")
	// ErrBrowserStopped is returned by operations on a stopped Browser.
	ErrBrowserStopped = errors.New("browser is stopped")

	errNoQuery = errors.New("no selector or text given")
)

// TimeoutError is returned by the polling helpers of a Tab.
type TimeoutError struct {
	// What describes what was being waited for, such as `selector "#id"`.
	What    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.What)
}

// LaunchError is returned when the browser could not be started or its
// debugger endpoint never became reachable.
type LaunchError struct {
	Err  error
	Hint string
}

func (e *LaunchError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("launching browser: %v", e.Err)
	}
	return fmt.Sprintf("launching browser: %v (%s)", e.Err, e.Hint)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ShutdownStepError is the failure of one step of the browser shutdown.
type ShutdownStepError struct {
	Step string
	Err  error
}

func (e *ShutdownStepError) Error() string {
	return fmt.Sprintf("shutdown step %q: %v", e.Step, e.Err)
}

func (e *ShutdownStepError) Unwrap() error { return e.Err }

// JSError is a JavaScript exception thrown by an evaluated expression or
// function.
type JSError struct {
	Text        string
	Description string
	Line        int64
	Column      int64
}

func newJSError(exc *runtime.ExceptionDetails) *JSError {
	e := &JSError{
		Text:   exc.Text,
		Line:   exc.LineNumber,
		Column: exc.ColumnNumber,
	}
	if exc.Exception != nil {
		e.Description = exc.Exception.Description
	}
	return e
}

func (e *JSError) Error() string {
	msg := e.Text
	if e.Description != "" {
		msg = e.Description
	}
	return fmt.Sprintf("javascript exception at %d:%d: %s", e.Line, e.Column, msg)
}
