package cdp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
)

// ErrConnectionClosed is returned for commands that cannot complete because
// their connection was closed.
var ErrConnectionClosed = errors.New("connection closed")

// ProtocolError is the error object of a command reply.
type ProtocolError struct {
	Code    int64
	Message string

	// Method and Params of the command that failed.
	Method cdproto.MethodType
	Params string
}

func (e *ProtocolError) Error() string {
	var sb strings.Builder
	if e.Method != "" {
		sb.WriteString(string(e.Method))
		sb.WriteString(": ")
	}
	fmt.Fprintf(&sb, "%s (%d)", e.Message, e.Code)
	if e.Params != "" && e.Params != "{}" {
		sb.WriteString(" params: ")
		sb.WriteString(e.Params)
	}
	return sb.String()
}

// Is makes errors.Is match protocol errors by code.
func (e *ProtocolError) Is(target error) bool {
	var pe *ProtocolError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code && (pe.Message == "" || pe.Message == e.Message)
}

// IsNodeNotFound reports whether err says that a referenced DOM node no
// longer exists.
func IsNodeNotFound(err error) bool {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "no node with given id")
}
