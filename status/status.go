// Package status defines the error kinds reported by protorpc.
//
// Every failure that can cross the wire is a *Error carrying a Kind. The server
// turns it into an error reply, and the client rebuilds it from that reply, so
// both sides branch on the same value:
//
//	if errors.Is(err, status.ErrResolution) { ... }
package status

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindProtocol    Kind = "protocol"    // Malformed packet, unknown type tag, no data
	KindResolution  Kind = "resolution"  // Unknown service implementation or method
	KindApplication Kind = "application" // Implementation marked the call failed
	KindTransport   Kind = "transport"   // Connection closed or socket failure
	KindCanceled    Kind = "canceled"    // Call cancelled or timed out before completion
)

// Sentinels for errors.Is. Matching is done on Kind only.
var (
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrResolution  = &Error{Kind: KindResolution}
	ErrApplication = &Error{Kind: KindApplication}
	ErrTransport   = &Error{Kind: KindTransport}
	ErrCanceled    = &Error{Kind: KindCanceled}
)

// Error is a kinded RPC failure. Message is the text sent on the wire.
type Error struct {
	Kind    Kind
	Message string
	Err     error // Local cause, never transmitted
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind) + " error"
	}
	return string(e.Kind) + " error: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf formats the message like fmt.Sprintf.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches err as the local cause. The message defaults to err's text.
func Wrap(kind Kind, err error, msg string) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Convert returns err as a *Error. Errors without a kind are application errors.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindApplication, Message: err.Error(), Err: err}
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Convert(err).Kind
}

// ParseKind maps the wire name back to a Kind. Unknown names become protocol errors.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindProtocol, KindResolution, KindApplication, KindTransport, KindCanceled:
		return k
	default:
		return KindProtocol
	}
}
