// Package apperr defines the error taxonomy surfaced in public session state.
//
// Every failure that reaches the session is either Fatal, which tears the
// session down, or Fixable, which pauses delivery and keeps client and
// traffic history for when the condition clears.
package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"

	"device-streaming/internal/media"
)

// Kind separates session-ending failures from recoverable ones.
type Kind int

const (
	Fatal Kind = iota
	Fixable
)

func (k Kind) String() string {
	if k == Fixable {
		return "fixable"
	}
	return "fatal"
}

// Code identifies the failure within its Kind.
type Code int

const (
	DispatchFailure Code = iota
	ChannelFailure
	ServerFailure
	FrameFormat
	CaptureFailure
	AddressInUse
	CaptureAuthorizationRevoked
	AddressNotFound
)

var codeInfo = map[Code]struct {
	kind Kind
	key  string
}{
	DispatchFailure:             {Fatal, "error.dispatch_failure"},
	ChannelFailure:              {Fatal, "error.channel_failure"},
	ServerFailure:               {Fatal, "error.server_failure"},
	FrameFormat:                 {Fatal, "error.frame_format"},
	CaptureFailure:              {Fatal, "error.capture_failure"},
	AddressInUse:                {Fixable, "error.address_in_use"},
	CaptureAuthorizationRevoked: {Fixable, "error.capture_revoked"},
	AddressNotFound:             {Fixable, "error.address_not_found"},
}

// Kind returns the kind a code belongs to. Unknown codes are Fatal.
func (c Code) Kind() Kind {
	if info, ok := codeInfo[c]; ok {
		return info.kind
	}
	return Fatal
}

// MessageKey is the user-facing message identifier for the code.
func (c Code) MessageKey() string {
	if info, ok := codeInfo[c]; ok {
		return info.key
	}
	return codeInfo[DispatchFailure].key
}

func (c Code) String() string {
	switch c {
	case DispatchFailure:
		return "dispatch_failure"
	case ChannelFailure:
		return "channel_failure"
	case ServerFailure:
		return "server_failure"
	case FrameFormat:
		return "frame_format"
	case CaptureFailure:
		return "capture_failure"
	case AddressInUse:
		return "address_in_use"
	case CaptureAuthorizationRevoked:
		return "capture_authorization_revoked"
	case AddressNotFound:
		return "address_not_found"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a classified failure.
type Error struct {
	Code  Code
	Cause error
}

// New builds an Error for code wrapping cause (which may be nil).
func New(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Kind() Kind         { return e.Code.Kind() }
func (e *Error) MessageKey() string { return e.Code.MessageKey() }
func (e *Error) Unwrap() error      { return e.Cause }

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s error: %s", e.Kind(), e.Code)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind(), e.Code, e.Cause)
}

// MarshalJSON renders the error the way state observers consume it.
func (e *Error) MarshalJSON() ([]byte, error) {
	v := struct {
		Kind       string `json:"kind"`
		Code       string `json:"code"`
		MessageKey string `json:"messageKey"`
		Message    string `json:"message"`
	}{e.Kind().String(), e.Code.String(), e.MessageKey(), e.Error()}
	return json.Marshal(v)
}

// ErrAddressNotFound is raised when no usable interface address exists.
var ErrAddressNotFound = errors.New("no usable network address")

// ErrChannelClosed is raised when an internal event channel is gone.
var ErrChannelClosed = errors.New("event channel closed")

// Classify maps any error onto the taxonomy. The mapping is total: an
// unrecognised error is a Fatal dispatch failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return New(AddressInUse, err)
	case errors.Is(err, ErrAddressNotFound), errors.Is(err, syscall.EADDRNOTAVAIL):
		return New(AddressNotFound, err)
	case errors.Is(err, media.ErrCaptureRevoked):
		return New(CaptureAuthorizationRevoked, err)
	case errors.Is(err, media.ErrFrameFormat):
		return New(FrameFormat, err)
	case errors.Is(err, media.ErrCapture):
		return New(CaptureFailure, err)
	case errors.Is(err, ErrChannelClosed):
		return New(ChannelFailure, err)
	case errors.Is(err, net.ErrClosed):
		return New(ServerFailure, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return New(DispatchFailure, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "listen" || opErr.Op == "accept") {
		return New(ServerFailure, err)
	}
	return New(DispatchFailure, err)
}

// Supersedes reports whether next should replace current as the surfaced
// error. A Fatal error always wins over a Fixable one.
func Supersedes(next, current *Error) bool {
	if next == nil {
		return false
	}
	if current == nil {
		return true
	}
	return next.Kind() == Fatal || current.Kind() == Fixable
}
