package signaling

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies a ProtocolError.
type Code int

const (
	CodeTimeout Code = iota + 1
	CodeChannelClosed
	CodeServerRejected
)

func (c Code) String() string {
	switch c {
	case CodeTimeout:
		return "timeout"
	case CodeChannelClosed:
		return "channel closed"
	case CodeServerRejected:
		return "server rejected"
	default:
		return "unknown"
	}
}

// ProtocolError fails a single request. It never tears the session down.
type ProtocolError struct {
	Code    Code
	Kind    string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches on Code so errors.Is(err, ErrTimeout) works for any request kind.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code && (t.Kind == "" || t.Kind == e.Kind)
}

var (
	ErrTimeout        = &ProtocolError{Code: CodeTimeout}
	ErrChannelClosed  = &ProtocolError{Code: CodeChannelClosed}
	ErrServerRejected = &ProtocolError{Code: CodeServerRejected}

	ErrNoCapabilities   = errors.New("join response carried no router capabilities")
	ErrNotConnected     = errors.New("session is not connected")
	ErrInvalidState     = errors.New("invalid connection state transition")
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
	ErrUnknownTransport = errors.New("unknown transport")
)
