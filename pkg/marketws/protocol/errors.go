package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrReservedPath is returned when a public caller targets the internal namespace.
	ErrReservedPath = errors.New("reserved path")

	// ErrInvalidPath is returned for malformed routes and routes with no bound handler.
	ErrInvalidPath = errors.New("invalid path")

	// ErrAlreadyRegistered is returned when a handler is already bound to the same full path.
	ErrAlreadyRegistered = errors.New("handler already registered")

	// ErrInvalidMessageReceived is matched by every *InvalidMessageError.
	ErrInvalidMessageReceived = errors.New("invalid message received")

	// ErrSendFailed is returned once the outbound queue has been released.
	ErrSendFailed = errors.New("send failed: outbound queue closed")

	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
)

// InvalidMessageError reports an inbound frame that is not valid JSON or does not
// match the envelope schema. Raw holds the frame text for diagnostics.
type InvalidMessageError struct {
	Raw string
	Err error
}

func (e *InvalidMessageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %q", ErrInvalidMessageReceived, e.Raw)
	}
	return fmt.Sprintf("%s: %v: %q", ErrInvalidMessageReceived, e.Err, e.Raw)
}

func (e *InvalidMessageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidMessageReceived}
	}
	return []error{ErrInvalidMessageReceived, e.Err}
}

func invalidPath(route string) error {
	return fmt.Errorf("%w: %q", ErrInvalidPath, route)
}
