package transport

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed stream
	// or handle.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when an invalid peer address is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrMessageTooLarge is returned when a payload exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrQueueFull is returned when the outbound queue cannot accept another
	// message.
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// TransportError wraps any failure surfaced by the underlying socket layer,
// at establishment time and during receive. A source-address mismatch is not
// a TransportError; it is logged and the message is still delivered.
type TransportError struct {
	// Op is the operation that failed ("bind", "recv").
	Op string
	// Err is the underlying socket error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying socket error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}
