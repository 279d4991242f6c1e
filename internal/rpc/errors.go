package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// GenericMessage is the only message allowed to cross the boundary for
// failures that carry no explicit status. Internal details stay in the logs.
const GenericMessage = "Internal server error"

var (
	// ErrTimeout: no response arrived within the call deadline. The
	// connection itself stays up.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrUnavailable: the connection is down; calls fail fast until the
	// client reconnects.
	ErrUnavailable = errors.New("rpc: connection unavailable")
)

// Error is a transport error: a status/message pair that travels across the
// command channel unchanged and is re-raised on the consumer side.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: status %d: %s", e.Status, e.Message)
}

func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// FromMessages folds several messages (e.g. field validation failures) into
// one transport error.
func FromMessages(status int, msgs []string) *Error {
	return &Error{Status: status, Message: strings.Join(msgs, ", ")}
}

// toWire is the producer-side translation: a typed *Error goes on the wire
// as-is, everything else is flattened to a generic 500 so that internal
// error text never leaves the service.
func toWire(err error) (int, string) {
	var rpcErr *Error

	if errors.As(err, &rpcErr) {
		return rpcErr.Status, rpcErr.Message
	}

	return http.StatusInternalServerError, GenericMessage
}

// ConsumerStatus is the consumer-side translation: it maps any call failure
// to the status/message pair the gateway should answer with.
func ConsumerStatus(err error) (int, string) {
	var rpcErr *Error

	if errors.As(err, &rpcErr) {
		return rpcErr.Status, rpcErr.Message
	}

	// timeouts, disconnects, malformed frames: never leak details
	return http.StatusInternalServerError, GenericMessage
}
