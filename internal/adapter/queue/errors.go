package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("rabbitmq: not connected")
	ErrReconnectExhausted = errors.New("rabbitmq: reconnect attempts exhausted")
	ErrCloseTimeout       = errors.New("rabbitmq: consumer did not stop in time")
	ErrManagerClosed      = errors.New("rabbitmq: manager closed")
)

// ConnectError is returned when the broker stays unreachable after all attempts.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rabbitmq: connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DecodeError reports a malformed envelope, malformed JSON or a missing field.
// Offset is the byte position in the message body where decoding failed.
type DecodeError struct {
	Reason string
	Text   string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode task: %s at offset %d", e.Reason, e.Offset)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnroutedActionError means no handler is registered for the action type.
type UnroutedActionError struct {
	ActionType string
}

func (e *UnroutedActionError) Error() string {
	return fmt.Sprintf("no handler registered for action type %q", e.ActionType)
}

// StreamFault is a connection or channel level fault observed by the consume loop.
type StreamFault struct {
	Err error
}

func (e *StreamFault) Error() string {
	if e.Err == nil {
		return "rabbitmq: delivery stream closed"
	}
	return "rabbitmq: stream fault: " + e.Err.Error()
}

func (e *StreamFault) Unwrap() error { return e.Err }
