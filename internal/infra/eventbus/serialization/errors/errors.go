// Package serializationerrors holds the typed errors returned while encoding
// and decoding events.
package serializationerrors

import "fmt"

// ErrUnknownEventType indicates that no codec is registered for an event type.
type ErrUnknownEventType struct{ EventType string }

func (e ErrUnknownEventType) Error() string {
	return fmt.Sprintf("no codec registered for eventType=%s", e.EventType)
}

// ErrUnexpectedPayload indicates the payload handed to an encoder was not the
// type registered for the event.
type ErrUnexpectedPayload struct {
	EventType string
	Payload   any
}

func (e ErrUnexpectedPayload) Error() string {
	return fmt.Sprintf("unexpected payload %T for %s", e.Payload, e.EventType)
}

// ErrMissingField indicates a required field was absent from the wire form.
type ErrMissingField struct{ Field string }

func (e ErrMissingField) Error() string { return fmt.Sprintf("missing field %q", e.Field) }

// ErrInvalidUUID indicates that a UUID field could not be parsed
type ErrInvalidUUID struct {
	Field string
	Err   error
}

func (e ErrInvalidUUID) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidUUID) Unwrap() error { return e.Err }

// ErrInvalidTimestamp indicates that a timestamp field could not be parsed.
type ErrInvalidTimestamp struct {
	Field string
	Err   error
}

func (e ErrInvalidTimestamp) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidTimestamp) Unwrap() error { return e.Err }
