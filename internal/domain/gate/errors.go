package gate

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; concrete failures wrap these.
var (
	// ErrConfigurationMissing indicates no targets (or required settings) are configured.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrConnectionFailed indicates a transport could not open or use its connection.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrOperationTimeout indicates a per-adapter or overall budget expired.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrInvalidResponse indicates the device sent a payload outside the protocol.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrAllAdaptersFailed indicates every target in the list was attempted and failed.
	ErrAllAdaptersFailed = errors.New("all adapters failed")

	// ErrReachabilityUnknown indicates resolution or probing failed. It is folded
	// into "unreachable" and never returned to probe callers.
	ErrReachabilityUnknown = errors.New("reachability unknown")

	// ErrBusy indicates a trigger is already in flight.
	ErrBusy = errors.New("trigger already in flight")
)

// AttemptError records why the attempt against a single target failed.
type AttemptError struct {
	Target Target
	Err    error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("target %s: %v", e.Target, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }
