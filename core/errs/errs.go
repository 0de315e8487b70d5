// Package errs holds the error kinds shared by every stage of a conversation.
//
// Collaborators translate provider specific failures into one of these at
// their boundary, so the orchestration code never has to look at provider
// error shapes.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is a network or provider failure. A call session that sees
// one moves to its terminal state.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// ConfigError is a missing or invalid setting found while constructing a
// component. It is fatal and never retried.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// ErrMissing is wrapped by ConfigError when a required value is absent.
var ErrMissing = errors.New("missing value")

// ProcessingError wraps a failure while handling one pipeline item. The item
// is dropped and the stage carries on.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: processing failed: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsCancellation reports whether err is the expected outcome of cooperative
// cancellation rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

func IsConfig(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}
