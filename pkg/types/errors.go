package types

import (
	"errors"
	"fmt"
)

// ARCHITECTURAL DISCOVERY: Every typed error unwraps to a sentinel so callers
// can branch with errors.Is and still reach the details with errors.As.
var (
	ErrInvalidFilter       = errors.New("invalid filter")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrTransportFailure    = errors.New("transport failure")
	ErrInvalidConnectionID = errors.New("connection ID must be 1-128 characters: letters, digits, '_', '-', '.', ':'")
)

// InvalidFilterError is returned when a filter names an unknown attribute or
// carries an out-of-range value. Nothing is inserted when it is returned.
type InvalidFilterError struct {
	Attribute string
	Reason    string
}

func (e *InvalidFilterError) Error() string {
	if e.Attribute == "" {
		return "invalid filter: " + e.Reason
	}
	return fmt.Sprintf("invalid filter on %q: %s", e.Attribute, e.Reason)
}

func (e *InvalidFilterError) Unwrap() error { return ErrInvalidFilter }

// MalformedEventError is returned for upstream events missing required fields
// or carrying attributes of the wrong type.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return ErrMalformedEvent }

// TransportFailure reports that pushing a batch to a connection failed. The
// connection is treated as dead and is never retried.
type TransportFailure struct {
	ConnectionID string
	Err          error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport failure on connection %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransportFailure}
	}
	return []error{ErrTransportFailure, e.Err}
}
