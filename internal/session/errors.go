package session

import "errors"

// Connection lifecycle error types
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
	ErrOwnerMismatch      = errors.New("connection belongs to a different owner")
)
