package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrStoreUnavailable   = errors.New("operational store unavailable")
)
