package manager

import "errors"

// Manager-specific error types
var (
	ErrManagerAlreadyRunning = errors.New("manager is already running")
	ErrManagerNotRunning     = errors.New("manager is not running")
	ErrConnectionClosing     = errors.New("connection is closing")
	ErrIngestPanic           = errors.New("event processing panicked")
	ErrNilTransport          = errors.New("manager requires a transport")
)
