package source

import "errors"

// Source errors
var (
	ErrNoChannels     = errors.New("at least one channel is required")
	ErrNilSink        = errors.New("event sink cannot be nil")
	ErrAlreadyStarted = errors.New("source already started")
)
