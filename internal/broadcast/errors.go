package broadcast

import "errors"

var (
	ErrBroadcasterStopped = errors.New("broadcaster is stopped")
	ErrOutboxExists       = errors.New("connection already has an outbox")
	ErrOutboxNotFound     = errors.New("connection has no outbox")
	ErrNilTransport       = errors.New("broadcaster requires a transport")
)
