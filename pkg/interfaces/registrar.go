package interfaces

import (
	"context"

	"tickstream/pkg/types"
)

// Registrar is the synchronous registration API offered to the web layer.
// ARCHITECTURAL DISCOVERY: The HTTP API and the WebSocket adapter depend on
// this interface only, so neither imports the engine packages directly.
type Registrar interface {
	// Register adds a subscription, creating the connection in Pending state
	// when it is not known yet. Invalid filters fail with InvalidFilterError.
	Register(connectionID, ownerID string, filter types.Filter) (string, error)

	// Unregister removes a subscription. Unknown IDs are a no-op.
	Unregister(subscriptionID string) bool

	// Connect opens a Pending connection for a transport that has just
	// attached. Connecting an existing connection is a no-op.
	Connect(connectionID, ownerID string) error

	// Activate confirms the transport handshake of a pending connection.
	Activate(connectionID string) error

	// Touch records a heartbeat.
	Touch(connectionID string)

	// Disconnect drains and closes a connection. Unknown IDs are a no-op.
	Disconnect(ctx context.Context, connectionID string) error
}

// EventSink accepts raw upstream messages.
type EventSink interface {
	IngestRaw(ctx context.Context, data []byte) error
}

// Connection is one live push channel to a client.
type Connection interface {
	// WriteJSON sends a JSON frame to the client (thread-safe).
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources.
	Close() error

	// ID returns the engine connection ID bound to this socket.
	ID() string

	IsClosed() bool
}
