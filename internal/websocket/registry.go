package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// BatchFrame is the wire form of a delivery batch.
type BatchFrame struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connection_id"`
	Events       []*types.Event `json:"events"`
	WindowStart  string         `json:"window_start"`
	WindowEnd    string         `json:"window_end"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func newBatchFrame(batch *types.DeliveryBatch) BatchFrame {
	return BatchFrame{
		Type:         "batch",
		ConnectionID: batch.ConnectionID,
		Events:       batch.Events,
		WindowStart:  batch.WindowStart.UTC().Format(timestampLayout),
		WindowEnd:    batch.WindowEnd.UTC().Format(timestampLayout),
	}
}

// Registry maps engine connection IDs to live sockets and is the engine's
// transport.
// ARCHITECTURAL DISCOVERY: The registry never decides anything about
// subscriptions; it only resolves an ID to a socket and reports failures.
type Registry struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: lookups dominate, one per flushed batch
	connections map[string]*Connection
	logger      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// Register binds conn to its connection ID. A socket already bound to the
// same ID is closed asynchronously and replaced.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.ID() == "" {
		return ErrMissingConnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[conn.ID()]; ok && existing != conn {
		// FUNCTIONAL DISCOVERY: close outside the lock to avoid a deadlock
		// with the old socket's cleanup calling Unregister.
		go func() {
			if err := existing.Close(); err != nil {
				r.logger.Debug("failed to close replaced socket", zap.String("connection_id", existing.ID()), zap.Error(err))
			}
		}()
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes conn if it is still the socket bound to its ID and
// reports whether it did.
// RACE CONDITION FIX: an old socket's cleanup must not unbind its replacement.
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[conn.ID()]; !ok || registered != conn {
		return false
	}
	delete(r.connections, conn.ID())
	return true
}

// Get returns the socket bound to a connection ID.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

// Len returns the number of bound sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Send writes one batch frame. Any error marks the connection dead.
func (r *Registry) Send(ctx context.Context, batch *types.DeliveryBatch) error {
	if err := ctx.Err(); err != nil {
		return &types.TransportFailure{ConnectionID: batch.ConnectionID, Err: err}
	}
	conn, ok := r.Get(batch.ConnectionID)
	if !ok {
		return &types.TransportFailure{ConnectionID: batch.ConnectionID, Err: interfaces.ErrConnectionNotFound}
	}
	if err := conn.WriteJSON(newBatchFrame(batch)); err != nil {
		return &types.TransportFailure{ConnectionID: batch.ConnectionID, Err: err}
	}
	return nil
}

// CloseConnection unbinds and closes the socket for a connection ID.
func (r *Registry) CloseConnection(connectionID string) error {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if ok {
		delete(r.connections, connectionID)
	}
	r.mu.Unlock()

	if !ok {
		return interfaces.ErrConnectionNotFound
	}
	return conn.Close()
}

// CloseAll closes every bound socket.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for id, conn := range r.connections {
		conns = append(conns, conn)
		delete(r.connections, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
	}
}
