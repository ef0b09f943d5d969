package interfaces

import (
	"context"

	"tickstream/pkg/types"
)

// LifecycleRecorder receives connection state transitions for the audit trail.
// FUNCTIONAL DISCOVERY: Recording must never hold up a lifecycle change, so
// implementations queue and return immediately.
type LifecycleRecorder interface {
	RecordTransition(ctx context.Context, t types.ConnectionTransition) error
}

// DatabaseManager handles the operational store: connection lifecycle audit
// and metric snapshots. No business data is persisted.
type DatabaseManager interface {
	LifecycleRecorder

	// ListTransitions returns the most recent transitions of a connection,
	// newest first. An empty connection ID lists across all connections.
	ListTransitions(ctx context.Context, connectionID string, limit int) ([]types.ConnectionTransition, error)

	// SaveSnapshot persists one metric snapshot.
	SaveSnapshot(ctx context.Context, s types.MetricSnapshot) error

	// LatestSnapshot returns the most recent snapshot, or nil when none exists.
	LatestSnapshot(ctx context.Context) (*types.MetricSnapshot, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
