package interfaces_test

import (
	"context"
	"testing"

	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Mock implementations for testing

type mockConnection struct{ closed bool }

func (m *mockConnection) WriteJSON(v interface{}) error { return nil }
func (m *mockConnection) Close() error                  { m.closed = true; return nil }
func (m *mockConnection) ID() string                    { return "c1" }
func (m *mockConnection) IsClosed() bool                { return m.closed }

type mockRegistrar struct{}

func (m *mockRegistrar) Register(connectionID, ownerID string, filter types.Filter) (string, error) {
	return "s1", nil
}
func (m *mockRegistrar) Unregister(subscriptionID string) bool                     { return false }
func (m *mockRegistrar) Connect(connectionID, ownerID string) error                { return nil }
func (m *mockRegistrar) Activate(connectionID string) error                        { return nil }
func (m *mockRegistrar) Touch(connectionID string)                                 {}
func (m *mockRegistrar) Disconnect(ctx context.Context, connectionID string) error { return nil }

type mockSink struct{ received int }

func (m *mockSink) IngestRaw(ctx context.Context, data []byte) error {
	m.received++
	return nil
}

type mockDatabase struct{}

func (m *mockDatabase) RecordTransition(ctx context.Context, t types.ConnectionTransition) error {
	return nil
}
func (m *mockDatabase) ListTransitions(ctx context.Context, connectionID string, limit int) ([]types.ConnectionTransition, error) {
	return nil, nil
}
func (m *mockDatabase) SaveSnapshot(ctx context.Context, s types.MetricSnapshot) error { return nil }
func (m *mockDatabase) LatestSnapshot(ctx context.Context) (*types.MetricSnapshot, error) {
	return nil, nil
}
func (m *mockDatabase) HealthCheck(ctx context.Context) error { return nil }
func (m *mockDatabase) Close() error                          { return nil }

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = (*mockConnection)(nil)
	var _ interfaces.Registrar = (*mockRegistrar)(nil)
	var _ interfaces.EventSink = (*mockSink)(nil)
	var _ interfaces.DatabaseManager = (*mockDatabase)(nil)
	var _ interfaces.LifecycleRecorder = (*mockDatabase)(nil)
}

func TestInterfaces_MockBehavior(t *testing.T) {
	conn := &mockConnection{}
	if err := conn.Close(); err != nil || !conn.IsClosed() {
		t.Errorf("Close() should mark the connection closed")
	}

	sink := &mockSink{}
	var s interfaces.EventSink = sink
	if err := s.IngestRaw(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("IngestRaw() error = %v", err)
	}
	if sink.received != 1 {
		t.Errorf("received = %d, want 1", sink.received)
	}
}
