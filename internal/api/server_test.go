package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/manager"
	"tickstream/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockEngine struct {
	mu           sync.Mutex
	registered   map[string]types.Filter
	unregistered []string
	disconnected []string
	registerErr  error
	running      bool
}

func newMockEngine() *mockEngine {
	return &mockEngine{registered: make(map[string]types.Filter), running: true}
}

func (m *mockEngine) Register(connectionID, ownerID string, filter types.Filter) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return "", m.registerErr
	}
	m.registered["sub-1"] = filter
	return "sub-1", nil
}

func (m *mockEngine) Unregister(subscriptionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, subscriptionID)
	return false
}

func (m *mockEngine) Connect(connectionID, ownerID string) error { return nil }
func (m *mockEngine) Activate(connectionID string) error         { return nil }
func (m *mockEngine) Touch(connectionID string)                  {}

func (m *mockEngine) Disconnect(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, connectionID)
	return nil
}

func (m *mockEngine) Connections() []types.Connection {
	return []types.Connection{{ID: "dash-1", State: types.StateActive}}
}

func (m *mockEngine) Subscriptions(connectionID string) []types.Subscription {
	return []types.Subscription{{ID: "sub-1", ConnectionID: connectionID}}
}

func (m *mockEngine) Stats() manager.Stats {
	return manager.Stats{Running: m.running, Connections: map[string]int{"active": 1}}
}

type mockDatabaseManager struct {
	healthErr   error
	transitions []types.ConnectionTransition
	snapshot    *types.MetricSnapshot
}

func (m *mockDatabaseManager) RecordTransition(ctx context.Context, t types.ConnectionTransition) error {
	return nil
}

func (m *mockDatabaseManager) ListTransitions(ctx context.Context, connectionID string, limit int) ([]types.ConnectionTransition, error) {
	if len(m.transitions) > limit {
		return m.transitions[:limit], nil
	}
	return m.transitions, nil
}

func (m *mockDatabaseManager) SaveSnapshot(ctx context.Context, s types.MetricSnapshot) error {
	return nil
}

func (m *mockDatabaseManager) LatestSnapshot(ctx context.Context) (*types.MetricSnapshot, error) {
	return m.snapshot, nil
}

func (m *mockDatabaseManager) HealthCheck(ctx context.Context) error { return m.healthErr }
func (m *mockDatabaseManager) Close() error                          { return nil }

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestServer_CreateSubscription(t *testing.T) {
	engine := newMockEngine()
	s := NewServer(engine, nil, nil, nil, nil)

	w := do(t, s, http.MethodPost, "/api/subscriptions",
		`{"connection_id":"dash-1","filter":{"symbol":["aapl","msft"],"min_confidence":0.7}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CreateSubscriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sub-1", resp.SubscriptionID)
	assert.Equal(t, "dash-1", resp.ConnectionID)

	filter := engine.registered["sub-1"]
	assert.ElementsMatch(t, []string{"confidence", "symbol"}, filter.Attributes())
}

func TestServer_CreateSubscriptionErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		engineErr  error
		wantStatus int
		wantError  string
		wantAttr   string
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest, "invalid_json", ""},
		{"invalid connection id", `{"connection_id":"has space","filter":{}}`, nil, http.StatusBadRequest, "invalid_connection_id", ""},
		{"unknown attribute", `{"connection_id":"c1","filter":{"colour":"red"}}`, nil, http.StatusBadRequest, "invalid_filter", "colour"},
		{"bad tier", `{"connection_id":"c1","filter":{"tier":"weekly"}}`, nil, http.StatusBadRequest, "invalid_filter", "tier"},
		{"closing connection", `{"connection_id":"c1","filter":{}}`, manager.ErrConnectionClosing, http.StatusConflict, "connection_closing", ""},
		{"engine failure", `{"connection_id":"c1","filter":{}}`, errors.New("boom"), http.StatusInternalServerError, "register_failed", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.registerErr = tt.engineErr
			s := NewServer(engine, nil, nil, nil, nil)

			w := do(t, s, http.MethodPost, "/api/subscriptions", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, tt.wantAttr, resp.Attribute)
			assert.Equal(t, tt.wantStatus, resp.Code)
		})
	}
}

func TestServer_DeleteIsIdempotent(t *testing.T) {
	engine := newMockEngine()
	s := NewServer(engine, nil, nil, nil, nil)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/subscriptions/sub-9", "").Code)
		assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/connections/dash-1", "").Code)
	}
	assert.Equal(t, []string{"sub-9", "sub-9"}, engine.unregistered)
	assert.Equal(t, []string{"dash-1", "dash-1"}, engine.disconnected)
}

func TestServer_ListConnections(t *testing.T) {
	s := NewServer(newMockEngine(), nil, nil, nil, nil)

	w := do(t, s, http.MethodGet, "/api/connections", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Connections []struct {
			ID            string `json:"connection_id"`
			State         string `json:"state"`
			Subscriptions int    `json:"subscriptions"`
		} `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Connections, 1)
	assert.Equal(t, "dash-1", resp.Connections[0].ID)
	assert.Equal(t, "active", resp.Connections[0].State)
	assert.Equal(t, 1, resp.Connections[0].Subscriptions)
}

func TestServer_Stats(t *testing.T) {
	s := NewServer(newMockEngine(), nil, nil, nil, nil)

	w := do(t, s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats manager.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Connections["active"])
}

func TestServer_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db         *mockDatabaseManager
		running    bool
		wantStatus int
		wantDB     string
	}{
		{"no store", nil, true, http.StatusOK, "disabled"},
		{"healthy store", &mockDatabaseManager{}, true, http.StatusOK, "healthy"},
		{"broken store", &mockDatabaseManager{healthErr: errors.New("disk gone")}, true, http.StatusServiceUnavailable, "error: disk gone"},
		{"engine stopped", nil, false, http.StatusServiceUnavailable, "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.running = tt.running
			var s *Server
			if tt.db != nil {
				s = NewServer(engine, tt.db, nil, nil, nil)
			} else {
				s = NewServer(engine, nil, nil, nil, nil)
			}

			w := do(t, s, http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantDB, resp.Database)
		})
	}
}

func TestServer_StoreRoutes(t *testing.T) {
	now := time.Now().UTC()
	db := &mockDatabaseManager{
		transitions: []types.ConnectionTransition{
			{ConnectionID: "c1", From: types.StatePending, To: types.StateActive, OccurredAt: now},
			{ConnectionID: "c1", From: types.StateActive, To: types.StateDraining, OccurredAt: now},
		},
		snapshot: &types.MetricSnapshot{TakenAt: now, EventsIngested: 42},
	}
	s := NewServer(newMockEngine(), db, nil, nil, nil)

	w := do(t, s, http.MethodGet, "/api/connections/c1/transitions?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Transitions []types.ConnectionTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Transitions, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/connections/c1/transitions?limit=x", "").Code)

	w = do(t, s, http.MethodGet, "/api/snapshots/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap types.MetricSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(42), snap.EventsIngested)

	// Without a store both routes report it.
	s = NewServer(newMockEngine(), nil, nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/snapshots/latest", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/connections/c1/transitions", "").Code)
}

func TestServer_MountsHandlers(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tickstream_events_ingested_total 0\n"))
	})
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	s := NewServer(newMockEngine(), nil, metricsHandler, wsHandler, nil)

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tickstream_events_ingested_total")
	assert.Equal(t, http.StatusTeapot, do(t, s, http.MethodGet, "/ws", "").Code)

	s = NewServer(newMockEngine(), nil, nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", "").Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := NewServer(newMockEngine(), nil, nil, nil, nil)

	w := do(t, s, http.MethodOptions, "/api/subscriptions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
