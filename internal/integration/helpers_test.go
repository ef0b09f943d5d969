package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tickstream/internal/api"
	"tickstream/internal/broadcast"
	"tickstream/internal/database"
	"tickstream/internal/manager"
	"tickstream/internal/metrics"
	"tickstream/internal/router"
	ws "tickstream/internal/websocket"
	dbconfig "tickstream/pkg/database"
)

// stack is a full node behind an httptest server.
type stack struct {
	server   *httptest.Server
	engine   *manager.Manager
	store    *database.Manager
	registry *ws.Registry
	metrics  *metrics.Metrics
}

func startStack(t *testing.T) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DSN = filepath.Join(t.TempDir(), "integration.db")
	store, err := database.NewManager(dbCfg, logger.Named("database"))
	require.NoError(t, err)

	m := metrics.New()
	registry := ws.NewRegistry(logger.Named("websocket"))

	cfg := manager.Config{
		Broadcast: broadcast.Config{
			BatchWindow:  20 * time.Millisecond,
			MaxBatchSize: 50,
			QueueSize:    256,
			FlushRate:    100,
			FlushBurst:   10,
			SendTimeout:  time.Second,
		},
		Cache:            router.CacheConfig{TTL: time.Minute, MaxEntries: 1000},
		HeartbeatTimeout: time.Minute,
		PendingTimeout:   time.Minute,
		ReapInterval:     time.Hour,
		DrainTimeout:     time.Second,
	}
	engine, err := manager.New(cfg, registry, store, logger.Named("manager"), m)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))

	handler := ws.NewHandler(registry, engine, ws.DefaultConfig(), logger.Named("websocket"))
	apiServer := api.NewServer(engine, store, m.Handler(), http.HandlerFunc(handler.HandleWebSocket), logger.Named("api"))

	s := &stack{
		server:   httptest.NewServer(apiServer),
		engine:   engine,
		store:    store,
		registry: registry,
		metrics:  m,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
		registry.CloseAll()
		s.server.Close()
		_ = store.Close()
	})
	return s
}

// frame is any server frame; batch fields are only set for batches.
type frame struct {
	Type           string            `json:"type"`
	Action         string            `json:"action"`
	RequestID      string            `json:"request_id"`
	ConnectionID   string            `json:"connection_id"`
	SubscriptionID string            `json:"subscription_id"`
	Error          string            `json:"error"`
	Attribute      string            `json:"attribute"`
	Events         []json.RawMessage `json:"events"`
	WindowStart    string            `json:"window_start"`
	WindowEnd      string            `json:"window_end"`
}

// eventIDs returns the event_id of every event in a batch frame.
func (f frame) eventIDs(t *testing.T) []string {
	t.Helper()
	ids := make([]string, 0, len(f.Events))
	for _, raw := range f.Events {
		var e struct {
			ID string `json:"event_id"`
		}
		require.NoError(t, json.Unmarshal(raw, &e))
		ids = append(ids, e.ID)
	}
	return ids
}

// TestClient is a dashboard client speaking the WebSocket protocol.
type TestClient struct {
	ConnectionID string

	conn   *websocket.Conn
	frames chan frame
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// dial connects a client with the given connection ID.
func dial(t *testing.T, s *stack, connectionID string) *TestClient {
	t.Helper()
	u, err := url.Parse(s.server.URL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"connection_id": {connectionID}, "owner_id": {"integration"}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	c := &TestClient{
		ConnectionID: connectionID,
		conn:         conn,
		frames:       make(chan frame, 100),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.Close)

	welcome := c.expect(t, "welcome")
	require.Equal(t, connectionID, welcome.ConnectionID)
	return c
}

func (c *TestClient) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			close(c.frames)
			return
		}
		c.frames <- f
	}
}

// Send writes one client frame.
func (c *TestClient) Send(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(v))
}

// expect waits for the next frame of the given type, skipping pongs.
func (c *TestClient) expect(t *testing.T, frameType string) frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection %s closed while waiting for %q", c.ConnectionID, frameType)
			}
			if f.Type == frameType {
				return f
			}
			if f.Type != "pong" {
				t.Fatalf("expected %q frame, got %+v", frameType, f)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q frame on %s", frameType, c.ConnectionID)
		}
	}
}

// batches collects batch frames until quiet passes without one.
func (c *TestClient) batches(quiet time.Duration) []frame {
	var out []frame
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return out
			}
			if f.Type == "batch" {
				out = append(out, f)
			}
		case <-time.After(quiet):
			return out
		}
	}
}

// waitClosed waits for the server to close the socket.
func (c *TestClient) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s was not closed by the server", c.ConnectionID)
	}
}

// Close closes the client side.
func (c *TestClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// publish ingests one upstream message the way the Redis source does.
func publish(t *testing.T, s *stack, id string, attrs map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event_id":   id,
		"event_type": "pattern",
		"attributes": attrs,
		"payload":    map[string]interface{}{"note": fmt.Sprintf("event %s", id)},
	})
	require.NoError(t, err)
	require.NoError(t, s.engine.IngestRaw(context.Background(), body))
}
