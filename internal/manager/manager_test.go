package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tickstream/internal/broadcast"
	"tickstream/internal/metrics"
	"tickstream/internal/router"
	"tickstream/pkg/types"
)

type fakeTransport struct {
	mu      sync.Mutex
	events  map[string][]string
	batches map[string]int
	closed  map[string]bool
	failFor map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(map[string][]string),
		batches: make(map[string]int),
		closed:  make(map[string]bool),
		failFor: make(map[string]bool),
	}
}

func (f *fakeTransport) Send(ctx context.Context, batch *types.DeliveryBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[batch.ConnectionID] {
		return errors.New("peer went away")
	}
	f.batches[batch.ConnectionID]++
	for _, e := range batch.Events {
		f.events[batch.ConnectionID] = append(f.events[batch.ConnectionID], e.ID)
	}
	return nil
}

func (f *fakeTransport) CloseConnection(connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connectionID] = true
	return nil
}

func (f *fakeTransport) received(conn string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events[conn]...)
}

func (f *fakeTransport) isClosed(conn string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[conn]
}

func (f *fakeTransport) fail(conn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[conn] = true
}

const window = 20 * time.Millisecond

func testConfig() Config {
	return Config{
		Broadcast: broadcast.Config{
			BatchWindow:  window,
			MaxBatchSize: 50,
			QueueSize:    256,
			SendTimeout:  time.Second,
		},
		Cache:            router.CacheConfig{TTL: time.Minute, MaxEntries: 1000},
		HeartbeatTimeout: time.Minute,
		PendingTimeout:   time.Minute,
		ReapInterval:     time.Hour,
		DrainTimeout:     time.Second,
	}
}

func newManager(t *testing.T, cfg Config) (*Manager, *fakeTransport, *metrics.Metrics) {
	t.Helper()
	tr := newFakeTransport()
	m := metrics.New()
	mgr, err := New(cfg, tr, nil, zaptest.NewLogger(t), m)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return mgr, tr, m
}

func mustFilter(t *testing.T, spec map[string]interface{}) types.Filter {
	t.Helper()
	f, err := types.ParseFilter(spec)
	require.NoError(t, err)
	return f
}

func subscribe(t *testing.T, mgr *Manager, conn string, spec map[string]interface{}) string {
	t.Helper()
	id, err := mgr.Register(conn, "", mustFilter(t, spec))
	require.NoError(t, err)
	return id
}

func ingest(t *testing.T, mgr *Manager, id string, attrs map[string]interface{}) {
	t.Helper()
	e, err := types.NewEvent("pattern", attrs, nil)
	require.NoError(t, err)
	e.ID = id
	require.NoError(t, mgr.Ingest(context.Background(), e))
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(testConfig(), nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilTransport)
}

func TestManager_StartStop(t *testing.T) {
	mgr, err := New(testConfig(), newFakeTransport(), nil, nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.Stop(context.Background()), ErrManagerNotRunning)
	require.NoError(t, mgr.Start(context.Background()))
	assert.True(t, mgr.IsRunning())
	assert.ErrorIs(t, mgr.Start(context.Background()), ErrManagerAlreadyRunning)
	require.NoError(t, mgr.Stop(context.Background()))
	assert.False(t, mgr.IsRunning())

	e, err := types.NewEvent("pattern", nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.Ingest(context.Background(), e), ErrManagerNotRunning)
}

func TestManager_DeliversMatchingEventOnce(t *testing.T) {
	mgr, tr, _ := newManager(t, testConfig())
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, mgr.Activate("A"))

	ingest(t, mgr, "e1", map[string]interface{}{"symbol": "AAPL"})
	ingest(t, mgr, "e2", map[string]interface{}{"symbol": "TSLA"})

	assert.Eventually(t, func() bool { return len(tr.received("A")) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * window)
	assert.Equal(t, []string{"e1"}, tr.received("A"))
}

func TestManager_SymbolScenario(t *testing.T) {
	mgr, tr, _ := newManager(t, testConfig())
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL", "min_confidence": 0.7})
	subscribe(t, mgr, "B", map[string]interface{}{"symbol": "MSFT"})
	require.NoError(t, mgr.Activate("A"))
	require.NoError(t, mgr.Activate("B"))

	ingest(t, mgr, "high", map[string]interface{}{"symbol": "AAPL", "confidence": 0.8})
	ingest(t, mgr, "low", map[string]interface{}{"symbol": "AAPL", "confidence": 0.6})

	assert.Eventually(t, func() bool { return len(tr.received("A")) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * window)
	assert.Equal(t, []string{"high"}, tr.received("A"))
	assert.Empty(t, tr.received("B"))
}

func TestManager_TwoSubscriptionsOneDelivery(t *testing.T) {
	mgr, tr, _ := newManager(t, testConfig())
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	subscribe(t, mgr, "A", map[string]interface{}{"tier": "daily"})
	require.NoError(t, mgr.Activate("A"))

	ingest(t, mgr, "e1", map[string]interface{}{"symbol": "AAPL", "tier": "daily"})

	assert.Eventually(t, func() bool { return len(tr.received("A")) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * window)
	assert.Equal(t, []string{"e1"}, tr.received("A"))
}

func TestManager_UnregisterIsIdempotent(t *testing.T) {
	mgr, tr, _ := newManager(t, testConfig())
	id := subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, mgr.Activate("A"))

	assert.True(t, mgr.Unregister(id))
	assert.False(t, mgr.Unregister(id))
	assert.False(t, mgr.Unregister("does-not-exist"))

	ingest(t, mgr, "e1", map[string]interface{}{"symbol": "AAPL"})
	time.Sleep(3 * window)
	assert.Empty(t, tr.received("A"))
}

func TestManager_SubscriptionVisibleToNextEvent(t *testing.T) {
	mgr, tr, _ := newManager(t, testConfig())
	require.NoError(t, mgr.Activate("A"))

	ingest(t, mgr, "before", map[string]interface{}{"symbol": "AAPL"})
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	ingest(t, mgr, "after", map[string]interface{}{"symbol": "AAPL"})

	assert.Eventually(t, func() bool { return len(tr.received("A")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after"}, tr.received("A"))
}

func TestManager_DisconnectFlushesThenStops(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcast.BatchWindow = time.Hour
	mgr, tr, _ := newManager(t, cfg)
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, mgr.Activate("A"))

	ingest(t, mgr, "pending", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, mgr.Disconnect(context.Background(), "A"))

	assert.Equal(t, []string{"pending"}, tr.received("A"))
	assert.True(t, tr.isClosed("A"))
	assert.Empty(t, mgr.Subscriptions("A"))
	_, ok := mgr.Connection("A")
	assert.False(t, ok)

	ingest(t, mgr, "late", map[string]interface{}{"symbol": "AAPL"})
	time.Sleep(3 * window)
	assert.Equal(t, []string{"pending"}, tr.received("A"))

	// Disconnecting again is a no-op.
	require.NoError(t, mgr.Disconnect(context.Background(), "A"))
}

func TestManager_DisconnectPending(t *testing.T) {
	mgr, tr, _ := newManager(t, testConfig())
	subscribe(t, mgr, "P", map[string]interface{}{})

	require.NoError(t, mgr.Disconnect(context.Background(), "P"))
	assert.Empty(t, mgr.Subscriptions("P"))
	assert.True(t, tr.isClosed("P"))
}

func TestManager_PendingConnectionsReceiveNothing(t *testing.T) {
	mgr, tr, m := newManager(t, testConfig())
	subscribe(t, mgr, "P", map[string]interface{}{"symbol": "AAPL"})

	ingest(t, mgr, "e1", map[string]interface{}{"symbol": "AAPL"})
	time.Sleep(3 * window)
	assert.Empty(t, tr.received("P"))
	assert.Equal(t, uint64(1), m.Snapshot().Dropped[metrics.DropClosed])
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	mgr, tr, _ := newManager(t, cfg)
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, mgr.Activate("A"))

	time.Sleep(60 * time.Millisecond)
	mgr.Reap()

	_, ok := mgr.Connection("A")
	assert.False(t, ok)
	assert.Empty(t, mgr.Subscriptions("A"))
	assert.True(t, tr.isClosed("A"))
}

func TestManager_TouchKeepsConnectionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	mgr, _, _ := newManager(t, cfg)
	require.NoError(t, mgr.Activate("A"))

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		mgr.Touch("A")
		mgr.Reap()
	}
	c, ok := mgr.Connection("A")
	require.True(t, ok)
	assert.Equal(t, types.StateActive, c.State)
}

func TestManager_PendingTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PendingTimeout = 20 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	mgr, _, _ := newManager(t, cfg)
	subscribe(t, mgr, "P", map[string]interface{}{})

	assert.Eventually(t, func() bool {
		_, ok := mgr.Connection("P")
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, mgr.Subscriptions("P"))
}

func TestManager_TransportFailureClosesConnection(t *testing.T) {
	mgr, tr, m := newManager(t, testConfig())
	subscribe(t, mgr, "A", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, mgr.Activate("A"))
	tr.fail("A")

	ingest(t, mgr, "e1", map[string]interface{}{"symbol": "AAPL"})

	assert.Eventually(t, func() bool {
		_, ok := mgr.Connection("A")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, mgr.Subscriptions("A"))
	assert.Equal(t, uint64(1), m.Snapshot().TransportFailures)
}

func TestManager_IngestRawMalformed(t *testing.T) {
	mgr, _, m := newManager(t, testConfig())

	err := mgr.IngestRaw(context.Background(), []byte(`{"event_type":"pattern","payload":{}}`))
	assert.ErrorIs(t, err, types.ErrMalformedEvent)
	err = mgr.IngestRaw(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, types.ErrMalformedEvent)

	require.NoError(t, mgr.IngestRaw(context.Background(), []byte(`{"event_type":"pattern","attributes":{"symbol":"AAPL"},"payload":{}}`)))

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.EventsIngested)
	assert.Equal(t, uint64(2), snap.EventsMalformed)
}

func TestManager_ActivateIsIdempotent(t *testing.T) {
	mgr, _, _ := newManager(t, testConfig())
	require.NoError(t, mgr.Connect("A", "alice"))
	require.NoError(t, mgr.Activate("A"))
	require.NoError(t, mgr.Activate("A"))

	stats := mgr.Stats()
	assert.Equal(t, 1, stats.Connections["active"])
	assert.Equal(t, 1, stats.Outboxes)
}

func TestManager_RegisterRejectsBadConnectionID(t *testing.T) {
	mgr, _, _ := newManager(t, testConfig())
	_, err := mgr.Register("not valid", "", types.Filter{})
	assert.ErrorIs(t, err, types.ErrInvalidConnectionID)
	assert.Empty(t, mgr.Connections())
}

func TestManager_StopDrainsConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcast.BatchWindow = time.Hour
	tr := newFakeTransport()
	mgr, err := New(cfg, tr, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))

	_, err = mgr.Register("A", "", mustFilter(t, map[string]interface{}{}))
	require.NoError(t, err)
	require.NoError(t, mgr.Activate("A"))
	ingest(t, mgr, "e1", map[string]interface{}{})

	require.NoError(t, mgr.Stop(context.Background()))
	assert.Equal(t, []string{"e1"}, tr.received("A"))
	assert.Empty(t, mgr.Connections())
}
