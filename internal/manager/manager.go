// Package manager is the engine entry point: it wires the subscription
// index, the event router and the broadcaster together and owns the
// connection lifecycle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tickstream/internal/broadcast"
	"tickstream/internal/index"
	"tickstream/internal/metrics"
	"tickstream/internal/router"
	"tickstream/internal/session"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Transport pushes batches and can tear down a client's socket.
type Transport interface {
	broadcast.Transport
	CloseConnection(connectionID string) error
}

// Config holds the engine tunables.
type Config struct {
	Broadcast        broadcast.Config
	Cache            router.CacheConfig
	HeartbeatTimeout time.Duration
	PendingTimeout   time.Duration
	ReapInterval     time.Duration
	DrainTimeout     time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Broadcast:        broadcast.DefaultConfig(),
		Cache:            router.CacheConfig{TTL: 30 * time.Second, MaxEntries: 10000},
		HeartbeatTimeout: 90 * time.Second,
		PendingTimeout:   30 * time.Second,
		ReapInterval:     5 * time.Second,
		DrainTimeout:     5 * time.Second,
	}
}

// Manager coordinates registration, ingestion and connection teardown.
// ARCHITECTURAL DISCOVERY: Subscription mutations go straight to the index
// and ingestion goes straight through the router, so neither path ever waits
// on the other. The only background goroutine here is the reaper.
type Manager struct {
	cfg         Config
	index       *index.Index
	router      *router.Router
	broadcaster *broadcast.Broadcaster
	tracker     *session.Tracker
	transport   Transport
	logger      *zap.Logger
	metrics     *metrics.Metrics

	shutdownChannel chan struct{}
	done            chan struct{}

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

var (
	_ interfaces.Registrar = (*Manager)(nil)
	_ interfaces.EventSink = (*Manager)(nil)
)

// New builds the engine. recorder and m may be nil. A failure here is fatal
// to the caller.
func New(cfg Config, transport Transport, recorder interfaces.LifecycleRecorder, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mgr := &Manager{
		cfg:       cfg,
		index:     index.New(),
		tracker:   session.NewTracker(recorder, logger.Named("session")),
		transport: transport,
		logger:    logger,
		metrics:   m,
	}

	r, err := router.NewRouter(mgr.index, cfg.Cache, logger.Named("router"), m)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	mgr.router = r

	b, err := broadcast.New(cfg.Broadcast, transport, mgr.handleTransportFailure, logger.Named("broadcast"), m)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcaster: %w", err)
	}
	mgr.broadcaster = b

	m.SetConnectionSource(mgr.tracker.Counts)
	return mgr, nil
}

// Start launches the reaper loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrManagerAlreadyRunning
	}
	m.running = true
	m.shutdownChannel = make(chan struct{})
	m.done = make(chan struct{})

	m.logger.Info("starting event manager",
		zap.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout),
		zap.Duration("pending_timeout", m.cfg.PendingTimeout))
	go m.run(ctx, m.shutdownChannel, m.done)
	return nil
}

// Stop halts the reaper, drains every active connection and stops the
// broadcaster.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	close(m.shutdownChannel)
	done := m.done
	m.mu.Unlock()

	m.logger.Info("stopping event manager")
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, c := range m.tracker.List() {
		if err := m.Disconnect(ctx, c.ID); err != nil {
			m.logger.Debug("disconnect during stop failed", zap.String("connection_id", c.ID), zap.Error(err))
		}
	}
	return m.broadcaster.Stop(ctx)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reap()
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Connect opens a Pending connection. It is a no-op for a known connection.
func (m *Manager) Connect(connectionID, ownerID string) error {
	c, _, err := m.tracker.Open(connectionID, ownerID)
	if err != nil {
		return err
	}
	if c.State == types.StateDraining {
		return ErrConnectionClosing
	}
	return nil
}

// Register validates the filter and adds a subscription owned by
// connectionID, creating the connection in Pending state when needed.
func (m *Manager) Register(connectionID, ownerID string, filter types.Filter) (string, error) {
	if err := filter.Validate(); err != nil {
		return "", err
	}
	c, created, err := m.tracker.Open(connectionID, ownerID)
	if err != nil {
		return "", err
	}
	if c.State == types.StateDraining {
		return "", ErrConnectionClosing
	}

	sub := types.Subscription{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		OwnerID:      ownerID,
		Filter:       filter,
		CreatedAt:    time.Now(),
	}
	if err := m.index.Add(sub); err != nil {
		if created {
			_, _ = m.tracker.Transition(connectionID, types.StateClosed, "registration failed", types.StatePending)
		}
		return "", err
	}

	// FUNCTIONAL DISCOVERY: A teardown racing this call may already have
	// cascaded the connection's subscriptions; never leave one behind.
	if cur, ok := m.tracker.Get(connectionID); !ok || cur.State == types.StateDraining {
		m.index.Remove(sub.ID)
		return "", ErrConnectionClosing
	}

	m.logger.Debug("subscription registered",
		zap.String("subscription_id", sub.ID),
		zap.String("connection_id", connectionID),
		zap.Strings("attributes", filter.Attributes()))
	return sub.ID, nil
}

// Unregister removes a subscription. Unknown IDs are a no-op.
func (m *Manager) Unregister(subscriptionID string) bool {
	removed := m.index.Remove(subscriptionID)
	if removed {
		m.logger.Debug("subscription removed", zap.String("subscription_id", subscriptionID))
	}
	return removed
}

// Activate confirms the transport handshake and opens the outbox. An unknown
// connection is opened first; an active one is left as is.
func (m *Manager) Activate(connectionID string) error {
	c, _, err := m.tracker.Open(connectionID, "")
	if err != nil {
		return err
	}
	if c.State == types.StateActive {
		return nil
	}
	if _, err := m.tracker.Transition(connectionID, types.StateActive, "handshake", types.StatePending); err != nil {
		return err
	}
	if err := m.broadcaster.Open(connectionID); err != nil {
		m.closeNow(connectionID, "outbox unavailable", types.StateActive)
		return fmt.Errorf("failed to open outbox: %w", err)
	}
	m.logger.Info("connection active", zap.String("connection_id", connectionID))
	return nil
}

// Touch records a heartbeat from the connection.
func (m *Manager) Touch(connectionID string) {
	m.tracker.Touch(connectionID)
}

// Disconnect drains an active connection (one final flush) or discards a
// pending one. Subscriptions are removed before the connection is Closed.
// Unknown or already closing connections are a no-op.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	c, ok := m.tracker.Get(connectionID)
	if !ok {
		return nil
	}
	switch c.State {
	case types.StatePending:
		m.closeNow(connectionID, "disconnect", types.StatePending)
		return nil
	case types.StateActive:
	default:
		return nil
	}

	if _, err := m.tracker.Transition(connectionID, types.StateDraining, "disconnect", types.StateActive); err != nil {
		// another teardown got there first
		return nil
	}

	drainCtx := ctx
	if m.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, m.cfg.DrainTimeout)
		defer cancel()
	}
	if err := m.broadcaster.Drain(drainCtx, connectionID); err != nil && !errors.Is(err, broadcast.ErrOutboxNotFound) {
		m.logger.Debug("final flush failed", zap.String("connection_id", connectionID), zap.Error(err))
	}

	removed := m.index.RemoveByConnection(connectionID)
	if _, err := m.tracker.Transition(connectionID, types.StateClosed, "drained", types.StateDraining); err != nil {
		m.logger.Warn("connection left draining", zap.String("connection_id", connectionID), zap.Error(err))
	}
	m.closeTransport(connectionID)
	m.logger.Info("connection closed",
		zap.String("connection_id", connectionID),
		zap.String("reason", "disconnect"),
		zap.Int("subscriptions_removed", len(removed)))
	return nil
}

// closeNow tears a connection down without a final flush.
func (m *Manager) closeNow(connectionID, reason string, from types.ConnectionState) {
	c, ok := m.tracker.Get(connectionID)
	if !ok || c.State != from {
		return
	}
	m.broadcaster.Close(connectionID)
	removed := m.index.RemoveByConnection(connectionID)
	if _, err := m.tracker.Transition(connectionID, types.StateClosed, reason, from); err != nil {
		return
	}
	m.closeTransport(connectionID)
	m.logger.Info("connection closed",
		zap.String("connection_id", connectionID),
		zap.String("reason", reason),
		zap.Int("subscriptions_removed", len(removed)))
}

func (m *Manager) closeTransport(connectionID string) {
	if err := m.transport.CloseConnection(connectionID); err != nil && !errors.Is(err, interfaces.ErrConnectionNotFound) {
		m.logger.Debug("transport close failed", zap.String("connection_id", connectionID), zap.Error(err))
	}
}

// handleTransportFailure marks a connection dead after a failed send.
func (m *Manager) handleTransportFailure(connectionID string, err error) {
	m.logger.Warn("transport failure, closing connection", zap.String("connection_id", connectionID), zap.Error(err))
	m.closeNow(connectionID, "transport failure", types.StateActive)
}

// Reap closes active connections whose heartbeat expired and discards
// pending connections that never completed their handshake.
func (m *Manager) Reap() {
	stale, abandoned := m.tracker.Expired(m.cfg.HeartbeatTimeout, m.cfg.PendingTimeout)
	for _, id := range stale {
		m.closeNow(id, "heartbeat timeout", types.StateActive)
	}
	for _, id := range abandoned {
		m.closeNow(id, "handshake timeout", types.StatePending)
	}
}

// Ingest routes one event and enqueues its deliveries. It never waits on
// transport I/O. A panic while processing the event is contained to it.
func (m *Manager) Ingest(ctx context.Context, e *types.Event) (err error) {
	if !m.IsRunning() {
		return ErrManagerNotRunning
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event processing panicked", zap.Any("panic", r))
			err = ErrIngestPanic
		}
	}()

	m.metrics.IncIngested()
	deliveries, err := m.router.Route(e)
	if err != nil {
		return err
	}
	m.broadcaster.Enqueue(deliveries)
	return nil
}

// IngestRaw decodes an upstream message and ingests it. Malformed messages
// are logged, counted and dropped.
func (m *Manager) IngestRaw(ctx context.Context, data []byte) error {
	if !m.IsRunning() {
		return ErrManagerNotRunning
	}
	e, err := types.DecodeEvent(data, time.Now())
	if err != nil {
		m.metrics.IncIngested()
		m.metrics.IncMalformed()
		m.logger.Warn("dropping malformed event", zap.Error(err), zap.Int("bytes", len(data)))
		return err
	}
	return m.Ingest(ctx, e)
}

// Connection returns a connection record.
func (m *Manager) Connection(connectionID string) (types.Connection, bool) {
	return m.tracker.Get(connectionID)
}

// Connections lists every open connection.
func (m *Manager) Connections() []types.Connection {
	return m.tracker.List()
}

// Subscriptions lists a connection's subscriptions.
func (m *Manager) Subscriptions(connectionID string) []types.Subscription {
	return m.index.ByConnection(connectionID)
}

// Subscription returns one subscription.
func (m *Manager) Subscription(subscriptionID string) (types.Subscription, bool) {
	return m.index.Get(subscriptionID)
}

// Stats is a point-in-time view of the whole engine.
type Stats struct {
	Running     bool              `json:"running"`
	Connections map[string]int    `json:"connections"`
	Index       index.Stats       `json:"index"`
	Cache       router.CacheStats `json:"cache"`
	Outboxes    int               `json:"outboxes"`
	Metrics     metrics.Snapshot  `json:"metrics"`
}

// Stats collects engine statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Running:     m.IsRunning(),
		Connections: m.tracker.Counts(),
		Index:       m.index.Stats(),
		Cache:       m.router.CacheStats(),
		Outboxes:    m.broadcaster.Len(),
		Metrics:     m.metrics.Snapshot(),
	}
}
