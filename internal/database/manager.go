package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	dbconfig "tickstream/pkg/database"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Manager errors
var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrWriteQueueFull = errors.New("database write queue is full")
	ErrWriteTimeout   = errors.New("write operation timeout")
)

// Manager implements interfaces.DatabaseManager on top of the operational
// store.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// writeOperation is one queued write. result is nil for fire-and-forget
// writes.
type writeOperation struct {
	name      string
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the store, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	if err := dbconfig.NewMigrationManager(db, config.Driver).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	m.wg.Add(1)
	go m.writeLoop()

	logger.Info("operational store ready", zap.String("driver", config.Driver))
	return m, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)
		case <-m.shutdown:
			// FUNCTIONAL DISCOVERY: Queued audit records are still written on
			// shutdown so the final Closed transitions are not lost.
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					m.logger.Debug("database write loop shutting down")
					return
				}
			}
		}
	}
}

// run executes one write, retrying once after retryDelay.
func (m *Manager) run(op writeOperation) {
	err := op.operation(m.db)
	if err != nil {
		m.logger.Warn("database write failed, retrying", zap.String("operation", op.name), zap.Error(err))
		time.Sleep(m.retryDelay)
		if err = op.operation(m.db); err != nil {
			m.logger.Error("database write failed after retry", zap.String("operation", op.name), zap.Error(err))
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, name string, operation func(*sql.DB) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{name: name, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueWrite queues a write without waiting for it.
func (m *Manager) enqueueWrite(name string, operation func(*sql.DB) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}

	select {
	case m.writeChannel <- writeOperation{name: name, operation: operation}:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (m *Manager) rebind(query string) string {
	return dbconfig.Rebind(m.config.Driver, query)
}

// RecordTransition appends a lifecycle transition. It never blocks: the write
// is queued and a full queue drops the record.
func (m *Manager) RecordTransition(ctx context.Context, t types.ConnectionTransition) error {
	query := m.rebind(`
		INSERT INTO connection_transitions (connection_id, owner_id, from_state, to_state, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	return m.enqueueWrite("record_transition", func(db *sql.DB) error {
		_, err := db.Exec(query,
			t.ConnectionID,
			t.OwnerID,
			string(t.From),
			string(t.To),
			t.Reason,
			t.OccurredAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
		return nil
	})
}

// ListTransitions returns up to limit transitions of a connection, newest
// first.
func (m *Manager) ListTransitions(ctx context.Context, connectionID string, limit int) ([]types.ConnectionTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	rows, err := m.db.QueryContext(ctx, m.rebind(`
		SELECT connection_id, owner_id, from_state, to_state, reason, occurred_at
		FROM connection_transitions
		WHERE connection_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`), connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []types.ConnectionTransition
	for rows.Next() {
		var t types.ConnectionTransition
		var from, to string
		if err := rows.Scan(&t.ConnectionID, &t.OwnerID, &from, &to, &t.Reason, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.From = types.ConnectionState(from)
		t.To = types.ConnectionState(to)
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transition rows: %w", err)
	}
	return transitions, nil
}

// SaveSnapshot stores a metric snapshot and waits for the write.
func (m *Manager) SaveSnapshot(ctx context.Context, s types.MetricSnapshot) error {
	query := m.rebind(`
		INSERT INTO metric_snapshots (taken_at, events_ingested, events_malformed, events_routed,
			events_delivered, events_dropped, cache_hit_rate, active_connections, subscriptions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	return m.executeWrite(ctx, "save_snapshot", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query,
			s.TakenAt.UTC(),
			int64(s.EventsIngested),
			int64(s.EventsMalformed),
			int64(s.EventsRouted),
			int64(s.EventsDelivered),
			int64(s.EventsDropped),
			s.CacheHitRate,
			s.ActiveConnections,
			s.Subscriptions,
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		return nil
	})
}

// LatestSnapshot returns the most recent snapshot, or nil when none exists.
func (m *Manager) LatestSnapshot(ctx context.Context) (*types.MetricSnapshot, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT taken_at, events_ingested, events_malformed, events_routed,
			events_delivered, events_dropped, cache_hit_rate, active_connections, subscriptions
		FROM metric_snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT 1
	`)

	var s types.MetricSnapshot
	var ingested, malformed, routed, delivered, dropped int64
	err := row.Scan(&s.TakenAt, &ingested, &malformed, &routed, &delivered, &dropped,
		&s.CacheHitRate, &s.ActiveConnections, &s.Subscriptions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	s.EventsIngested = uint64(ingested)
	s.EventsMalformed = uint64(malformed)
	s.EventsRouted = uint64(routed)
	s.EventsDelivered = uint64(delivered)
	s.EventsDropped = uint64(dropped)
	return &s, nil
}

// Flush waits until every write queued before the call has run.
func (m *Manager) Flush(ctx context.Context) error {
	return m.executeWrite(ctx, "flush", func(*sql.DB) error { return nil })
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection pool.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains queued writes and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
