// Package app wires every component into one runnable node.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"tickstream/internal/api"
	"tickstream/internal/config"
	"tickstream/internal/database"
	"tickstream/internal/logging"
	"tickstream/internal/manager"
	"tickstream/internal/metrics"
	"tickstream/internal/source"
	"tickstream/internal/websocket"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	dbManager  *database.Manager // nil when the store is disabled
	registry   *websocket.Registry
	engine     *manager.Manager
	source     *source.Source // nil when the redis source is disabled
	apiServer  *api.Server
	httpServer *http.Server

	snapshotStop chan struct{}
	snapshotDone chan struct{}
	stopOnce     sync.Once
}

// NewApplication creates a new application instance with all components initialized.
// Component initialization follows strict dependency order:
// Logger → Metrics → Store → Registry → Manager → Handler → Source → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Logger
	logger, err := logging.New(*cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return newApplication(cfg, logger)
}

// newApplication builds the components around an existing logger.
func newApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	// STEP 2: Metrics
	app.metrics = metrics.New()

	// STEP 3: Operational store (optional). It records lifecycle transitions
	// for the manager and backs the snapshot loop.
	var recorder interfaces.LifecycleRecorder
	var store interfaces.DatabaseManager
	if cfg.Database.Enabled {
		dbManager, err := database.NewManager(cfg.Database.Store(), logger.Named("database"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		app.dbManager = dbManager
		recorder = dbManager
		store = dbManager
	}

	// STEP 4: WebSocket registry; it is the manager's transport
	app.registry = websocket.NewRegistry(logger.Named("websocket"))

	// STEP 5: Engine
	engine, err := manager.New(cfg.Engine.Manager(), app.registry, recorder, logger.Named("manager"), app.metrics)
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	app.engine = engine

	// STEP 6: WebSocket handler
	wsHandler := websocket.NewHandler(app.registry, engine, cfg.WebSocket.Connection(), logger.Named("websocket"))

	// STEP 7: Upstream source (optional)
	if cfg.Redis.Enabled {
		src, err := source.New(cfg.Redis.Source(), engine, logger.Named("source"))
		if err != nil {
			app.closeStore()
			return nil, fmt.Errorf("failed to create source: %w", err)
		}
		app.source = src
	}

	// STEP 8: API server with WebSocket and metrics endpoints mounted
	app.apiServer = api.NewServer(engine, store, app.metrics.Handler(), http.HandlerFunc(wsHandler.HandleWebSocket), logger.Named("api"))

	// STEP 9: HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// Start begins application execution.
// Startup coordination ensures all components ready before serving:
// the engine first, then the source feeding it, then the HTTP listener.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting tickstream", zap.String("addr", app.httpServer.Addr))

	// STEP 1: Engine (reaper loop)
	if err := app.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	// STEP 2: Snapshot loop
	app.startSnapshots()

	// STEP 3: Upstream source
	if app.source != nil {
		if err := app.source.Start(ctx); err != nil {
			app.shutdownEngine(ctx)
			return fmt.Errorf("failed to start source: %w", err)
		}
	}

	// STEP 4: HTTP server (accepts connections)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		app.shutdownEngine(ctx)
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("tickstream started")
		return nil
	case <-ctx.Done():
		app.shutdownEngine(ctx)
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application.
// Reverse dependency order: HTTP → Source → Engine → Snapshots → Store
func (app *Application) Stop(ctx context.Context) error {
	var stopErr error
	app.stopOnce.Do(func() {
		app.logger.Info("shutting down tickstream")

		// STEP 1: Stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.Warn("HTTP server shutdown error", zap.Error(err))
			stopErr = fmt.Errorf("http shutdown: %w", err)
		}

		// STEP 2: Stop the upstream feed
		if app.source != nil {
			if err := app.source.Stop(ctx); err != nil {
				app.logger.Warn("source shutdown error", zap.Error(err))
			}
			st := app.source.Stats()
			app.logger.Info("upstream totals",
				zap.Uint64("received", st.Received),
				zap.Uint64("forwarded", st.Forwarded),
				zap.Uint64("failed", st.Failed))
		}

		// STEP 3: Drain connections and stop the engine, then the sockets
		app.shutdownEngine(ctx)
		app.registry.CloseAll()

		// STEP 4: Close the store; queued audit writes are flushed first
		app.closeStore()

		app.logger.Info("tickstream shutdown complete")
		_ = app.logger.Sync()
	})
	return stopErr
}

// shutdownEngine stops the manager and the snapshot loop, writing one final
// snapshot.
func (app *Application) shutdownEngine(ctx context.Context) {
	if err := app.engine.Stop(ctx); err != nil && !errors.Is(err, manager.ErrManagerNotRunning) {
		app.logger.Warn("manager shutdown error", zap.Error(err))
	}
	app.stopSnapshots()
}

func (app *Application) closeStore() {
	if app.dbManager == nil {
		return
	}
	if err := app.dbManager.Close(); err != nil {
		app.logger.Warn("database shutdown error", zap.Error(err))
	}
}

// startSnapshots launches the periodic metric snapshot writer when the store
// is enabled.
func (app *Application) startSnapshots() {
	interval := app.config.Database.SnapshotInterval
	if app.dbManager == nil || interval <= 0 || app.snapshotStop != nil {
		return
	}
	app.snapshotStop = make(chan struct{})
	app.snapshotDone = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.saveSnapshot()
			case <-stop:
				app.saveSnapshot()
				return
			}
		}
	}(app.snapshotStop, app.snapshotDone)
}

func (app *Application) stopSnapshots() {
	if app.snapshotStop == nil {
		return
	}
	close(app.snapshotStop)
	<-app.snapshotDone
	app.snapshotStop = nil
}

func (app *Application) saveSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.dbManager.SaveSnapshot(ctx, snapshotOf(app.engine.Stats(), time.Now())); err != nil {
		app.logger.Warn("failed to save metric snapshot", zap.Error(err))
	}
}

// snapshotOf flattens engine statistics into a stored snapshot.
func snapshotOf(s manager.Stats, now time.Time) types.MetricSnapshot {
	return types.MetricSnapshot{
		TakenAt:           now.UTC(),
		EventsIngested:    s.Metrics.EventsIngested,
		EventsMalformed:   s.Metrics.EventsMalformed,
		EventsRouted:      s.Metrics.EventsRouted,
		EventsDelivered:   s.Metrics.EventsDelivered,
		EventsDropped:     s.Metrics.DroppedTotal,
		CacheHitRate:      s.Metrics.CacheHitRate,
		ActiveConnections: s.Connections[string(types.StateActive)],
		Subscriptions:     s.Index.Subscriptions,
	}
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Engine returns the running manager.
func (app *Application) Engine() *manager.Manager {
	return app.engine
}

// Logger returns the application logger.
func (app *Application) Logger() *zap.Logger {
	return app.logger
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
