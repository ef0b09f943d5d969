package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tickstream/internal/manager"
	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Engine is the part of the manager the HTTP API needs.
type Engine interface {
	interfaces.Registrar
	Connections() []types.Connection
	Subscriptions(connectionID string) []types.Subscription
	Stats() manager.Stats
}

// ARCHITECTURAL DISCOVERY: The HTTP layer only translates requests into
// registration calls and JSON responses; it holds no engine state.
type Server struct {
	engine    Engine
	dbManager interfaces.DatabaseManager // nil when the store is disabled
	metrics   http.Handler
	websocket http.Handler
	logger    *zap.Logger
	router    *gin.Engine
	startedAt time.Time
}

// NewServer builds the router. dbManager, metricsHandler and wsHandler may be
// nil; their routes are then omitted or report "disabled".
func NewServer(engine Engine, dbManager interfaces.DatabaseManager, metricsHandler, wsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    engine,
		dbManager: dbManager,
		metrics:   metricsHandler,
		websocket: wsHandler,
		logger:    logger,
		router:    gin.New(),
		startedAt: time.Now(),
	}

	s.router.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.POST("/subscriptions", s.createSubscription)
	api.DELETE("/subscriptions/:id", s.deleteSubscription)
	api.GET("/connections", s.listConnections)
	api.GET("/connections/:id/transitions", s.listTransitions)
	api.DELETE("/connections/:id", s.disconnect)
	api.GET("/stats", s.stats)
	api.GET("/snapshots/latest", s.latestSnapshot)

	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.websocket != nil {
		s.router.GET("/ws", gin.WrapH(s.websocket))
	}
}

// ServeHTTP makes the server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateSubscriptionRequest struct {
	ConnectionID string          `json:"connection_id"`
	OwnerID      string          `json:"owner_id"`
	Filter       json.RawMessage `json:"filter"`
}

type CreateSubscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
	ConnectionID   string `json:"connection_id"`
}

type ConnectionView struct {
	types.Connection
	Subscriptions int `json:"subscriptions"`
}

type ListConnectionsResponse struct {
	Connections []ConnectionView `json:"connections"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Database    string         `json:"database"`
	Running     bool           `json:"running"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Attribute string `json:"attribute,omitempty"`
	Message   string `json:"message"`
}

// POST /api/subscriptions
func (s *Server) createSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, "invalid_json", "", "Invalid JSON")
		return
	}
	if !types.IsValidConnectionID(req.ConnectionID) {
		s.sendError(c, http.StatusBadRequest, "invalid_connection_id", "", types.ErrInvalidConnectionID.Error())
		return
	}

	filter, err := types.ParseFilterJSON(req.Filter)
	if err != nil {
		s.sendFilterError(c, err)
		return
	}

	id, err := s.engine.Register(req.ConnectionID, req.OwnerID, filter)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrInvalidFilter):
		s.sendFilterError(c, err)
		return
	case errors.Is(err, manager.ErrConnectionClosing):
		s.sendError(c, http.StatusConflict, "connection_closing", "", err.Error())
		return
	default:
		s.logger.Error("register failed", zap.String("connection_id", req.ConnectionID), zap.Error(err))
		s.sendError(c, http.StatusInternalServerError, "register_failed", "", "Failed to register subscription")
		return
	}

	c.JSON(http.StatusCreated, CreateSubscriptionResponse{SubscriptionID: id, ConnectionID: req.ConnectionID})
}

// DELETE /api/subscriptions/:id is idempotent.
func (s *Server) deleteSubscription(c *gin.Context) {
	s.engine.Unregister(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// DELETE /api/connections/:id drains and closes the connection.
func (s *Server) disconnect(c *gin.Context) {
	if err := s.engine.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		s.logger.Warn("disconnect failed", zap.String("connection_id", c.Param("id")), zap.Error(err))
		s.sendError(c, http.StatusInternalServerError, "disconnect_failed", "", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/connections
func (s *Server) listConnections(c *gin.Context) {
	conns := s.engine.Connections()
	views := make([]ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, ConnectionView{
			Connection:    conn,
			Subscriptions: len(s.engine.Subscriptions(conn.ID)),
		})
	}
	c.JSON(http.StatusOK, ListConnectionsResponse{Connections: views})
}

// GET /api/connections/:id/transitions?limit=n
func (s *Server) listTransitions(c *gin.Context) {
	if s.dbManager == nil {
		s.sendError(c, http.StatusNotFound, "store_disabled", "", interfaces.ErrStoreUnavailable.Error())
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(c, http.StatusBadRequest, "invalid_limit", "", "limit must be a positive integer")
			return
		}
		limit = n
	}

	transitions, err := s.dbManager.ListTransitions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error("list transitions failed", zap.Error(err))
		s.sendError(c, http.StatusInternalServerError, "store_error", "", "Failed to list transitions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

// GET /api/stats
func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

// GET /api/snapshots/latest
func (s *Server) latestSnapshot(c *gin.Context) {
	if s.dbManager == nil {
		s.sendError(c, http.StatusNotFound, "store_disabled", "", interfaces.ErrStoreUnavailable.Error())
		return
	}
	snap, err := s.dbManager.LatestSnapshot(c.Request.Context())
	if err != nil {
		s.sendError(c, http.StatusInternalServerError, "store_error", "", "Failed to load snapshot")
		return
	}
	if snap == nil {
		s.sendError(c, http.StatusNotFound, "not_found", "", "No snapshot recorded yet")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /health reports 503 when the store is enabled but unreachable or the
// engine is stopped.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	stats := s.engine.Stats()
	status := "healthy"
	dbStatus := "disabled"
	if s.dbManager != nil {
		dbStatus = "healthy"
		if err := s.dbManager.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}
	if !stats.Running {
		status = "unhealthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Database:    dbStatus,
		Running:     stats.Running,
		Connections: stats.Connections,
	})
}

func (s *Server) sendFilterError(c *gin.Context, err error) {
	var filterErr *types.InvalidFilterError
	attr := ""
	if errors.As(err, &filterErr) {
		attr = filterErr.Attribute
	}
	s.sendError(c, http.StatusBadRequest, "invalid_filter", attr, err.Error())
}

// Consistent error response format
func (s *Server) sendError(c *gin.Context, code int, errCode, attribute, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:     errCode,
		Code:      code,
		Attribute: attribute,
		Message:   message,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// corsMiddleware allows browser dashboards on any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
