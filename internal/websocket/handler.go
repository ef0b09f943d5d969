package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickstream/pkg/interfaces"
	"tickstream/pkg/types"
)

// Client actions.
const (
	ActionHello       = "hello"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// ClientFrame is a control message sent by a client.
type ClientFrame struct {
	Action         string          `json:"action"`
	RequestID      string          `json:"request_id,omitempty"`
	Filter         json.RawMessage `json:"filter,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
}

// ServerFrame is every non-batch message sent to a client.
type ServerFrame struct {
	Type           string `json:"type"`
	Action         string `json:"action,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Removed        *bool  `json:"removed,omitempty"`
	Error          string `json:"error,omitempty"`
	Attribute      string `json:"attribute,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Handler upgrades HTTP requests and translates client frames into
// registration calls.
// ARCHITECTURAL DISCOVERY: The handler talks to the engine only through
// interfaces.Registrar; batches reach the socket through the Registry.
type Handler struct {
	registry  *Registry
	registrar interfaces.Registrar
	cfg       Config
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, registrar interfaces.Registrar, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		registry:  registry,
		registrar: registrar,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Dashboards are served from other origins.
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// HandleWebSocket accepts a client. connection_id and owner_id are optional
// query parameters; a missing connection_id is generated.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connection_id")
	ownerID := r.URL.Query().Get("owner_id")
	if connID == "" {
		connID = uuid.NewString()
	}
	if !types.IsValidConnectionID(connID) {
		http.Error(w, "Invalid connection_id format", http.StatusBadRequest)
		return
	}

	if err := h.registrar.Connect(connID, ownerID); err != nil {
		h.logger.Debug("connect rejected", zap.String("connection_id", connID), zap.Error(err))
		http.Error(w, "Connection is closing", http.StatusConflict)
		return
	}

	// TECHNICAL DISCOVERY: Upgrade writes its own HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("connection_id", connID), zap.Error(err))
		_ = h.registrar.Disconnect(context.Background(), connID)
		return
	}

	wsConn := NewConnection(conn, connID, ownerID, h.cfg)
	if err := h.registry.Register(wsConn); err != nil {
		h.logger.Error("failed to register socket", zap.String("connection_id", connID), zap.Error(err))
		_ = wsConn.Close()
		_ = h.registrar.Disconnect(context.Background(), connID)
		return
	}

	if err := wsConn.WriteJSON(ServerFrame{Type: "welcome", ConnectionID: connID}); err != nil {
		h.logger.Debug("failed to send welcome", zap.String("connection_id", connID), zap.Error(err))
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one socket.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Only the socket still bound to the ID tears
		// the engine connection down. A replaced socket must leave its
		// successor alone, and an engine-initiated close has already run.
		if h.registry.Unregister(conn) {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			defer cancel()
			if err := h.registrar.Disconnect(ctx, conn.ID()); err != nil {
				h.logger.Debug("disconnect failed", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
		}
		_ = conn.Close()
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		h.registrar.Touch(conn.ID())
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		reply := h.handleFrame(conn, data)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// handleFrame applies one client frame and returns the reply. Every frame
// counts as a heartbeat.
func (h *Handler) handleFrame(conn *Connection, data []byte) ServerFrame {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ServerFrame{Type: "error", Error: "invalid_json", Message: ErrInvalidJSON.Error()}
	}
	h.registrar.Touch(conn.ID())

	reply := ServerFrame{Type: "ack", Action: frame.Action, RequestID: frame.RequestID, ConnectionID: conn.ID()}
	switch frame.Action {
	case ActionHello:
		if err := h.registrar.Activate(conn.ID()); err != nil {
			return errorFrame(frame, "activation_failed", err)
		}
	case ActionSubscribe:
		filter, err := types.ParseFilterJSON(frame.Filter)
		if err != nil {
			return errorFrame(frame, "invalid_filter", err)
		}
		id, err := h.registrar.Register(conn.ID(), conn.OwnerID(), filter)
		if err != nil {
			return errorFrame(frame, "subscribe_failed", err)
		}
		reply.SubscriptionID = id
	case ActionUnsubscribe:
		removed := h.registrar.Unregister(frame.SubscriptionID)
		reply.SubscriptionID = frame.SubscriptionID
		reply.Removed = &removed
	case ActionPing:
		reply.Type = "pong"
	default:
		return errorFrame(frame, "unknown_action", ErrUnknownAction)
	}
	return reply
}

func errorFrame(frame ClientFrame, code string, err error) ServerFrame {
	out := ServerFrame{Type: "error", Action: frame.Action, RequestID: frame.RequestID, Error: code, Message: err.Error()}
	var filterErr *types.InvalidFilterError
	if errors.As(err, &filterErr) {
		out.Error = "invalid_filter"
		out.Attribute = filterErr.Attribute
	}
	return out
}
