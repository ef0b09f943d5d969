package types

import (
	"encoding/json"
	"time"
)

// Event is one detection event received from upstream.
// FUNCTIONAL DISCOVERY: Events are immutable once received. Payload is
// forwarded to clients verbatim and never inspected after decoding.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"event_type"`
	Attributes Attributes      `json:"attributes"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Value returns the event's value for a filterable attribute. The event type
// is addressable as the "event_type" attribute.
func (e *Event) Value(attr string) (interface{}, bool) {
	if attr == AttrEventType {
		if e.Type == "" {
			return nil, false
		}
		return e.Type, true
	}
	v, ok := e.Attributes[attr]
	return v, ok
}

// Attributes holds normalized event attributes: categorical values are
// strings, numeric values are float64. Attributes outside the schema are kept
// as decoded but never take part in routing.
type Attributes map[string]interface{}

// String returns a categorical attribute.
func (a Attributes) String(name string) (string, bool) {
	v, ok := a[name].(string)
	return v, ok
}

// Number returns a numeric attribute.
func (a Attributes) Number(name string) (float64, bool) {
	v, ok := a[name].(float64)
	return v, ok
}

// Subscription is a standing request by a connection for events matching a
// filter. Exactly one connection owns a subscription.
type Subscription struct {
	ID           string    `json:"subscription_id"`
	ConnectionID string    `json:"connection_id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Filter       Filter    `json:"filter"`
	CreatedAt    time.Time `json:"created_at"`
}

// Connection is one client session able to receive pushed batches.
type Connection struct {
	ID        string          `json:"connection_id"`
	OwnerID   string          `json:"owner_id,omitempty"`
	State     ConnectionState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	LastSeen  time.Time       `json:"last_seen"`
}

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState string

const (
	StatePending  ConnectionState = "pending"
	StateActive   ConnectionState = "active"
	StateDraining ConnectionState = "draining"
	StateClosed   ConnectionState = "closed"
)

// ARCHITECTURAL DISCOVERY: The transition table is the only place lifecycle
// rules live. Active may skip Draining when the heartbeat times out or the
// transport fails, Pending may be discarded without ever becoming Active.
var stateTransitions = map[ConnectionState][]ConnectionState{
	StatePending:  {StateActive, StateClosed},
	StateActive:   {StateDraining, StateClosed},
	StateDraining: {StateClosed},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Delivery is the routing decision for one connection: the event plus every
// subscription of that connection it matched.
type Delivery struct {
	ConnectionID    string
	Event           *Event
	SubscriptionIDs []string
}

// DeliveryBatch is a group of events pushed to one connection in one flush.
// Events keep the order in which they were enqueued.
type DeliveryBatch struct {
	ConnectionID string    `json:"connection_id"`
	Events       []*Event  `json:"events"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

// ConnectionTransition is one lifecycle step kept in the operational audit trail.
type ConnectionTransition struct {
	ConnectionID string          `json:"connection_id"`
	OwnerID      string          `json:"owner_id,omitempty"`
	From         ConnectionState `json:"from"`
	To           ConnectionState `json:"to"`
	Reason       string          `json:"reason"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// MetricSnapshot is a periodic copy of the engine counters.
type MetricSnapshot struct {
	TakenAt           time.Time `json:"taken_at"`
	EventsIngested    uint64    `json:"events_ingested"`
	EventsMalformed   uint64    `json:"events_malformed"`
	EventsRouted      uint64    `json:"events_routed"`
	EventsDelivered   uint64    `json:"events_delivered"`
	EventsDropped     uint64    `json:"events_dropped"`
	CacheHitRate      float64   `json:"cache_hit_rate"`
	ActiveConnections int       `json:"active_connections"`
	Subscriptions     int       `json:"subscriptions"`
}
