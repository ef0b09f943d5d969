package types

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// since connection IDs are checked on every registration.
var connectionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// IsValidConnectionID checks if a connection ID meets format requirements.
func IsValidConnectionID(id string) bool {
	if len(id) < 1 || len(id) > 128 {
		return false
	}
	return connectionIDRegex.MatchString(id)
}

// NewEvent builds a normalized event for in-process producers. A nil payload
// becomes an empty JSON object.
func NewEvent(eventType string, attrs map[string]interface{}, payload json.RawMessage) (*Event, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	normalized := make(Attributes, len(attrs))
	for name, raw := range attrs {
		v, err := normalizeAttribute(name, raw)
		if err != nil {
			return nil, err
		}
		normalized[name] = v
	}
	e := &Event{
		ID:         uuid.NewString(),
		Type:       NormalizeCategorical(AttrEventType, eventType),
		Attributes: normalized,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate ensures the event carries everything routing needs.
// ARCHITECTURAL DISCOVERY: The router relies on this check instead of
// defending every attribute lookup, so schema attributes must already be in
// canonical form here.
func (e *Event) Validate() error {
	if e == nil {
		return &MalformedEventError{Reason: "nil event"}
	}
	if e.Type == "" {
		return &MalformedEventError{Field: "event_type", Reason: "missing"}
	}
	if e.Attributes == nil {
		return &MalformedEventError{Field: "attributes", Reason: "missing"}
	}
	if len(e.Payload) == 0 {
		return &MalformedEventError{Field: "payload", Reason: "missing"}
	}
	for name, v := range e.Attributes {
		switch KindOf(name) {
		case KindCategorical:
			if _, ok := v.(string); !ok {
				return &MalformedEventError{Field: name, Reason: "expected a string"}
			}
		case KindNumeric:
			if _, ok := v.(float64); !ok {
				return &MalformedEventError{Field: name, Reason: "expected a number"}
			}
		}
	}
	return nil
}
