package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DecodeEvent parses one upstream message of the form
//
//	{"event_id": "...", "event_type": "...", "attributes": {...}, "payload": {...}}
//
// event_id is optional. The payload is kept as raw bytes.
func DecodeEvent(data []byte, receivedAt time.Time) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, &MalformedEventError{Reason: "unparseable JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &MalformedEventError{Reason: "event must be a JSON object"}
	}

	eventType := root.Get("event_type")
	if eventType.Type != gjson.String || eventType.Str == "" {
		return nil, &MalformedEventError{Field: "event_type", Reason: "missing"}
	}
	attrs := root.Get("attributes")
	if !attrs.IsObject() {
		return nil, &MalformedEventError{Field: "attributes", Reason: "missing"}
	}
	payload := root.Get("payload")
	if !payload.Exists() {
		return nil, &MalformedEventError{Field: "payload", Reason: "missing"}
	}

	attributes := make(Attributes)
	var decodeErr error
	attrs.ForEach(func(key, value gjson.Result) bool {
		var raw interface{}
		switch value.Type {
		case gjson.Null:
			return true
		case gjson.String:
			raw = value.Str
		case gjson.Number:
			raw = value.Num
		case gjson.True, gjson.False:
			raw = value.Bool()
		default:
			raw = value.Value()
		}
		normalized, err := normalizeAttribute(key.String(), raw)
		if err != nil {
			decodeErr = err
			return false
		}
		attributes[key.String()] = normalized
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}

	id := root.Get("event_id").String()
	if id == "" {
		id = uuid.NewString()
	}
	return &Event{
		ID:         id,
		Type:       NormalizeCategorical(AttrEventType, eventType.Str),
		Attributes: attributes,
		Payload:    json.RawMessage(payload.Raw),
		ReceivedAt: receivedAt,
	}, nil
}
