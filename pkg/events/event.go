package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent indicates an event missing required identity fields.
// Raised at construction; such an event is never publishable.
var ErrInvalidEvent = errors.New("invalid event")

// Event is an immutable record of one agent action. All fields are populated
// at construction and never mutated afterwards; the payload map is deep-copied
// in and out so no caller can alter a delivered event.
type Event struct {
	eventType string
	timestamp time.Time
	payload   map[string]any
	traceID   string
	sessionID string
}

// wireEvent is the JSON shape of an event on the wire and in the journal.
type wireEvent struct {
	Version   int            `json:"v"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	TraceID   string         `json:"trace_id,omitempty"`
	SessionID string         `json:"session_id"`
}

// New constructs a validated Event. The timestamp is stamped at construction
// (UTC). payload may be a map or any JSON-marshalable struct (see payloads.go);
// unknown payload fields survive the round-trip untouched.
//
// Fails with ErrInvalidEvent when eventType or sessionID is empty, or when
// eventType is outside the closed catalog.
func New(eventType, sessionID, traceID string, payload any) (*Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: empty event_type", ErrInvalidEvent)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session_id", ErrInvalidEvent)
	}
	if !KnownType(eventType) {
		return nil, fmt.Errorf("%w: event_type %q not in catalog", ErrInvalidEvent, eventType)
	}

	m, err := toPayloadMap(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	return &Event{
		eventType: eventType,
		timestamp: time.Now().UTC(),
		payload:   m,
		traceID:   traceID,
		sessionID: sessionID,
	}, nil
}

// Type returns the event type.
func (e *Event) Type() string { return e.eventType }

// Timestamp returns the UTC construction instant.
func (e *Event) Timestamp() time.Time { return e.timestamp }

// TraceID links causally related events. May be empty.
func (e *Event) TraceID() string { return e.traceID }

// SessionID identifies the logical session the event belongs to.
func (e *Event) SessionID() string { return e.sessionID }

// Payload returns a deep copy of the payload map. Mutating the copy has no
// effect on the event or on other subscribers' view of it.
func (e *Event) Payload() map[string]any {
	return clonePayload(e.payload)
}

// StringField returns the payload value at key if it is a string, else "".
func (e *Event) StringField(key string) string {
	s, _ := e.payload[key].(string)
	return s
}

// FloatField returns the payload value at key as a float64 if numeric.
// JSON decoding produces float64 for all numbers, but events built in-process
// may carry native int fields, so both are accepted.
func (e *Event) FloatField(key string) (float64, bool) {
	switch v := e.payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Severity returns the payload severity tag, defaulting to SeverityInfo
// when the tag is absent.
func (e *Event) Severity() string {
	if s := e.StringField("severity"); s != "" {
		return s
	}
	return SeverityInfo
}

// MarshalJSON serializes the event in the v1 wire format.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Version:   Version,
		EventType: e.eventType,
		Timestamp: e.timestamp,
		Payload:   e.payload,
		TraceID:   e.traceID,
		SessionID: e.sessionID,
	})
}

// UnmarshalJSON parses the v1 wire format, applying the same validation as New.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if w.EventType == "" {
		return fmt.Errorf("%w: empty event_type", ErrInvalidEvent)
	}
	if w.SessionID == "" {
		return fmt.Errorf("%w: empty session_id", ErrInvalidEvent)
	}
	if !KnownType(w.EventType) {
		return fmt.Errorf("%w: event_type %q not in catalog", ErrInvalidEvent, w.EventType)
	}
	if w.Payload == nil {
		w.Payload = map[string]any{}
	}

	e.eventType = w.EventType
	e.timestamp = w.Timestamp.UTC()
	e.payload = w.Payload
	e.traceID = w.TraceID
	e.sessionID = w.SessionID
	return nil
}

// Equal reports whether two events carry the same identity, timestamp, and
// payload. Payload comparison goes through JSON so numeric types that differ
// only by Go representation (int vs float64) compare equal.
func (e *Event) Equal(other *Event) bool {
	if other == nil {
		return false
	}
	if e.eventType != other.eventType ||
		e.sessionID != other.sessionID ||
		e.traceID != other.traceID ||
		!e.timestamp.Equal(other.timestamp) {
		return false
	}
	a, err := json.Marshal(e.payload)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.payload)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// toPayloadMap normalizes any JSON-marshalable payload into a detached map.
// The JSON round-trip doubles as a deep copy, so the caller keeps no alias
// into the event's internal state.
func toPayloadMap(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("unmarshalable payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// clonePayload deep-copies a payload map.
func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}
