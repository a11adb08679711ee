// Package stream pushes bus events to remote WebSocket subscribers.
//
// Each connection declares a set of filters with a subscribe control message;
// the Manager evaluates the filters against every bus event and forwards the
// matches through a per-connection send pump with a bounded queue. A client
// that falls behind its queue or breaches the write timeout is disconnected;
// other clients are unaffected.
package stream

import "github.com/agentfleet/fleetd/pkg/events"

// ConnState tracks the per-connection lifecycle.
type ConnState string

// Connection states. A connection must subscribe within the grace period or
// it is closed; DISCONNECTING is entered on transport error or backpressure.
const (
	StateConnected     ConnState = "connected"
	StateSubscribed    ConnState = "subscribed"
	StateDisconnecting ConnState = "disconnecting"
	StateClosed        ConnState = "closed"
)

// Filter types. An event matches a client iff it matches every filter
// (AND across filters, OR within one filter's values).
const (
	FilterEventType = "event_type"
	FilterAgent     = "agent"
	FilterSeverity  = "severity"
	FilterWorkflow  = "workflow"
)

// Filter is one client-declared predicate.
type Filter struct {
	FilterType string   `json:"filter_type"`
	Values     []string `json:"values"`
}

// ClientMessage is the JSON structure for client → server control frames.
type ClientMessage struct {
	Type    string   `json:"type"` // "subscribe", "unsubscribe", "ping"
	Filters []Filter `json:"filters,omitempty"`
}

// eventFrame is the server → client event push.
type eventFrame struct {
	Type  string        `json:"type"` // always "event"
	V     int           `json:"v"`
	Event *events.Event `json:"event"`
}

// pongFrame answers a client ping.
type pongFrame struct {
	Type string `json:"type"` // always "pong"
	T    int64  `json:"t"`    // server time, unix milliseconds
}

// errorFrame reports a protocol error before the connection is closed.
type errorFrame struct {
	Type string `json:"type"` // always "error"
	Kind string `json:"kind"`
}

// Stats is the aggregate streaming-server view.
type Stats struct {
	ConnectionCount int          `json:"connection_count"`
	EventsStreamed  uint64       `json:"events_streamed"`
	BytesSent       uint64       `json:"bytes_sent"`
	Clients         []ClientInfo `json:"clients,omitempty"`
}

// ClientInfo describes one subscriber connection.
type ClientInfo struct {
	ClientID    string    `json:"client_id"`
	State       ConnState `json:"state"`
	ConnectedAt string    `json:"connected_at"`
	EventsSent  uint64    `json:"events_sent"`
	Filters     []Filter  `json:"filters"`
}
