package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentfleet/fleetd/pkg/stream"
)

// WSEvent is one event received over the stream.
type WSEvent struct {
	Type      string          // event_type of the inner event
	SessionID string
	Payload   map[string]any
	Raw       json.RawMessage // original frame JSON
	Received  time.Time
}

// WorkflowID returns the payload workflow_id, or "".
func (e WSEvent) WorkflowID() string {
	id, _ := e.Payload["workflow_id"].(string)
	return id
}

// WSClient connects to the fleetd WebSocket endpoint and collects event
// frames. Control frames (pong, error) are ignored.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Connect establishes a WebSocket connection and starts collecting events in
// a background goroutine. The connection is unsubscribed until Subscribe.
func Connect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe declares the client's filters. No filters means every event.
func (c *WSClient) Subscribe(filters ...stream.Filter) error {
	data, err := json.Marshal(stream.ClientMessage{Type: "subscribe", Filters: filters})
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until an event matching the predicate is received, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for an event with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForWorkflowEvent waits for an event of the given type carrying the
// given workflow_id in its payload.
func (c *WSClient) WaitForWorkflowEvent(eventType, workflowID string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType && e.WorkflowID() == workflowID
	}, timeout)
}

// Events returns a snapshot of all collected events.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns events filtered by type, in receive order.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames from the WebSocket and appends event frames to the
// events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var frame struct {
			Type  string `json:"type"`
			Event struct {
				EventType string         `json:"event_type"`
				SessionID string         `json:"session_id"`
				Payload   map[string]any `json:"payload"`
			} `json:"event"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "event" {
			continue // Skip control frames and malformed messages.
		}

		c.mu.Lock()
		c.events = append(c.events, WSEvent{
			Type:      frame.Event.EventType,
			SessionID: frame.Event.SessionID,
			Payload:   frame.Event.Payload,
			Raw:       json.RawMessage(data),
			Received:  time.Now(),
		})
		c.mu.Unlock()
	}
}
