package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
)

// Manager owns all subscriber connections and fans bus events out to them.
// It is attached to the Bus as an ordinary subscriber, so per-connection
// delivery order follows the bus delivery order for this handler.
type Manager struct {
	cfg *config.StreamingConfig

	mu    sync.RWMutex
	conns map[string]*Conn

	eventsStreamed atomic.Uint64
	bytesSent      atomic.Uint64
}

// Conn is one WebSocket subscriber.
type Conn struct {
	id          string
	ws          *websocket.Conn
	connectedAt time.Time
	eventsSent  atomic.Uint64

	// state and filters are guarded by mu; everything else is owned by
	// the read loop or the send pump.
	mu      sync.Mutex
	state   ConnState
	filters *filterSet
	grace   *time.Timer

	sendCh chan outFrame
	ctx    context.Context
	cancel context.CancelFunc
}

// outFrame is one queued outbound message. done, when set, is closed once
// the pump has attempted the write, letting the enqueuer wait for delivery.
type outFrame struct {
	data       []byte
	isEvent    bool
	closeAfter bool
	done       chan struct{}
}

// NewManager creates a Manager with the given streaming limits.
func NewManager(cfg *config.StreamingConfig) *Manager {
	return &Manager{
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// Attach subscribes the manager to every event type on the bus.
func (m *Manager) Attach(bus *events.Bus) {
	for _, t := range events.Types() {
		bus.Subscribe(t, m.Handle)
	}
}

// Handle is the bus handler: fan the event out to matching subscribers.
func (m *Manager) Handle(_ context.Context, e *events.Event) error {
	m.Broadcast(e)
	return nil
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade. Blocks until the connection
// closes.
func (m *Manager) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Conn{
		id:          uuid.New().String(),
		ws:          ws,
		connectedAt: time.Now(),
		state:       StateConnected,
		sendCh:      make(chan outFrame, m.cfg.SendQueueMax),
		ctx:         ctx,
		cancel:      cancel,
	}

	if !m.register(c) {
		cancel()
		_ = ws.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}
	defer m.unregister(c)

	go m.sendPump(c)

	// The client must subscribe within the grace period or be closed. The
	// countdown restarts whenever the connection drops back to CONNECTED.
	m.armGrace(c)
	defer c.stopGrace()

	m.readLoop(c)
}

// readLoop processes client control messages until the connection closes.
func (m *Manager) readLoop(c *Conn) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Transport error or cancellation; exit and clean up.
			c.setState(StateDisconnecting)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.rejectUnknown(c)
			return
		}

		switch msg.Type {
		case "subscribe":
			c.setSubscription(compileFilters(msg.Filters))
		case "unsubscribe":
			c.clearSubscription()
			m.armGrace(c)
		case "ping":
			m.enqueueJSON(c, pongFrame{Type: "pong", T: time.Now().UnixMilli()})
		default:
			m.rejectUnknown(c)
			return
		}
	}
}

// Broadcast sends the event to every subscribed connection whose filters
// match. The frame is marshaled once; slow clients are disconnected rather
// than allowed to block the fan-out.
func (m *Manager) Broadcast(e *events.Event) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(eventFrame{Type: "event", V: events.Version, Event: e})
	if err != nil {
		slog.Error("Failed to marshal event frame", "event_type", e.Type(), "error", err)
		return
	}

	for _, c := range conns {
		if !c.wants(e) {
			continue
		}
		select {
		case c.sendCh <- outFrame{data: data, isEvent: true}:
		default:
			// Send queue full: the client fell too far behind.
			slog.Warn("Dropping slow streaming client", "client_id", c.id)
			m.disconnect(c)
		}
	}
}

// ActiveConnections returns the number of open connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stats returns aggregate and per-client streaming counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ConnectionCount: len(m.conns),
		EventsStreamed:  m.eventsStreamed.Load(),
		BytesSent:       m.bytesSent.Load(),
	}
	for _, c := range m.conns {
		c.mu.Lock()
		info := ClientInfo{
			ClientID:    c.id,
			State:       c.state,
			ConnectedAt: c.connectedAt.UTC().Format(time.RFC3339Nano),
			EventsSent:  c.eventsSent.Load(),
		}
		if c.filters != nil {
			info.Filters = c.filters.filters
		}
		c.mu.Unlock()
		stats.Clients = append(stats.Clients, info)
	}
	return stats
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.disconnect(c)
	}
}

// sendPump is the single writer for one connection. All outbound frames go
// through it, preserving per-connection ordering and the one-writer rule.
func (m *Manager) sendPump(c *Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, f.data)
			cancel()
			if f.done != nil {
				close(f.done)
			}
			if err != nil {
				slog.Warn("Streaming send failed", "client_id", c.id, "error", err)
				c.setState(StateDisconnecting)
				c.cancel()
				return
			}
			m.bytesSent.Add(uint64(len(f.data)))
			if f.isEvent {
				c.eventsSent.Add(1)
				m.eventsStreamed.Add(1)
			}
			if f.closeAfter {
				c.cancel()
				return
			}
		}
	}
}

// rejectUnknown reports an UnknownMessage error and closes the connection.
// The call waits until the pump has written the frame, so the error reaches
// the client before connection teardown closes the socket.
func (m *Manager) rejectUnknown(c *Conn) {
	data, err := json.Marshal(errorFrame{Type: "error", Kind: "UnknownMessage"})
	if err != nil {
		m.disconnect(c)
		return
	}
	done := make(chan struct{})
	select {
	case c.sendCh <- outFrame{data: data, closeAfter: true, done: done}:
		select {
		case <-done:
		case <-time.After(m.cfg.WriteTimeout):
		}
	default:
		m.disconnect(c)
	}
}

// enqueueJSON marshals and queues a control frame.
func (m *Manager) enqueueJSON(c *Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal control frame", "client_id", c.id, "error", err)
		return
	}
	select {
	case c.sendCh <- outFrame{data: data}:
	default:
		m.disconnect(c)
	}
}

// register adds the connection unless the connection cap is reached.
func (m *Manager) register(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.cfg.MaxConnections {
		return false
	}
	m.conns[c.id] = c
	return true
}

// unregister removes the connection and closes the transport.
func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.setState(StateClosed)
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// armGrace (re)starts the subscribe countdown. The callback fires only if
// the connection is still unsubscribed when the period ends.
func (m *Manager) armGrace(c *Conn) {
	c.mu.Lock()
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(m.cfg.ClientGrace, func() {
		if c.currentState() == StateConnected {
			slog.Debug("Closing unsubscribed client after grace period", "client_id", c.id)
			m.disconnect(c)
		}
	})
	c.mu.Unlock()
}

// disconnect force-closes one client without touching the others.
func (m *Manager) disconnect(c *Conn) {
	c.setState(StateDisconnecting)
	c.cancel()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusPolicyViolation, "disconnected by server")
	}
}

// --- Conn helpers ---

// wants reports whether the connection is subscribed and its filters match.
func (c *Conn) wants(e *events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubscribed || c.filters == nil {
		return false
	}
	return c.filters.matches(e)
}

func (c *Conn) setSubscription(fs *filterSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected || c.state == StateSubscribed {
		c.filters = fs
		c.state = StateSubscribed
	}
}

func (c *Conn) clearSubscription() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubscribed {
		c.filters = nil
		c.state = StateConnected
	}
}

func (c *Conn) stopGrace() {
	c.mu.Lock()
	if c.grace != nil {
		c.grace.Stop()
	}
	c.mu.Unlock()
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

func (c *Conn) currentState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
