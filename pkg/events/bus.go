package events

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes one delivered event. A non-nil error is counted and
// logged by the Bus but never propagated to the publisher. Handlers doing
// long work should offload to their own worker; the ctx is cancelled when
// the Bus shuts down.
type Handler func(ctx context.Context, e *Event) error

// Bus is the in-process pub/sub fabric. Each subscription owns an ordered
// mailbox drained by a dedicated goroutine: handlers for one event run
// concurrently with each other, while a single handler sees events in
// publish order. Publish enqueues and returns immediately.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published     atomic.Uint64
	handlerErrors atomic.Uint64
}

// BusStats is a point-in-time view of bus counters.
type BusStats struct {
	EventsPublished uint64         `json:"events_published"`
	HandlerErrors   uint64         `json:"handler_errors"`
	Subscribers     map[string]int `json:"subscribers"`
}

// subscription pairs a handler with its ordered mailbox. The key is the
// handler's function pointer, which makes Subscribe idempotent and lets
// Unsubscribe identify the handler to remove. Distinct closures have
// distinct pointers even when textually identical.
type subscription struct {
	key     uintptr
	handler Handler
	mail    *mailbox
}

// delivery is one queued event, optionally carrying the PublishAndWait
// completion group.
type delivery struct {
	event *Event
	done  *sync.WaitGroup
}

// NewBus creates a started Bus. Close releases its goroutines.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[string][]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers handler for eventType. Subscribing the same handler to
// the same type twice is a no-op.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	key := handlerKey(handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[eventType] {
		if sub.key == key {
			return
		}
	}

	sub := &subscription{key: key, handler: handler, mail: newMailbox()}
	b.subs[eventType] = append(b.subs[eventType], sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.drain(sub)
	}()
}

// Unsubscribe removes the (eventType, handler) subscription. Returns whether
// a subscription was removed. Removal takes effect no later than the next
// publish; deliveries already queued are still processed.
func (b *Bus) Unsubscribe(eventType string, handler Handler) bool {
	if handler == nil {
		return false
	}
	key := handlerKey(handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.key == key {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			sub.mail.close()
			return true
		}
	}
	return false
}

// Publish enqueues the event for every current subscriber of its type and
// returns immediately.
func (b *Bus) Publish(e *Event) {
	b.dispatch(e, nil)
}

// PublishAndWait returns once every handler registered for the event's type
// at publish time has been invoked, or when ctx is cancelled.
func (b *Bus) PublishAndWait(ctx context.Context, e *Event) error {
	var done sync.WaitGroup
	b.dispatch(e, &done)

	waitCh := make(chan struct{})
	go func() {
		done.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriberCount returns the number of handlers registered for eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Stats returns current bus counters and per-type subscriber counts.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := make(map[string]int, len(b.subs))
	for t, subs := range b.subs {
		subscribers[t] = len(subs)
	}
	return BusStats{
		EventsPublished: b.published.Load(),
		HandlerErrors:   b.handlerErrors.Load(),
		Subscribers:     subscribers,
	}
}

// Close cancels the handler context, stops all mailboxes, and waits for
// in-flight deliveries to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mail.close()
		}
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// dispatch snapshots the subscriber list under the read lock, then enqueues
// outside it so a slow mailbox cannot stall subscribe/unsubscribe.
func (b *Bus) dispatch(e *Event, done *sync.WaitGroup) {
	if e == nil {
		return
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[e.Type()]))
	copy(subs, b.subs[e.Type()])
	b.mu.RUnlock()

	b.published.Add(1)

	if done != nil {
		done.Add(len(subs))
	}
	for _, sub := range subs {
		sub.mail.push(delivery{event: e, done: done})
	}
}

// drain is the per-subscription dispatch loop.
func (b *Bus) drain(sub *subscription) {
	for {
		d, ok := sub.mail.pop()
		if !ok {
			return
		}
		b.invoke(sub, d.event)
		if d.done != nil {
			d.done.Done()
		}
	}
}

// invoke runs one handler with full error isolation: both returned errors
// and panics are counted, logged, and swallowed.
func (b *Bus) invoke(sub *subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			slog.Error("Event handler panicked",
				"event_type", e.Type(), "session_id", e.SessionID(), "panic", r)
		}
	}()

	if err := sub.handler(b.ctx, e); err != nil {
		b.handlerErrors.Add(1)
		slog.Warn("Event handler failed",
			"event_type", e.Type(), "session_id", e.SessionID(), "error", err)
	}
}

func handlerKey(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// mailbox is an unbounded FIFO queue with blocking pop. Unbounded by design:
// the publisher must never block, and the aggregate memory is bounded in
// practice by the consumers keeping up (metrics, tracker, and sinks are all
// O(1) per event).
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push enqueues a delivery. Deliveries pushed after close release their
// completion group immediately so PublishAndWait cannot hang.
func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if d.done != nil {
			d.done.Done()
		}
		return
	}
	m.queue = append(m.queue, d)
	m.cond.Signal()
}

// pop blocks until a delivery is available or the mailbox is closed and
// drained. The second return is false when the drain loop should exit.
func (m *mailbox) pop() (delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return delivery{}, false
	}
	d := m.queue[0]
	m.queue = m.queue[1:]
	return d, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	// Queued deliveries still run: pop only reports closed once the queue
	// is empty, so the drain loop finishes what was already accepted.
	m.cond.Broadcast()
}
