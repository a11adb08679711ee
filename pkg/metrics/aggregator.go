// Package metrics derives rolling-window statistics from the event stream.
//
// The Aggregator keeps a bounded FIFO of event records plus live indices of
// active agents and workflows. Recording is O(1); snapshots walk the tail of
// the FIFO covering the requested window.
package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/fleetd/pkg/events"
)

// DefaultMaxRecords is the FIFO capacity when none is configured.
const DefaultMaxRecords = 10_000

// Record is the aggregator's derived view of one event.
type Record struct {
	Timestamp   time.Time
	EventType   string
	Agent       string
	DurationMS  float64
	HasDuration bool
	Tokens      int
	Cost        float64
	Success     bool
}

// Snapshot is a read-only view over one window of records.
type Snapshot struct {
	WindowSeconds int            `json:"window_seconds"`
	TotalEvents   int            `json:"total_events"`
	EventsByType  map[string]int `json:"events_by_type"`

	AgentsActive    int `json:"agents_active"`
	WorkflowsActive int `json:"workflows_active"`

	AvgDurationMS float64 `json:"avg_duration_ms"`
	P50DurationMS float64 `json:"p50_duration_ms"`
	P95DurationMS float64 `json:"p95_duration_ms"`
	P99DurationMS float64 `json:"p99_duration_ms"`

	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`

	EventsPerSecond float64 `json:"events_per_second"`
	AgentsPerMinute float64 `json:"agents_per_minute"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	CostPerHour     float64 `json:"cost_per_hour"`
}

// Cumulative holds process-lifetime totals, never windowed.
type Cumulative struct {
	TotalEvents  uint64         `json:"total_events"`
	EventsByType map[string]int `json:"events_by_type"`
	TotalTokens  int64          `json:"total_tokens"`
	TotalCost    float64        `json:"total_cost"`
	Failures     uint64         `json:"failures"`
}

// Aggregator maintains the record FIFO and the active-entity indices.
// All methods are safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	// Circular buffer of capacity max.
	records []Record
	start   int
	count   int
	max     int

	// Active indices. Agents key by trace id (falling back to
	// session+agent), workflows by workflow id.
	activeAgents    map[string]struct{}
	activeWorkflows map[string]struct{}

	// Lifetime counters.
	totalEvents uint64
	byType      map[string]int
	totalTokens int64
	totalCost   float64
	failures    uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewAggregator creates an aggregator with the given FIFO capacity.
// Non-positive capacities fall back to DefaultMaxRecords.
func NewAggregator(maxRecords int) *Aggregator {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Aggregator{
		records:         make([]Record, maxRecords),
		max:             maxRecords,
		activeAgents:    make(map[string]struct{}),
		activeWorkflows: make(map[string]struct{}),
		byType:          make(map[string]int),
		now:             time.Now,
	}
}

// Attach subscribes the aggregator to every event type on the bus.
func (a *Aggregator) Attach(bus *events.Bus) {
	for _, t := range events.Types() {
		bus.Subscribe(t, a.Handle)
	}
}

// Handle is the bus handler: derives a Record and updates indices.
func (a *Aggregator) Handle(_ context.Context, e *events.Event) error {
	a.Record(e)
	return nil
}

// Record appends a derived record and maintains the active indices.
// The FIFO evicts its oldest entry silently on overflow.
func (a *Aggregator) Record(e *events.Event) {
	rec := deriveRecord(e)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalEvents++
	a.byType[rec.EventType]++
	a.totalTokens += int64(rec.Tokens)
	a.totalCost += rec.Cost
	if !rec.Success {
		a.failures++
	}

	switch e.Type() {
	case events.EventTypeAgentInvoked:
		a.activeAgents[agentKey(e)] = struct{}{}
	case events.EventTypeAgentCompleted, events.EventTypeAgentFailed:
		// A close without a matching open is ignored for active counts
		// but still recorded.
		delete(a.activeAgents, agentKey(e))
	case events.EventTypeWorkflowStarted:
		if id := e.StringField("workflow_id"); id != "" {
			a.activeWorkflows[id] = struct{}{}
		}
	case events.EventTypeWorkflowCompleted, events.EventTypeWorkflowFailed:
		delete(a.activeWorkflows, e.StringField("workflow_id"))
	}

	a.records[(a.start+a.count)%a.max] = rec
	if a.count == a.max {
		a.start = (a.start + 1) % a.max
	} else {
		a.count++
	}
}

// Len returns the current FIFO length (never exceeds the capacity).
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Snapshot computes windowed statistics over [now − window, now].
func (a *Aggregator) Snapshot(window time.Duration) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	winSecs := window.Seconds()
	cutoff := a.now().Add(-window)
	snap := Snapshot{
		WindowSeconds:   int(winSecs),
		EventsByType:    make(map[string]int),
		AgentsActive:    len(a.activeAgents),
		WorkflowsActive: len(a.activeWorkflows),
	}

	var durations []float64
	var durationSum float64
	invocations := 0

	// Walk newest → oldest; the FIFO is in arrival order so the first
	// record older than the cutoff ends the scan.
	for i := a.count - 1; i >= 0; i-- {
		rec := a.records[(a.start+i)%a.max]
		if rec.Timestamp.Before(cutoff) {
			break
		}
		snap.TotalEvents++
		snap.EventsByType[rec.EventType]++
		snap.TotalTokens += rec.Tokens
		snap.TotalCost += rec.Cost
		if rec.HasDuration {
			durations = append(durations, rec.DurationMS)
			durationSum += rec.DurationMS
		}
		if rec.EventType == events.EventTypeAgentInvoked {
			invocations++
		}
	}

	if n := len(durations); n > 0 {
		sort.Float64s(durations)
		snap.AvgDurationMS = durationSum / float64(n)
		snap.P50DurationMS = nearestRank(durations, 0.50)
		snap.P95DurationMS = nearestRank(durations, 0.95)
		snap.P99DurationMS = nearestRank(durations, 0.99)
	}

	if winSecs > 0 {
		snap.EventsPerSecond = float64(snap.TotalEvents) / winSecs
		snap.AgentsPerMinute = float64(invocations) / winSecs * 60
		snap.TokensPerSecond = float64(snap.TotalTokens) / winSecs
		snap.CostPerHour = snap.TotalCost / winSecs * 3600
	}
	return snap
}

// AllSnapshots computes one snapshot per configured window, keyed by the
// window length in seconds. Used for dashboard refresh.
func (a *Aggregator) AllSnapshots(windows []int) map[int]Snapshot {
	out := make(map[int]Snapshot, len(windows))
	for _, w := range windows {
		out[w] = a.Snapshot(time.Duration(w) * time.Second)
	}
	return out
}

// CumulativeStats returns process-lifetime totals.
func (a *Aggregator) CumulativeStats() Cumulative {
	a.mu.Lock()
	defer a.mu.Unlock()

	byType := make(map[string]int, len(a.byType))
	for k, v := range a.byType {
		byType[k] = v
	}
	return Cumulative{
		TotalEvents:  a.totalEvents,
		EventsByType: byType,
		TotalTokens:  a.totalTokens,
		TotalCost:    a.totalCost,
		Failures:     a.failures,
	}
}

// nearestRank returns the nearest-rank percentile of sorted values:
// index ⌈q·n⌉−1.
func nearestRank(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// deriveRecord extracts the aggregator's fields from an event.
func deriveRecord(e *events.Event) Record {
	rec := Record{
		Timestamp: e.Timestamp(),
		EventType: e.Type(),
		Agent:     e.StringField("agent.name"),
		Success:   true,
	}
	if d, ok := e.FloatField("duration_ms"); ok {
		rec.DurationMS = d
		rec.HasDuration = true
	}
	if tok, ok := e.FloatField("tokens"); ok {
		rec.Tokens = int(tok)
	}
	if c, ok := e.FloatField("cost"); ok {
		rec.Cost = c
	}
	switch e.Type() {
	case events.EventTypeAgentFailed, events.EventTypeToolFailed, events.EventTypeWorkflowFailed:
		rec.Success = false
	}
	return rec
}

// agentKey identifies an agent invocation across its open/close events.
func agentKey(e *events.Event) string {
	if tid := e.TraceID(); tid != "" {
		return tid
	}
	return e.SessionID() + "/" + e.StringField("agent.name")
}
