package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentfleet/fleetd/pkg/events"
)

// Collector exposes bus and aggregator counters to Prometheus. It reads the
// live stats on every scrape, so no extra bookkeeping happens on the hot path.
type Collector struct {
	bus *events.Bus
	agg *Aggregator

	eventsPublished *prometheus.Desc
	handlerErrors   *prometheus.Desc
	eventsByType    *prometheus.Desc
	activeAgents    *prometheus.Desc
	activeWorkflows *prometheus.Desc
	totalTokens     *prometheus.Desc
	totalCost       *prometheus.Desc
}

// NewCollector creates a collector over the given bus and aggregator.
func NewCollector(bus *events.Bus, agg *Aggregator) *Collector {
	return &Collector{
		bus: bus,
		agg: agg,
		eventsPublished: prometheus.NewDesc("fleetd_events_published_total",
			"Events published on the bus.", nil, nil),
		handlerErrors: prometheus.NewDesc("fleetd_handler_errors_total",
			"Subscriber handler failures swallowed by the bus.", nil, nil),
		eventsByType: prometheus.NewDesc("fleetd_events_total",
			"Events recorded by the aggregator, by type.", []string{"event_type"}, nil),
		activeAgents: prometheus.NewDesc("fleetd_agents_active",
			"Agents currently between invoked and completed/failed.", nil, nil),
		activeWorkflows: prometheus.NewDesc("fleetd_workflows_active",
			"Workflows currently running.", nil, nil),
		totalTokens: prometheus.NewDesc("fleetd_tokens_total",
			"Tokens consumed across all sessions.", nil, nil),
		totalCost: prometheus.NewDesc("fleetd_cost_total",
			"Cost units recorded across all sessions.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsPublished
	ch <- c.handlerErrors
	ch <- c.eventsByType
	ch <- c.activeAgents
	ch <- c.activeWorkflows
	ch <- c.totalTokens
	ch <- c.totalCost
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	bus := c.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.eventsPublished, prometheus.CounterValue, float64(bus.EventsPublished))
	ch <- prometheus.MustNewConstMetric(c.handlerErrors, prometheus.CounterValue, float64(bus.HandlerErrors))

	cum := c.agg.CumulativeStats()
	for eventType, n := range cum.EventsByType {
		ch <- prometheus.MustNewConstMetric(c.eventsByType, prometheus.CounterValue, float64(n), eventType)
	}
	ch <- prometheus.MustNewConstMetric(c.totalTokens, prometheus.CounterValue, float64(cum.TotalTokens))
	ch <- prometheus.MustNewConstMetric(c.totalCost, prometheus.CounterValue, cum.TotalCost)

	// Active counts come from the zero-window snapshot path.
	snap := c.agg.Snapshot(0)
	ch <- prometheus.MustNewConstMetric(c.activeAgents, prometheus.GaugeValue, float64(snap.AgentsActive))
	ch <- prometheus.MustNewConstMetric(c.activeWorkflows, prometheus.GaugeValue, float64(snap.WorkflowsActive))
}
