// Package runtime wires the fleetd components together and manages their
// lifecycle. Components are constructed with explicit references; the
// process-wide singleton registry in registry.go is a thin layer for hosts
// that want global accessors.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentfleet/fleetd/pkg/api"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/coordinator"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/fleet"
	"github.com/agentfleet/fleetd/pkg/journal"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/router"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/stream"
)

// Components holds every wired fleetd component. Fields are nil only for
// optional sinks that were not configured.
type Components struct {
	Config      *config.Config
	Bus         *events.Bus
	Aggregator  *metrics.Aggregator
	Stream      *stream.Manager
	Router      *router.Router
	RouterSub   *router.Subscriber
	Registry    *coordinator.Registry
	Coordinator *coordinator.Coordinator
	Tracker     *fleet.Tracker
	Journal     *journal.Journal
	Store       *store.Store
	Server      *api.Server
}

// Initialize constructs and wires every component from configuration.
// Subscribers are attached before the function returns, so the first
// published event reaches every sink.
func Initialize(ctx context.Context, cfg *config.Config) (*Components, error) {
	bus := events.NewBus()

	aggregator := metrics.NewAggregator(cfg.Metrics.MaxRecords)
	aggregator.Attach(bus)

	streamManager := stream.NewManager(cfg.Streaming)
	streamManager.Attach(bus)

	modelRouter, err := router.New(cfg)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("building router: %w", err)
	}
	routerSub := router.NewSubscriber(modelRouter, bus)
	routerSub.Attach()

	agentRegistry := coordinator.NewRegistry()
	coord := coordinator.New(agentRegistry, bus, cfg.Coordinator)

	// Budget degradation surfaces on the workflow summary.
	bus.Subscribe(events.EventTypeModelDegraded, func(_ context.Context, e *events.Event) error {
		if workflowID := e.StringField("workflow_id"); workflowID != "" {
			coord.MarkDegraded(workflowID)
		}
		return nil
	})

	tracker := fleet.NewTracker()
	tracker.Attach(bus)

	c := &Components{
		Config:      cfg,
		Bus:         bus,
		Aggregator:  aggregator,
		Stream:      streamManager,
		Router:      modelRouter,
		RouterSub:   routerSub,
		Registry:    agentRegistry,
		Coordinator: coord,
		Tracker:     tracker,
	}

	if cfg.Storage != nil && cfg.Storage.JournalDir != "" {
		j, err := journal.New(cfg.Storage.JournalDir, cfg.Storage.JournalMaxBytes)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		j.Attach(bus)
		c.Journal = j
	}

	if cfg.Storage != nil && cfg.Storage.DatabaseURL != "" {
		if err := store.Migrate(cfg.Storage.DatabaseURL); err != nil {
			c.close()
			return nil, fmt.Errorf("migrating query store: %w", err)
		}
		st, err := store.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("connecting query store: %w", err)
		}
		st.Attach(bus)
		c.Store = st
	}

	c.Server = api.NewServer(cfg, api.Deps{
		Bus:         bus,
		Aggregator:  aggregator,
		Stream:      streamManager,
		Router:      modelRouter,
		Tracker:     tracker,
		Coordinator: coord,
	})

	slog.Info("Runtime initialized",
		"journal", c.Journal != nil,
		"query_store", c.Store != nil,
		"max_connections", cfg.Streaming.MaxConnections)
	return c, nil
}

// Shutdown stops everything in reverse dependency order: HTTP surface first,
// then the bus (flushing subscriber mailboxes), then the sinks.
func (c *Components) Shutdown(ctx context.Context) {
	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown failed", "error", err)
		}
	}
	for _, id := range c.Coordinator.Running() {
		if err := c.Coordinator.Cancel(id); err != nil {
			slog.Warn("Workflow cancellation during shutdown failed", "workflow_id", id, "error", err)
		}
	}
	c.Bus.Close()
	c.close()
	slog.Info("Runtime stopped")
}

// close releases the storage sinks.
func (c *Components) close() {
	if c.Journal != nil {
		c.Journal.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
}
