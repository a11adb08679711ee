package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
	"github.com/agentfleet/fleetd/pkg/fleet"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/stream"
)

func setupTestServer(t *testing.T) (*Server, *httptest.Server, Deps) {
	t.Helper()

	cfg := config.DefaultConfig()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	aggregator := metrics.NewAggregator(cfg.Metrics.MaxRecords)
	aggregator.Attach(bus)
	manager := stream.NewManager(cfg.Streaming)
	manager.Attach(bus)
	tracker := fleet.NewTracker()
	tracker.Attach(bus)

	deps := Deps{
		Bus:        bus,
		Aggregator: aggregator,
		Stream:     manager,
		Tracker:    tracker,
	}
	server := NewServer(cfg, deps)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		manager.Shutdown()
		ts.Close()
	})
	return server, ts, deps
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp.StatusCode, out
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	code, body := getJSON(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	_, ts, deps := setupTestServer(t)

	e, err := events.New(events.EventTypeAgentInvoked, "sess-1", "", events.AgentInvokedPayload{AgentName: "scout"})
	require.NoError(t, err)
	deps.Bus.Publish(e)

	require.Eventually(t, func() bool {
		return deps.Aggregator.CumulativeStats().TotalEvents == 1
	}, 5*time.Second, 10*time.Millisecond)

	code, body := getJSON(t, ts.URL+"/api/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "bus")
	assert.Contains(t, body, "cumulative")
	assert.Contains(t, body, "streaming")
	assert.Contains(t, body, "fleet")
}

func TestMetricsSnapshotEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	code, body := getJSON(t, ts.URL+"/api/metrics?window=60")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "total_events")

	code, _ = getJSON(t, ts.URL+"/api/metrics?window=banana")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWorkflowEndpoint(t *testing.T) {
	_, ts, deps := setupTestServer(t)

	e, err := events.New(events.EventTypeWorkflowStarted, "sess-1", "", events.WorkflowPayload{
		WorkflowID: "wf-api", TaskCount: 2,
	})
	require.NoError(t, err)
	deps.Bus.Publish(e)

	require.Eventually(t, func() bool {
		_, ok := deps.Tracker.Workflow("wf-api")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	code, body := getJSON(t, ts.URL+"/api/workflows/wf-api")
	assert.Equal(t, http.StatusOK, code)
	wf := body["workflow"].(map[string]any)
	assert.Equal(t, "wf-api", wf["workflow_id"])
	assert.Equal(t, "active", wf["status"])

	code, _ = getJSON(t, ts.URL+"/api/workflows/ghost")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventTypesEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	code, body := getJSON(t, ts.URL+"/api/events/types")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(events.Version), body["v"])
	assert.Len(t, body["event_types"].([]any), 24)
}

func TestPrometheusEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fleetd_events_published_total")
}

func TestWebSocketEndpointStreamsEvents(t *testing.T) {
	_, ts, deps := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	sub, err := json.Marshal(stream.ClientMessage{Type: "subscribe"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))

	require.Eventually(t, func() bool {
		for _, client := range deps.Stream.Stats().Clients {
			if client.State == stream.StateSubscribed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	e, err := events.New(events.EventTypeAgentInvoked, "sess-ws", "", events.AgentInvokedPayload{AgentName: "scout"})
	require.NoError(t, err)
	deps.Bus.Publish(e)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "event", frame["type"])
	assert.Equal(t, events.EventTypeAgentInvoked, frame["event"].(map[string]any)["event_type"])
}
