package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
)

// publish builds and publishes one event onto the app bus, waiting until
// every subscriber has handled it so follow-up events see updated state.
func publish(t *testing.T, app *TestApp, eventType, sessionID string, payload any) {
	t.Helper()
	e, err := events.New(eventType, sessionID, "", payload)
	require.NoError(t, err)
	require.NoError(t, app.Runtime.Bus.PublishAndWait(context.Background(), e))
}

// An agent invocation with routing hints yields a model.selected answer on
// the stream: a mid-complexity task lands on the base tier's free model.
func TestE2E_ModelSelection(t *testing.T) {
	app := NewTestApp(t)
	ws := app.WSConnect(t)

	publish(t, app, events.EventTypeAgentInvoked, "sess-route", events.AgentInvokedPayload{
		AgentName:     "reviewer",
		TaskType:      "code_review",
		ContextTokens: 1_000,
	})

	selected, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == events.EventTypeModelSelected && e.Payload["agent.name"] == "reviewer"
	}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", selected.Payload["model"])
	assert.Equal(t, config.TierBase, selected.Payload["tier"])
	assert.Equal(t, "complexity", selected.Payload["routing_reason"])
	assert.Equal(t, true, selected.Payload["free_tier"])
	assert.Equal(t, "sess-route", selected.SessionID)
}

// After a session's budget is exhausted, routing is forced onto free models:
// a task that scores strong is served from a lower tier and the downgrade is
// announced as model.degraded.
func TestE2E_BudgetDegradation(t *testing.T) {
	app := NewTestApp(t)
	ws := app.WSConnect(t)

	publish(t, app, events.EventTypeCostBudgetExceeded, "sess-broke", events.CostPayload{
		SessionID:  "sess-broke",
		Amount:     4.0,
		Currency:   "USD",
		Cumulative: 102.0,
		Budget:     100.0,
		Severity:   events.SeverityCritical,
	})

	// architecture_design scores into the strong tier, which has no free
	// model in the default config.
	publish(t, app, events.EventTypeAgentInvoked, "sess-broke", events.AgentInvokedPayload{
		AgentName: "architect",
		TaskType:  "architecture_design",
	})

	selected, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == events.EventTypeModelSelected && e.Payload["agent.name"] == "architect"
	}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", selected.Payload["model"])
	assert.Equal(t, config.TierBase, selected.Payload["tier"])
	assert.Equal(t, "budget_free_only", selected.Payload["routing_reason"])
	assert.Equal(t, true, selected.Payload["free_tier"])

	degraded, err := ws.WaitForEventType(events.EventTypeModelDegraded, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, config.TierBase, degraded.Payload["to_tier"])
	assert.Equal(t, "sess-broke", degraded.SessionID)

	// An unaffected session still routes normally.
	publish(t, app, events.EventTypeAgentInvoked, "sess-solvent", events.AgentInvokedPayload{
		AgentName: "architect",
		TaskType:  "architecture_design",
	})
	normal, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == events.EventTypeModelSelected && e.SessionID == "sess-solvent"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", normal.Payload["model"])
	assert.Equal(t, config.TierStrong, normal.Payload["tier"])
}

// Repeated quality failures at a tier push the next selection of that task
// type one tier up.
func TestE2E_FailureHistoryUpgrade(t *testing.T) {
	app := NewTestApp(t)
	ws := app.WSConnect(t)

	invoke := func() {
		publish(t, app, events.EventTypeAgentInvoked, "sess-flaky", events.AgentInvokedPayload{
			AgentName: "reviewer",
			TaskType:  "code_review",
		})
	}
	fail := func() {
		publish(t, app, events.EventTypeAgentFailed, "sess-flaky", events.AgentFailedPayload{
			AgentName:    "reviewer",
			TaskType:     "code_review",
			ErrorKind:    "BadOutput",
			ErrorMessage: "review missed the regression",
			Cause:        "quality",
		})
	}

	invoke()
	fail()
	invoke()
	fail()

	_, err := ws.WaitForEventType(events.EventTypeModelTierUpgraded, 5*time.Second)
	require.NoError(t, err)

	invoke()
	upgraded, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == events.EventTypeModelSelected && e.Payload["routing_reason"] == "failure_history"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, config.TierStrong, upgraded.Payload["tier"])
}
