// Package events defines the closed v1 event catalog, the immutable Event
// envelope, and the in-process Bus that every fleetd component stands on.
//
// Publishers construct events with New (or a typed payload builder from
// payloads.go) and hand them to the Bus. The Bus dispatches each event to
// every handler subscribed to its type: handlers for one event run
// concurrently with each other, but each individual handler observes events
// in publish order. Handler failures are counted and swallowed; they are
// never surfaced to the publisher.
package events

// Version is the wire version tag attached to serialized events.
const Version = 1

// Agent lifecycle.
const (
	EventTypeAgentInvoked   = "agent.invoked"
	EventTypeAgentCompleted = "agent.completed"
	EventTypeAgentFailed    = "agent.failed"
)

// Tool lifecycle.
const (
	EventTypeToolInvoked   = "tool.invoked"
	EventTypeToolCompleted = "tool.completed"
	EventTypeToolFailed    = "tool.failed"
)

// Workflow lifecycle.
const (
	EventTypeWorkflowStarted   = "workflow.started"
	EventTypeWorkflowCompleted = "workflow.completed"
	EventTypeWorkflowFailed    = "workflow.failed"
)

// Phase lifecycle.
const (
	EventTypePhaseStarted   = "phase.started"
	EventTypePhaseCompleted = "phase.completed"
)

// Model routing.
const (
	EventTypeModelSelected     = "model.selected"
	EventTypeModelTierUpgraded = "model.tier_upgraded"
	EventTypeModelDegraded     = "model.degraded"
)

// Cost tracking.
const (
	EventTypeCostRecorded       = "cost.recorded"
	EventTypeCostBudgetWarning  = "cost.budget_warning"
	EventTypeCostBudgetExceeded = "cost.budget_exceeded"
)

// Snapshots.
const (
	EventTypeSnapshotCreated  = "snapshot.created"
	EventTypeSnapshotRestored = "snapshot.restored"
)

// Session lifecycle.
const (
	EventTypeSessionStarted      = "session.started"
	EventTypeSessionEnded        = "session.ended"
	EventTypeSessionTokenWarning = "session.token_warning"
)

// Errors.
const (
	EventTypeErrorRaised    = "error.raised"
	EventTypeErrorRecovered = "error.recovered"
)

// Severity values carried in the payload "severity" field. A missing tag is
// treated as SeverityInfo by consumers (notably the streaming severity filter).
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// catalog is the closed set of publishable event types.
var catalog = map[string]bool{
	EventTypeAgentInvoked:        true,
	EventTypeAgentCompleted:      true,
	EventTypeAgentFailed:         true,
	EventTypeToolInvoked:         true,
	EventTypeToolCompleted:       true,
	EventTypeToolFailed:          true,
	EventTypeWorkflowStarted:     true,
	EventTypeWorkflowCompleted:   true,
	EventTypeWorkflowFailed:      true,
	EventTypePhaseStarted:        true,
	EventTypePhaseCompleted:      true,
	EventTypeModelSelected:       true,
	EventTypeModelTierUpgraded:   true,
	EventTypeModelDegraded:       true,
	EventTypeCostRecorded:        true,
	EventTypeCostBudgetWarning:   true,
	EventTypeCostBudgetExceeded:  true,
	EventTypeSnapshotCreated:     true,
	EventTypeSnapshotRestored:    true,
	EventTypeSessionStarted:      true,
	EventTypeSessionEnded:        true,
	EventTypeSessionTokenWarning: true,
	EventTypeErrorRaised:         true,
	EventTypeErrorRecovered:      true,
}

// KnownType reports whether eventType is in the closed v1 catalog.
func KnownType(eventType string) bool {
	return catalog[eventType]
}

// Types returns the full catalog. The returned slice is a fresh copy.
func Types() []string {
	out := make([]string, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	return out
}
