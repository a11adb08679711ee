package events

// Typed payload structs for the documented minimal field sets. Each struct
// marshals to the payload map of its event type; extra fields added by other
// publishers are preserved opaquely by the Event envelope.

// AgentInvokedPayload is the payload for agent.invoked events.
type AgentInvokedPayload struct {
	AgentName     string   `json:"agent.name"`
	TaskType      string   `json:"task_type,omitempty"`
	ContextTokens int      `json:"context_tokens,omitempty"`
	Files         []string `json:"files,omitempty"`
	InvokedBy     string   `json:"invoked_by,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	WorkflowID    string   `json:"workflow_id,omitempty"`
	TaskID        string   `json:"task_id,omitempty"`
}

// AgentCompletedPayload is the payload for agent.completed events.
type AgentCompletedPayload struct {
	AgentName  string  `json:"agent.name"`
	DurationMS float64 `json:"duration_ms"`
	Tokens     int     `json:"tokens,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	Model      string  `json:"model,omitempty"`
	WorkflowID string  `json:"workflow_id,omitempty"`
	TaskID     string  `json:"task_id,omitempty"`
}

// AgentFailedPayload is the payload for agent.failed events.
type AgentFailedPayload struct {
	AgentName    string  `json:"agent.name"`
	ErrorKind    string  `json:"error.kind"`
	ErrorMessage string  `json:"error.message"`
	DurationMS   float64 `json:"duration_ms"`
	Cause        string  `json:"cause,omitempty"`
	TaskType     string  `json:"task_type,omitempty"`
	Severity     string  `json:"severity,omitempty"`
	WorkflowID   string  `json:"workflow_id,omitempty"`
	TaskID       string  `json:"task_id,omitempty"`
}

// ModelSelectedPayload is the payload for model.selected events.
type ModelSelectedPayload struct {
	Model           string `json:"model"`
	Tier            string `json:"tier"`
	ComplexityScore int    `json:"complexity_score"`
	RoutingReason   string `json:"routing_reason"`
	FreeTier        bool   `json:"free_tier"`
	AgentName       string `json:"agent.name,omitempty"`
}

// TierChangePayload is the payload for model.tier_upgraded and model.degraded.
type TierChangePayload struct {
	TaskType string `json:"task_type,omitempty"`
	FromTier string `json:"from_tier"`
	ToTier   string `json:"to_tier"`
	Reason   string `json:"reason"`
}

// WorkflowPayload is the payload for workflow.* events.
type WorkflowPayload struct {
	WorkflowID string `json:"workflow_id"`
	TaskCount  int    `json:"task_count"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Severity   string `json:"severity,omitempty"`
}

// PhasePayload is the payload for phase.started and phase.completed events.
type PhasePayload struct {
	WorkflowID string `json:"workflow_id"`
	Phase      string `json:"phase"`
	TaskCount  int    `json:"task_count,omitempty"`
}

// CostPayload is the payload for cost.* events.
type CostPayload struct {
	SessionID  string  `json:"session_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Cumulative float64 `json:"cumulative"`
	Budget     float64 `json:"budget"`
	Severity   string  `json:"severity,omitempty"`
}

// ErrorPayload is the payload for error.raised and error.recovered events.
type ErrorPayload struct {
	Kind     string `json:"error.kind"`
	Message  string `json:"error.message"`
	Source   string `json:"source,omitempty"`
	Severity string `json:"severity,omitempty"`
}
