// Package fleet derives per-workflow execution state from the event stream.
//
// The tracker is a pure consumer: it subscribes to agent and workflow
// lifecycle events and rebuilds each workflow's execution order, running set,
// and per-agent records. Everything here is derived, not authoritative; the
// coordinator's Summary is the source of truth for outcomes.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/agentfleet/fleetd/pkg/events"
)

// Workflow statuses as seen by the tracker.
const (
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// Record statuses.
const (
	RecordRunning   = "running"
	RecordCompleted = "completed"
	RecordFailed    = "failed"
)

// ExecutionRecord is one agent run inside a workflow, rebuilt from events.
type ExecutionRecord struct {
	WorkflowID string    `json:"workflow_id"`
	Agent      string    `json:"agent_name"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	DurationMS float64   `json:"duration_ms"`
	Tokens     int       `json:"tokens,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// WorkflowView is a point-in-time snapshot of one workflow's derived state.
type WorkflowView struct {
	WorkflowID    string            `json:"workflow_id"`
	Status        string            `json:"status"`
	TaskCount     int               `json:"task_count"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitzero"`
	InvokeOrder   []string          `json:"invoke_order"`
	RunningAgents []string          `json:"running_agents"`
	Records       []ExecutionRecord `json:"records"`
}

// AgentStat aggregates one agent's runs across all workflows.
type AgentStat struct {
	Invocations   int     `json:"invocations"`
	Completions   int     `json:"completions"`
	Failures      int     `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// FleetStats is the aggregate view across all tracked workflows.
type FleetStats struct {
	ActiveWorkflows    int                  `json:"active_workflows"`
	CompletedWorkflows int                  `json:"completed_workflows"`
	FailedWorkflows    int                  `json:"failed_workflows"`
	Agents             map[string]AgentStat `json:"agents"`
	TotalTokens        int64                `json:"total_tokens"`
	TotalCost          float64              `json:"total_cost"`
}

// workflowState is the tracker's mutable per-workflow record.
type workflowState struct {
	id         string
	status     string
	taskCount  int
	startedAt  time.Time
	finishedAt time.Time
	order      []string
	running    map[string]bool
	records    []*ExecutionRecord
}

// agentTotals backs AgentStat.
type agentTotals struct {
	invocations     int
	completions     int
	failures        int
	totalDurationMS float64
}

// Tracker consumes workflow and agent lifecycle events.
type Tracker struct {
	mu        sync.Mutex
	workflows map[string]*workflowState
	agents    map[string]*agentTotals

	completed   int
	failed      int
	totalTokens int64
	totalCost   float64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		workflows: make(map[string]*workflowState),
		agents:    make(map[string]*agentTotals),
	}
}

// Attach subscribes the tracker's handlers on the bus.
func (t *Tracker) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventTypeWorkflowStarted, t.Handle)
	bus.Subscribe(events.EventTypeWorkflowCompleted, t.Handle)
	bus.Subscribe(events.EventTypeWorkflowFailed, t.Handle)
	bus.Subscribe(events.EventTypeAgentInvoked, t.Handle)
	bus.Subscribe(events.EventTypeAgentCompleted, t.Handle)
	bus.Subscribe(events.EventTypeAgentFailed, t.Handle)
}

// Handle dispatches one event into the tracker state.
func (t *Tracker) Handle(_ context.Context, e *events.Event) error {
	workflowID := e.StringField("workflow_id")
	if workflowID == "" {
		// Agent events outside a workflow are not the tracker's business.
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type() {
	case events.EventTypeWorkflowStarted:
		t.workflowStarted(workflowID, e)
	case events.EventTypeWorkflowCompleted:
		t.workflowEnded(workflowID, WorkflowCompleted, e)
	case events.EventTypeWorkflowFailed:
		t.workflowEnded(workflowID, WorkflowFailed, e)
	case events.EventTypeAgentInvoked:
		t.agentInvoked(workflowID, e)
	case events.EventTypeAgentCompleted:
		t.agentFinished(workflowID, RecordCompleted, e)
	case events.EventTypeAgentFailed:
		t.agentFinished(workflowID, RecordFailed, e)
	}
	return nil
}

func (t *Tracker) workflowStarted(id string, e *events.Event) {
	taskCount := 0
	if v, ok := e.FloatField("task_count"); ok {
		taskCount = int(v)
	}
	t.workflows[id] = &workflowState{
		id:        id,
		status:    WorkflowActive,
		taskCount: taskCount,
		startedAt: e.Timestamp(),
		running:   make(map[string]bool),
	}
}

func (t *Tracker) workflowEnded(id, status string, e *events.Event) {
	wf := t.ensure(id, e)
	if wf.status != WorkflowActive {
		return
	}
	wf.status = status
	wf.finishedAt = e.Timestamp()
	if status == WorkflowFailed {
		t.failed++
	} else {
		t.completed++
	}
}

func (t *Tracker) agentInvoked(id string, e *events.Event) {
	agent := e.StringField("agent.name")
	if agent == "" {
		return
	}
	wf := t.ensure(id, e)
	wf.order = append(wf.order, agent)
	wf.running[agent] = true
	wf.records = append(wf.records, &ExecutionRecord{
		WorkflowID: id,
		Agent:      agent,
		TaskID:     e.StringField("task_id"),
		Status:     RecordRunning,
		StartedAt:  e.Timestamp(),
	})
	t.totalsFor(agent).invocations++
}

func (t *Tracker) agentFinished(id, status string, e *events.Event) {
	agent := e.StringField("agent.name")
	if agent == "" {
		return
	}
	wf := t.ensure(id, e)
	delete(wf.running, agent)

	rec := wf.openRecord(agent)
	if rec == nil {
		// Completion without a matching invocation; synthesize a record so
		// the workflow's totals still add up.
		rec = &ExecutionRecord{WorkflowID: id, Agent: agent, StartedAt: e.Timestamp()}
		wf.records = append(wf.records, rec)
	}
	rec.Status = status
	rec.FinishedAt = e.Timestamp()
	if d, ok := e.FloatField("duration_ms"); ok {
		rec.DurationMS = d
	} else if !rec.StartedAt.IsZero() {
		rec.DurationMS = float64(rec.FinishedAt.Sub(rec.StartedAt)) / float64(time.Millisecond)
	}

	totals := t.totalsFor(agent)
	totals.totalDurationMS += rec.DurationMS
	if status == RecordFailed {
		totals.failures++
		rec.Error = e.StringField("error.message")
	} else {
		totals.completions++
		if v, ok := e.FloatField("tokens"); ok {
			rec.Tokens = int(v)
			t.totalTokens += int64(v)
		}
		if v, ok := e.FloatField("cost"); ok {
			rec.Cost = v
			t.totalCost += v
		}
	}
}

// ensure returns the workflow state, creating a placeholder when events
// arrive out of order (an agent.invoked before its workflow.started).
func (t *Tracker) ensure(id string, e *events.Event) *workflowState {
	wf, ok := t.workflows[id]
	if !ok {
		wf = &workflowState{
			id:        id,
			status:    WorkflowActive,
			startedAt: e.Timestamp(),
			running:   make(map[string]bool),
		}
		t.workflows[id] = wf
	}
	return wf
}

func (t *Tracker) totalsFor(agent string) *agentTotals {
	totals, ok := t.agents[agent]
	if !ok {
		totals = &agentTotals{}
		t.agents[agent] = totals
	}
	return totals
}

// openRecord finds the newest still-running record for agent.
func (wf *workflowState) openRecord(agent string) *ExecutionRecord {
	for i := len(wf.records) - 1; i >= 0; i-- {
		if wf.records[i].Agent == agent && wf.records[i].Status == RecordRunning {
			return wf.records[i]
		}
	}
	return nil
}

// Workflow returns a snapshot of one workflow's derived state.
func (t *Tracker) Workflow(id string) (WorkflowView, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wf, ok := t.workflows[id]
	if !ok {
		return WorkflowView{}, false
	}

	view := WorkflowView{
		WorkflowID:  wf.id,
		Status:      wf.status,
		TaskCount:   wf.taskCount,
		StartedAt:   wf.startedAt,
		FinishedAt:  wf.finishedAt,
		InvokeOrder: append([]string{}, wf.order...),
		Records:     make([]ExecutionRecord, 0, len(wf.records)),
	}
	for agent := range wf.running {
		view.RunningAgents = append(view.RunningAgents, agent)
	}
	for _, rec := range wf.records {
		view.Records = append(view.Records, *rec)
	}
	return view, true
}

// Stats returns the aggregate fleet view.
func (t *Tracker) Stats() FleetStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := FleetStats{
		CompletedWorkflows: t.completed,
		FailedWorkflows:    t.failed,
		Agents:             make(map[string]AgentStat, len(t.agents)),
		TotalTokens:        t.totalTokens,
		TotalCost:          t.totalCost,
	}
	for _, wf := range t.workflows {
		if wf.status == WorkflowActive {
			stats.ActiveWorkflows++
		}
	}
	for name, totals := range t.agents {
		stat := AgentStat{
			Invocations: totals.invocations,
			Completions: totals.completions,
			Failures:    totals.failures,
		}
		if finished := totals.completions + totals.failures; finished > 0 {
			stat.AvgDurationMS = totals.totalDurationMS / float64(finished)
		}
		stats.Agents[name] = stat
	}
	return stats
}
