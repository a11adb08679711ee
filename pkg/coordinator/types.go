// Package coordinator executes dependency-ordered agent workflows.
//
// A workflow is a set of tasks split across the Scout, Plan, and Build
// phases. Phases run in order; within a phase, tasks whose dependencies have
// completed run concurrently up to the configured parallelism bound. Every
// state transition is published to the event bus, so the metrics aggregator,
// fleet tracker, and streaming subscribers observe workflow progress without
// being coupled to the coordinator.
package coordinator

import (
	"context"
	"errors"
	"time"
)

// Workflow phases, in execution order.
const (
	PhaseScout = "SCOUT"
	PhasePlan  = "PLAN"
	PhaseBuild = "BUILD"
)

// PhaseOrder lists the phases in execution order.
var PhaseOrder = []string{PhaseScout, PhasePlan, PhaseBuild}

// Task statuses. Completed, Failed, and Cancelled are terminal; a task never
// leaves a terminal status.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Validation and execution errors.
var (
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCircularDependency = errors.New("circular dependency")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrDuplicateTask      = errors.New("duplicate task id")
	ErrPhaseDependency    = errors.New("dependency on a later phase")
	ErrEmptyWorkflow      = errors.New("workflow has no tasks")
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowRunning    = errors.New("workflow already running")
)

// AgentFunc is a registered agent handler. It receives the task's opaque
// spec and a read-only view of its predecessors' results keyed by task ID.
// The handler is expected to honour ctx cancellation; the coordinator never
// forcibly aborts it.
type AgentFunc func(ctx context.Context, spec any, deps map[string]any) (any, error)

// Task is one unit of work inside a workflow.
type Task struct {
	// ID is unique within the workflow.
	ID string `json:"task_id"`

	// Agent names the registered handler to invoke.
	Agent string `json:"agent_name"`

	// Phase is one of SCOUT, PLAN, BUILD.
	Phase string `json:"phase"`

	// Spec is handed to the agent handler unchanged.
	Spec any `json:"spec,omitempty"`

	// DependsOn lists task IDs that must complete before this one starts.
	// Dependencies may not point at a later phase.
	DependsOn []string `json:"depends_on,omitempty"`
}

// TaskResult is the final record of one task.
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	Agent      string    `json:"agent_name"`
	Phase      string    `json:"phase"`
	Status     string    `json:"status"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	DurationMS float64   `json:"duration_ms"`
}

// Summary is the structured workflow outcome returned to the caller. Task
// results appear in the workflow's input order.
type Summary struct {
	WorkflowID  string       `json:"workflow_id"`
	Status      string       `json:"status"`
	Degraded    bool         `json:"degraded"`
	Tasks       []TaskResult `json:"tasks"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	WallClockMS float64      `json:"wall_clock_ms"`
}
