package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
)

// Coordinator validates and executes workflows. One Coordinator serves many
// workflows concurrently; per-workflow state lives in the execution, not here.
type Coordinator struct {
	registry *Registry
	bus      *events.Bus
	cfg      *config.CoordinatorConfig

	mu      sync.Mutex
	running map[string]*workflowHandle
}

// workflowHandle tracks one in-flight workflow for cancellation and the
// budget-degradation marker.
type workflowHandle struct {
	cancel   context.CancelFunc
	degraded bool
}

// taskState is the mutable execution record behind one Task.
type taskState struct {
	task Task

	mu         sync.Mutex
	status     string
	result     any
	err        string
	errKind    string
	startedAt  time.Time
	finishedAt time.Time

	// done closes when the task reaches a terminal status. Dependents wait
	// on it before starting.
	done chan struct{}
}

// New creates a Coordinator publishing onto bus.
func New(registry *Registry, bus *events.Bus, cfg *config.CoordinatorConfig) *Coordinator {
	return &Coordinator{
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		running:  make(map[string]*workflowHandle),
	}
}

// Execute validates and runs one workflow, blocking until every task reaches
// a terminal status. Validation failures return an error before any task
// runs; execution outcomes (including FAILED and CANCELLED workflows) are
// reported through the Summary, not the error.
func (c *Coordinator) Execute(ctx context.Context, workflowID string, tasks []Task, sessionID string) (*Summary, error) {
	if err := c.validate(tasks); err != nil {
		return nil, err
	}

	wfCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &workflowHandle{cancel: cancel}
	c.mu.Lock()
	if _, exists := c.running[workflowID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkflowRunning, workflowID)
	}
	c.running[workflowID] = handle
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, workflowID)
		c.mu.Unlock()
	}()

	states := make(map[string]*taskState, len(tasks))
	ordered := make([]*taskState, len(tasks))
	for i, t := range tasks {
		st := &taskState{task: t, status: StatusPending, done: make(chan struct{})}
		states[t.ID] = st
		ordered[i] = st
	}

	maxParallel := c.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	start := time.Now()
	slog.Info("Workflow started", "workflow_id", workflowID, "tasks", len(tasks), "max_parallel", maxParallel)
	c.publish(events.EventTypeWorkflowStarted, sessionID, workflowID, events.WorkflowPayload{
		WorkflowID: workflowID,
		TaskCount:  len(tasks),
	})

	for _, phase := range PhaseOrder {
		var phaseTasks []*taskState
		for _, st := range ordered {
			if st.task.Phase == phase {
				phaseTasks = append(phaseTasks, st)
			}
		}
		if len(phaseTasks) == 0 {
			continue
		}

		c.publish(events.EventTypePhaseStarted, sessionID, workflowID, events.PhasePayload{
			WorkflowID: workflowID,
			Phase:      phase,
			TaskCount:  len(phaseTasks),
		})

		var wg sync.WaitGroup
		for _, st := range phaseTasks {
			wg.Add(1)
			go func(st *taskState) {
				defer wg.Done()
				c.runTask(wfCtx, sem, workflowID, sessionID, st, states)
			}(st)
		}
		wg.Wait()

		c.publish(events.EventTypePhaseCompleted, sessionID, workflowID, events.PhasePayload{
			WorkflowID: workflowID,
			Phase:      phase,
		})
	}

	summary := c.summarize(workflowID, handle, ordered, start)
	c.publishOutcome(sessionID, summary)
	return summary, nil
}

// Cancel requests cooperative cancellation of a running workflow: no new
// tasks start, in-flight agents see their context cancelled.
func (c *Coordinator) Cancel(workflowID string) error {
	c.mu.Lock()
	handle, ok := c.running[workflowID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	slog.Info("Workflow cancellation requested", "workflow_id", workflowID)
	handle.cancel()
	return nil
}

// MarkDegraded flags a running workflow as budget-degraded. Wired to
// model.degraded events by the runtime; the final Summary carries the flag.
func (c *Coordinator) MarkDegraded(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle, ok := c.running[workflowID]; ok {
		handle.degraded = true
	}
}

// Running returns the IDs of workflows currently executing.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.running))
	for id := range c.running {
		out = append(out, id)
	}
	return out
}

// runTask drives one task from PENDING to a terminal status.
func (c *Coordinator) runTask(ctx context.Context, sem *semaphore.Weighted, workflowID, sessionID string, st *taskState, states map[string]*taskState) {
	defer close(st.done)

	// Gate on predecessors. Dependencies are in the same or an earlier
	// phase, so every done channel here will eventually close.
	for _, dep := range st.task.DependsOn {
		pred := states[dep]
		select {
		case <-pred.done:
		case <-ctx.Done():
			st.finish(StatusCancelled, nil, "workflow cancelled", "Cancelled")
			return
		}
		if pred.currentStatus() != StatusCompleted {
			// Cascade: a failed or cancelled predecessor cancels the
			// dependent without invoking the agent.
			st.finish(StatusCancelled, nil, fmt.Sprintf("predecessor %s %s", dep, pred.currentStatus()), "Cascade")
			return
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		st.finish(StatusCancelled, nil, "workflow cancelled", "Cancelled")
		return
	}
	defer sem.Release(1)

	if ctx.Err() != nil {
		st.finish(StatusCancelled, nil, "workflow cancelled", "Cancelled")
		return
	}

	fn, ok := c.registry.Lookup(st.task.Agent)
	if !ok {
		// Validation checked this; the registry shrank since. Treat as a
		// task failure, not a crash.
		st.finish(StatusFailed, nil, fmt.Sprintf("agent %s not registered", st.task.Agent), "UnknownAgent")
		return
	}

	deps := make(map[string]any, len(st.task.DependsOn))
	for _, dep := range st.task.DependsOn {
		deps[dep] = states[dep].currentResult()
	}

	st.mu.Lock()
	st.status = StatusRunning
	st.startedAt = time.Now()
	st.mu.Unlock()

	c.publish(events.EventTypeAgentInvoked, sessionID, workflowID, events.AgentInvokedPayload{
		AgentName:  st.task.Agent,
		WorkflowID: workflowID,
		TaskID:     st.task.ID,
		InvokedBy:  "coordinator",
		Reason:     st.task.Phase,
	})

	taskCtx := ctx
	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}

	result, err := invokeAgent(taskCtx, fn, st.task.Spec, deps)
	duration := time.Since(st.startedAt)

	switch {
	case err == nil:
		st.finish(StatusCompleted, result, "", "")
		c.publish(events.EventTypeAgentCompleted, sessionID, workflowID, events.AgentCompletedPayload{
			AgentName:  st.task.Agent,
			DurationMS: float64(duration) / float64(time.Millisecond),
			WorkflowID: workflowID,
			TaskID:     st.task.ID,
		})
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		st.finish(StatusFailed, nil, err.Error(), "Timeout")
		c.publishFailure(sessionID, workflowID, st, "Timeout", err, duration)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The agent honoured workflow cancellation.
		st.finish(StatusCancelled, nil, "workflow cancelled", "Cancelled")
	default:
		st.finish(StatusFailed, nil, err.Error(), "TaskFailure")
		c.publishFailure(sessionID, workflowID, st, "TaskFailure", err, duration)
	}
}

// invokeAgent calls the handler, converting a panic into an error so one
// misbehaving agent cannot take the workflow down.
func invokeAgent(ctx context.Context, fn AgentFunc, spec any, deps map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return fn(ctx, spec, deps)
}

// summarize assembles the final Summary in input order and derives the
// workflow status: FAILED beats CANCELLED beats COMPLETED.
func (c *Coordinator) summarize(workflowID string, handle *workflowHandle, ordered []*taskState, start time.Time) *Summary {
	finish := time.Now()
	summary := &Summary{
		WorkflowID:  workflowID,
		Status:      StatusCompleted,
		StartedAt:   start,
		FinishedAt:  finish,
		WallClockMS: float64(finish.Sub(start)) / float64(time.Millisecond),
		Tasks:       make([]TaskResult, 0, len(ordered)),
	}

	anyFailed, anyCancelled := false, false
	for _, st := range ordered {
		st.mu.Lock()
		tr := TaskResult{
			TaskID:     st.task.ID,
			Agent:      st.task.Agent,
			Phase:      st.task.Phase,
			Status:     st.status,
			Result:     st.result,
			Error:      st.err,
			ErrorKind:  st.errKind,
			StartedAt:  st.startedAt,
			FinishedAt: st.finishedAt,
		}
		if !st.startedAt.IsZero() && !st.finishedAt.IsZero() {
			tr.DurationMS = float64(st.finishedAt.Sub(st.startedAt)) / float64(time.Millisecond)
		}
		st.mu.Unlock()

		switch tr.Status {
		case StatusFailed:
			anyFailed = true
		case StatusCancelled:
			anyCancelled = true
		}
		summary.Tasks = append(summary.Tasks, tr)
	}

	if anyFailed {
		summary.Status = StatusFailed
	} else if anyCancelled {
		summary.Status = StatusCancelled
	}

	c.mu.Lock()
	summary.Degraded = handle.degraded
	c.mu.Unlock()
	return summary
}

// publishOutcome emits workflow.completed or workflow.failed.
func (c *Coordinator) publishOutcome(sessionID string, summary *Summary) {
	eventType := events.EventTypeWorkflowCompleted
	payload := events.WorkflowPayload{
		WorkflowID: summary.WorkflowID,
		TaskCount:  len(summary.Tasks),
		Result:     summary.Status,
	}
	if summary.Status == StatusFailed {
		eventType = events.EventTypeWorkflowFailed
		payload.Severity = events.SeverityError
		for _, tr := range summary.Tasks {
			if tr.Status == StatusFailed {
				payload.Error = fmt.Sprintf("task %s: %s", tr.TaskID, tr.Error)
				break
			}
		}
	}
	slog.Info("Workflow finished",
		"workflow_id", summary.WorkflowID,
		"status", summary.Status,
		"wall_clock_ms", summary.WallClockMS,
		"degraded", summary.Degraded)
	c.publish(eventType, sessionID, summary.WorkflowID, payload)
}

// publish builds and publishes one event, using the workflow ID as the trace
// so every event of one workflow forms a causal chain.
func (c *Coordinator) publish(eventType, sessionID, workflowID string, payload any) {
	e, err := events.New(eventType, sessionID, workflowID, payload)
	if err != nil {
		slog.Error("Failed to build workflow event", "event_type", eventType, "workflow_id", workflowID, "error", err)
		return
	}
	c.bus.Publish(e)
}

func (c *Coordinator) publishFailure(sessionID, workflowID string, st *taskState, kind string, err error, duration time.Duration) {
	c.publish(events.EventTypeAgentFailed, sessionID, workflowID, events.AgentFailedPayload{
		AgentName:    st.task.Agent,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		DurationMS:   float64(duration) / float64(time.Millisecond),
		Severity:     events.SeverityError,
		WorkflowID:   workflowID,
		TaskID:       st.task.ID,
	})
}

// --- taskState helpers ---

// finish records a terminal status once; later calls are ignored.
func (st *taskState) finish(status string, result any, errMsg, errKind string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status == StatusCompleted || st.status == StatusFailed || st.status == StatusCancelled {
		return
	}
	st.status = status
	st.result = result
	st.err = errMsg
	st.errKind = errKind
	st.finishedAt = time.Now()
}

func (st *taskState) currentStatus() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

func (st *taskState) currentResult() any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.result
}
