package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/events"
)

func testCoordinator(t *testing.T, cfg *config.CoordinatorConfig) (*Coordinator, *Registry, *events.Bus) {
	t.Helper()
	if cfg == nil {
		cfg = &config.CoordinatorConfig{MaxParallel: 4}
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	registry := NewRegistry()
	return New(registry, bus, cfg), registry, bus
}

// sleepAgent returns a handler that sleeps then echoes its spec.
func sleepAgent(d time.Duration) AgentFunc {
	return func(ctx context.Context, spec any, _ map[string]any) (any, error) {
		select {
		case <-time.After(d):
			return spec, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestExecuteSequentialScoutPlanBuild(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) AgentFunc {
		return func(_ context.Context, spec any, deps map[string]any) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return name + "-result", nil
		}
	}
	require.NoError(t, registry.Register("scout", record("scout")))
	require.NoError(t, registry.Register("planner", record("planner")))
	require.NoError(t, registry.Register("builder", record("builder")))

	summary, err := c.Execute(context.Background(), "wf-1", []Task{
		{ID: "scout_1", Agent: "scout", Phase: PhaseScout},
		{ID: "plan_1", Agent: "planner", Phase: PhasePlan, DependsOn: []string{"scout_1"}},
		{ID: "build_1", Agent: "builder", Phase: PhaseBuild, DependsOn: []string{"plan_1"}},
	}, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, summary.Status)
	require.Len(t, summary.Tasks, 3)
	for _, tr := range summary.Tasks {
		assert.Equal(t, StatusCompleted, tr.Status)
		assert.False(t, tr.StartedAt.IsZero())
		assert.False(t, tr.FinishedAt.IsZero())
	}
	assert.Equal(t, []string{"scout", "planner", "builder"}, order)

	// Strictly sequential: each start at or after the predecessor's finish.
	assert.True(t, !summary.Tasks[1].StartedAt.Before(summary.Tasks[0].FinishedAt))
	assert.True(t, !summary.Tasks[2].StartedAt.Before(summary.Tasks[1].FinishedAt))
}

func TestExecuteParallelFanOut(t *testing.T) {
	c, registry, _ := testCoordinator(t, &config.CoordinatorConfig{MaxParallel: 4})

	require.NoError(t, registry.Register("scout", sleepAgent(30*time.Millisecond)))
	require.NoError(t, registry.Register("planner", sleepAgent(5*time.Millisecond)))
	require.NoError(t, registry.Register("builder", sleepAgent(5*time.Millisecond)))

	summary, err := c.Execute(context.Background(), "wf-fanout", []Task{
		{ID: "scout_a", Agent: "scout", Phase: PhaseScout},
		{ID: "scout_b", Agent: "scout", Phase: PhaseScout},
		{ID: "plan", Agent: "planner", Phase: PhasePlan, DependsOn: []string{"scout_a", "scout_b"}},
		{ID: "build", Agent: "builder", Phase: PhaseBuild, DependsOn: []string{"plan"}},
	}, "sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)

	byID := make(map[string]TaskResult)
	for _, tr := range summary.Tasks {
		byID[tr.TaskID] = tr
	}

	// The two scouts overlap in time.
	a, b := byID["scout_a"], byID["scout_b"]
	assert.True(t, a.StartedAt.Before(b.FinishedAt) && b.StartedAt.Before(a.FinishedAt),
		"scout_a and scout_b must run concurrently")

	// plan starts only after both scouts finished.
	plan := byID["plan"]
	assert.True(t, !plan.StartedAt.Before(a.FinishedAt))
	assert.True(t, !plan.StartedAt.Before(b.FinishedAt))
}

func TestExecuteParallelismBound(t *testing.T) {
	c, registry, _ := testCoordinator(t, &config.CoordinatorConfig{MaxParallel: 1})

	var mu sync.Mutex
	running, peak := 0, 0
	require.NoError(t, registry.Register("scout", func(ctx context.Context, _ any, _ map[string]any) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}))

	tasks := make([]Task, 4)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprintf("s%d", i), Agent: "scout", Phase: PhaseScout}
	}
	_, err := c.Execute(context.Background(), "wf-bound", tasks, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, peak, "max_parallel=1 must serialize the phase")
}

func TestExecuteRejectsCycle(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)
	invoked := false
	require.NoError(t, registry.Register("scout", func(context.Context, any, map[string]any) (any, error) {
		invoked = true
		return nil, nil
	}))

	_, err := c.Execute(context.Background(), "wf-cycle", []Task{
		{ID: "t1", Agent: "scout", Phase: PhaseScout, DependsOn: []string{"t2"}},
		{ID: "t2", Agent: "scout", Phase: PhaseScout, DependsOn: []string{"t1"}},
	}, "sess-1")

	require.ErrorIs(t, err, ErrCircularDependency)
	assert.Contains(t, err.Error(), "t1 -> t2 -> t1")
	assert.False(t, invoked, "no agent may run when validation fails")
}

func TestExecuteRejectsUnknownDependency(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)
	require.NoError(t, registry.Register("scout", sleepAgent(0)))

	_, err := c.Execute(context.Background(), "wf", []Task{
		{ID: "t1", Agent: "scout", Phase: PhaseScout, DependsOn: []string{"ghost"}},
	}, "sess-1")
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestExecuteRejectsUnknownAgent(t *testing.T) {
	c, _, _ := testCoordinator(t, nil)
	_, err := c.Execute(context.Background(), "wf", []Task{
		{ID: "t1", Agent: "nobody", Phase: PhaseScout},
	}, "sess-1")
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestExecuteRejectsDuplicateTaskID(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)
	require.NoError(t, registry.Register("scout", sleepAgent(0)))
	_, err := c.Execute(context.Background(), "wf", []Task{
		{ID: "t1", Agent: "scout", Phase: PhaseScout},
		{ID: "t1", Agent: "scout", Phase: PhaseScout},
	}, "sess-1")
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestExecuteRejectsForwardPhaseDependency(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)
	require.NoError(t, registry.Register("scout", sleepAgent(0)))
	require.NoError(t, registry.Register("builder", sleepAgent(0)))

	_, err := c.Execute(context.Background(), "wf", []Task{
		{ID: "s", Agent: "scout", Phase: PhaseScout, DependsOn: []string{"b"}},
		{ID: "b", Agent: "builder", Phase: PhaseBuild},
	}, "sess-1")
	require.ErrorIs(t, err, ErrPhaseDependency)
}

func TestExecuteFailureCascadesAsCancelled(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)

	require.NoError(t, registry.Register("scout", func(context.Context, any, map[string]any) (any, error) {
		return nil, errors.New("scout blew up")
	}))
	builderRan := false
	require.NoError(t, registry.Register("builder", func(context.Context, any, map[string]any) (any, error) {
		builderRan = true
		return nil, nil
	}))

	summary, err := c.Execute(context.Background(), "wf-cascade", []Task{
		{ID: "s", Agent: "scout", Phase: PhaseScout},
		{ID: "b1", Agent: "builder", Phase: PhaseBuild, DependsOn: []string{"s"}},
		{ID: "b2", Agent: "builder", Phase: PhaseBuild, DependsOn: []string{"b1"}},
	}, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, StatusFailed, summary.Tasks[0].Status)
	assert.Equal(t, "scout blew up", summary.Tasks[0].Error)
	assert.Equal(t, StatusCancelled, summary.Tasks[1].Status)
	assert.Equal(t, StatusCancelled, summary.Tasks[2].Status)
	assert.False(t, builderRan, "cascaded tasks must not invoke their agent")
}

func TestExecuteFailureDoesNotAffectSiblings(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)

	require.NoError(t, registry.Register("bad", func(context.Context, any, map[string]any) (any, error) {
		return nil, errors.New("nope")
	}))
	require.NoError(t, registry.Register("good", sleepAgent(5*time.Millisecond)))

	summary, err := c.Execute(context.Background(), "wf-siblings", []Task{
		{ID: "bad", Agent: "bad", Phase: PhaseScout},
		{ID: "good", Agent: "good", Phase: PhaseScout},
	}, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, StatusFailed, summary.Tasks[0].Status)
	assert.Equal(t, StatusCompleted, summary.Tasks[1].Status)
}

func TestExecuteTaskTimeout(t *testing.T) {
	c, registry, _ := testCoordinator(t, &config.CoordinatorConfig{
		MaxParallel: 2,
		TaskTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, registry.Register("slow", sleepAgent(5*time.Second)))

	summary, err := c.Execute(context.Background(), "wf-timeout", []Task{
		{ID: "t", Agent: "slow", Phase: PhaseScout},
	}, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, StatusFailed, summary.Tasks[0].Status)
	assert.Equal(t, "Timeout", summary.Tasks[0].ErrorKind)
}

func TestExecutePanicBecomesTaskFailure(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)
	require.NoError(t, registry.Register("bomb", func(context.Context, any, map[string]any) (any, error) {
		panic("boom")
	}))

	summary, err := c.Execute(context.Background(), "wf-panic", []Task{
		{ID: "t", Agent: "bomb", Phase: PhaseScout},
	}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, summary.Tasks[0].Status)
	assert.Contains(t, summary.Tasks[0].Error, "boom")
}

func TestCancelStopsPendingTasks(t *testing.T) {
	c, registry, _ := testCoordinator(t, &config.CoordinatorConfig{MaxParallel: 1})

	var once sync.Once
	started := make(chan struct{})
	require.NoError(t, registry.Register("scout", func(ctx context.Context, _ any, _ map[string]any) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.Execute(context.Background(), "wf-cancel", []Task{
			{ID: "first", Agent: "scout", Phase: PhaseScout, Spec: "first"},
			{ID: "second", Agent: "scout", Phase: PhaseScout, Spec: "second"},
		}, "sess-1")
		done <- result{s, err}
	}()

	<-started
	require.NoError(t, c.Cancel("wf-cancel"))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusCancelled, res.summary.Status)
	for _, tr := range res.summary.Tasks {
		assert.Equal(t, StatusCancelled, tr.Status)
	}
}

func TestCancelUnknownWorkflow(t *testing.T) {
	c, _, _ := testCoordinator(t, nil)
	require.ErrorIs(t, c.Cancel("nope"), ErrWorkflowNotFound)
}

func TestExecuteDependencyResultsArePassedDown(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)

	require.NoError(t, registry.Register("scout", func(context.Context, any, map[string]any) (any, error) {
		return "map of the territory", nil
	}))
	var seen map[string]any
	require.NoError(t, registry.Register("planner", func(_ context.Context, _ any, deps map[string]any) (any, error) {
		seen = deps
		return nil, nil
	}))

	_, err := c.Execute(context.Background(), "wf-deps", []Task{
		{ID: "s", Agent: "scout", Phase: PhaseScout},
		{ID: "p", Agent: "planner", Phase: PhasePlan, DependsOn: []string{"s"}},
	}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"s": "map of the territory"}, seen)
}

func TestExecuteEmitsWorkflowAndPhaseEvents(t *testing.T) {
	c, registry, bus := testCoordinator(t, nil)
	require.NoError(t, registry.Register("scout", sleepAgent(0)))

	var mu sync.Mutex
	var seen []string
	for _, et := range []string{
		events.EventTypeWorkflowStarted, events.EventTypeWorkflowCompleted,
		events.EventTypePhaseStarted, events.EventTypePhaseCompleted,
	} {
		bus.Subscribe(et, func(_ context.Context, e *events.Event) error {
			mu.Lock()
			seen = append(seen, e.Type())
			mu.Unlock()
			return nil
		})
	}

	_, err := c.Execute(context.Background(), "wf-events", []Task{
		{ID: "s", Agent: "scout", Phase: PhaseScout},
	}, "sess-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, events.EventTypeWorkflowStarted)
	assert.Contains(t, seen, events.EventTypePhaseStarted)
	assert.Contains(t, seen, events.EventTypePhaseCompleted)
	assert.Contains(t, seen, events.EventTypeWorkflowCompleted)
}

func TestMarkDegradedSurfacesInSummary(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)

	require.NoError(t, registry.Register("scout", func(ctx context.Context, _ any, _ map[string]any) (any, error) {
		c.MarkDegraded("wf-degraded")
		return nil, nil
	}))

	summary, err := c.Execute(context.Background(), "wf-degraded", []Task{
		{ID: "s", Agent: "scout", Phase: PhaseScout},
	}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.True(t, summary.Degraded)
}

func TestExecuteRejectsConcurrentDuplicateWorkflowID(t *testing.T) {
	c, registry, _ := testCoordinator(t, nil)

	started := make(chan struct{})
	require.NoError(t, registry.Register("scout", func(ctx context.Context, _ any, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	go func() {
		_, _ = c.Execute(context.Background(), "wf-dup", []Task{
			{ID: "s", Agent: "scout", Phase: PhaseScout},
		}, "sess-1")
	}()
	<-started

	_, err := c.Execute(context.Background(), "wf-dup", []Task{
		{ID: "s", Agent: "scout", Phase: PhaseScout},
	}, "sess-1")
	require.ErrorIs(t, err, ErrWorkflowRunning)
	require.NoError(t, c.Cancel("wf-dup"))
}
