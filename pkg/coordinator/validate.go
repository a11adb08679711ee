package coordinator

import (
	"fmt"
	"strings"
)

// validate checks the workflow before anything runs: unique task IDs, known
// agents, known phases, dependencies that exist and do not point forward in
// phase order, and an acyclic dependency graph.
func (c *Coordinator) validate(tasks []Task) error {
	if len(tasks) == 0 {
		return ErrEmptyWorkflow
	}

	phaseRank := make(map[string]int, len(PhaseOrder))
	for i, p := range PhaseOrder {
		phaseRank[p] = i
	}

	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has no id", ErrDuplicateTask, i)
		}
		if _, exists := byID[t.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		if _, ok := phaseRank[t.Phase]; !ok {
			return fmt.Errorf("task %s: unknown phase %q", t.ID, t.Phase)
		}
		if _, ok := c.registry.Lookup(t.Agent); !ok {
			return fmt.Errorf("%w: %s (task %s)", ErrUnknownAgent, t.Agent, t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range byID {
		for _, dep := range t.DependsOn {
			pred, ok := byID[dep]
			if !ok {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
			// A dependency on a later phase can never be satisfied under
			// phase-ordered execution.
			if phaseRank[pred.Phase] > phaseRank[t.Phase] {
				return fmt.Errorf("%w: task %s (%s) depends on %s (%s)",
					ErrPhaseDependency, t.ID, t.Phase, pred.ID, pred.Phase)
			}
		}
	}

	return detectCycle(tasks, byID)
}

// Three-color DFS marks.
const (
	colorWhite = iota // unvisited
	colorGrey         // on the current DFS path
	colorBlack        // fully explored
)

// detectCycle runs a three-color DFS over the dependency graph. Hitting a
// grey node again means the current path closed a cycle; the error reports it.
func detectCycle(tasks []Task, byID map[string]*Task) error {
	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGrey
		path = append(path, id)

		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case colorGrey:
				return fmt.Errorf("%w: %s", ErrCircularDependency, formatCycle(path, dep))
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = colorBlack
		return nil
	}

	// Iterate the slice, not the map, so cycle reports are deterministic.
	for i := range tasks {
		if color[tasks[i].ID] == colorWhite {
			if err := visit(tasks[i].ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// formatCycle renders the closed portion of the DFS path, e.g. "t1 -> t2 -> t1".
func formatCycle(path []string, repeat string) string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	return strings.Join(append(append([]string{}, path[start:]...), repeat), " -> ")
}
