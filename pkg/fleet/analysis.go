package fleet

// SlowAgent is one agent flagged by the bottleneck analysis.
type SlowAgent struct {
	Agent      string  `json:"agent_name"`
	DurationMS float64 `json:"duration_ms"`
	Share      float64 `json:"share"`
}

// Analysis is the bottleneck report for one workflow.
type Analysis struct {
	WorkflowID           string      `json:"workflow_id"`
	WallClockMS          float64     `json:"wall_clock_ms"`
	TotalAgentMS         float64     `json:"total_agent_ms"`
	SlowAgents           []SlowAgent `json:"slow_agents"`
	ParallelizationRatio float64     `json:"parallelization_ratio"`
	Sequential           bool        `json:"sequential"`
}

// slowShareThreshold flags an agent consuming more than this share of the
// workflow's total agent time.
const slowShareThreshold = 0.30

// sequentialRatioThreshold flags a workflow whose parallelization ratio
// falls below it.
const sequentialRatioThreshold = 0.30

// Analyze is a pure function over a workflow's records: per-agent time
// shares and the parallelization ratio 1 - wall/sum. A ratio near zero means
// the workflow ran one agent at a time.
func Analyze(workflowID string, records []ExecutionRecord, wallClockMS float64) Analysis {
	a := Analysis{WorkflowID: workflowID, WallClockMS: wallClockMS}

	perAgent := make(map[string]float64)
	order := make([]string, 0, len(records))
	for _, rec := range records {
		if _, seen := perAgent[rec.Agent]; !seen {
			order = append(order, rec.Agent)
		}
		perAgent[rec.Agent] += rec.DurationMS
		a.TotalAgentMS += rec.DurationMS
	}
	if a.TotalAgentMS <= 0 {
		return a
	}

	for _, agent := range order {
		share := perAgent[agent] / a.TotalAgentMS
		if share > slowShareThreshold {
			a.SlowAgents = append(a.SlowAgents, SlowAgent{
				Agent:      agent,
				DurationMS: perAgent[agent],
				Share:      share,
			})
		}
	}

	a.ParallelizationRatio = 1 - wallClockMS/a.TotalAgentMS
	if a.ParallelizationRatio < 0 {
		a.ParallelizationRatio = 0
	}
	a.Sequential = a.ParallelizationRatio < sequentialRatioThreshold
	return a
}

// AnalyzeWorkflow runs the bottleneck analysis over a tracked workflow.
func (t *Tracker) AnalyzeWorkflow(id string) (Analysis, bool) {
	view, ok := t.Workflow(id)
	if !ok {
		return Analysis{}, false
	}
	wall := 0.0
	if !view.FinishedAt.IsZero() {
		wall = float64(view.FinishedAt.Sub(view.StartedAt).Milliseconds())
	}
	return Analyze(id, view.Records, wall), true
}
