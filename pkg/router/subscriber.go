package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentfleet/fleetd/pkg/events"
)

// Subscriber reacts to bus events on the router's behalf: it answers
// agent.invoked with a routing decision, learns from quality failures, and
// tightens selection as a session's budget degrades.
//
// Budget state is per session and monotonic for the session's lifetime: a
// warning makes free models preferred, exceeded makes them mandatory.
type Subscriber struct {
	router *Router
	bus    *events.Bus

	mu        sync.Mutex
	warned    map[string]bool // session → budget warning seen
	exceeded  map[string]bool // session → budget exceeded
	decisions map[string]Decision
}

// NewSubscriber wires the router to the bus. Call Attach to start receiving.
func NewSubscriber(r *Router, bus *events.Bus) *Subscriber {
	return &Subscriber{
		router:    r,
		bus:       bus,
		warned:    make(map[string]bool),
		exceeded:  make(map[string]bool),
		decisions: make(map[string]Decision),
	}
}

// Attach subscribes the routing handlers.
func (s *Subscriber) Attach() {
	s.bus.Subscribe(events.EventTypeAgentInvoked, s.handleAgentInvoked)
	s.bus.Subscribe(events.EventTypeAgentFailed, s.handleAgentFailed)
	s.bus.Subscribe(events.EventTypeCostBudgetWarning, s.handleBudgetWarning)
	s.bus.Subscribe(events.EventTypeCostBudgetExceeded, s.handleBudgetExceeded)
	s.bus.Subscribe(events.EventTypeSessionEnded, s.handleSessionEnded)
}

func (s *Subscriber) handleAgentInvoked(_ context.Context, e *events.Event) error {
	taskType := e.StringField("task_type")
	if taskType == "" {
		// Invocation without a task descriptor; nothing to route.
		return nil
	}
	task := Task{
		Type:          taskType,
		ContextTokens: intField(e, "context_tokens"),
		Files:         stringSlice(e, "files"),
	}
	agent := e.StringField("agent.name")

	s.mu.Lock()
	warned := s.warned[e.SessionID()]
	exceeded := s.exceeded[e.SessionID()]
	s.mu.Unlock()

	var opt Options
	if exceeded {
		opt.FreeOnly = true
	} else if warned {
		preferFree := true
		opt.PreferFree = &preferFree
	}

	decision, err := s.router.SelectModel(task, opt)
	if err != nil {
		slog.Error("Model selection failed",
			"session_id", e.SessionID(),
			"agent", agent,
			"task_type", taskType,
			"error", err)
		s.publish(events.EventTypeErrorRaised, e, events.ErrorPayload{
			Kind:     "NoModelAvailable",
			Message:  err.Error(),
			Source:   "router",
			Severity: events.SeverityError,
		})
		return err
	}

	s.mu.Lock()
	s.decisions[decisionKey(e.SessionID(), agent)] = decision
	s.mu.Unlock()

	s.publish(events.EventTypeModelSelected, e, events.ModelSelectedPayload{
		Model:           decision.Model,
		Tier:            decision.Tier,
		ComplexityScore: decision.ComplexityScore,
		RoutingReason:   decision.RoutingReason,
		FreeTier:        decision.FreeTier,
		AgentName:       agent,
	})

	// When the budget forces a cheaper tier than complexity asked for,
	// surface the degradation.
	if exceeded {
		if unconstrained := tierForScore(decision.ComplexityScore); tierIndex(decision.Tier) < tierIndex(unconstrained) {
			s.publish(events.EventTypeModelDegraded, e, events.TierChangePayload{
				TaskType: taskType,
				FromTier: unconstrained,
				ToTier:   decision.Tier,
				Reason:   "budget_exceeded",
			})
		}
	}
	return nil
}

func (s *Subscriber) handleAgentFailed(_ context.Context, e *events.Event) error {
	if e.StringField("cause") != "quality" {
		return nil
	}
	agent := e.StringField("agent.name")

	s.mu.Lock()
	decision, ok := s.decisions[decisionKey(e.SessionID(), agent)]
	s.mu.Unlock()
	if !ok {
		// Failure for an agent this router never placed.
		return nil
	}

	taskType := e.StringField("task_type")
	if err := s.router.RecordFailure(taskType, decision.Tier); err != nil {
		return err
	}
	next, err := s.router.UpgradeTier(decision.Tier, "quality_failure")
	if err != nil || next == decision.Tier {
		return err
	}

	s.publish(events.EventTypeModelTierUpgraded, e, events.TierChangePayload{
		TaskType: taskType,
		FromTier: decision.Tier,
		ToTier:   next,
		Reason:   "quality_failure",
	})
	return nil
}

func (s *Subscriber) handleBudgetWarning(_ context.Context, e *events.Event) error {
	s.mu.Lock()
	s.warned[e.SessionID()] = true
	s.mu.Unlock()
	slog.Info("Budget warning, preferring free models", "session_id", e.SessionID())
	return nil
}

func (s *Subscriber) handleBudgetExceeded(_ context.Context, e *events.Event) error {
	s.mu.Lock()
	s.warned[e.SessionID()] = true
	s.exceeded[e.SessionID()] = true
	s.mu.Unlock()
	slog.Warn("Budget exceeded, restricting to free models", "session_id", e.SessionID())
	return nil
}

func (s *Subscriber) handleSessionEnded(_ context.Context, e *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warned, e.SessionID())
	delete(s.exceeded, e.SessionID())
	for key := range s.decisions {
		if sessionOf(key) == e.SessionID() {
			delete(s.decisions, key)
		}
	}
	return nil
}

// publish emits a follow-up event carrying the trigger's session and trace.
func (s *Subscriber) publish(eventType string, trigger *events.Event, payload any) {
	out, err := events.New(eventType, trigger.SessionID(), trigger.TraceID(), payload)
	if err != nil {
		slog.Error("Failed to build routing event", "event_type", eventType, "error", err)
		return
	}
	s.bus.Publish(out)
}

func decisionKey(sessionID, agent string) string {
	return sessionID + "/" + agent
}

func sessionOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}

func intField(e *events.Event, key string) int {
	if v, ok := e.FloatField(key); ok {
		return int(v)
	}
	return 0
}

func stringSlice(e *events.Event, key string) []string {
	raw, ok := e.Payload()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
