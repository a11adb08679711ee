// Package router maps task descriptors to a (tier, model) pair.
//
// Selection is deterministic: a 1–10 complexity score picks the tier, policy
// overrides (force-strong, context-window limits, failure history, budget
// restrictions) adjust it, and the tier's candidate list, ordered by explicit
// priority, yields the model, preferring free candidates when configured.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentfleet/fleetd/pkg/config"
)

// ErrNoModelAvailable indicates every candidate in the tier (and any upgrade
// target) was exhausted.
var ErrNoModelAvailable = errors.New("no model available")

// Task is the descriptor the router scores. Ephemeral.
type Task struct {
	Type          string
	ContextTokens int
	Files         []string
}

// Decision is the routing outcome.
type Decision struct {
	Model           string `json:"model"`
	Tier            string `json:"tier"`
	ComplexityScore int    `json:"complexity_score"`
	RoutingReason   string `json:"routing_reason"`
	FreeTier        bool   `json:"free_tier"`
}

// Options tune one selection without changing router config.
type Options struct {
	// FreeOnly restricts selection to free models, searching downward
	// through the tiers when the chosen one has none.
	FreeOnly bool

	// PreferFree overrides the configured free-tier preference.
	PreferFree *bool

	// Unavailable lists model names the caller has found quota-exhausted;
	// selection falls through to the next candidate, then the next tier.
	Unavailable map[string]bool
}

// Stats is a point-in-time view of routing counters.
type Stats struct {
	TotalDecisions uint64         `json:"total_decisions"`
	ByTier         map[string]int `json:"by_tier"`
	Upgrades       uint64         `json:"upgrades"`
	Downgrades     uint64         `json:"downgrades"`
	FreeSelections uint64         `json:"free_selections"`
	FreeShare      float64        `json:"free_share"`
}

// baseScores is the closed task-type complexity map. Unknown types score 3.
var baseScores = map[string]int{
	"log_summary":              1,
	"file_scan":                1,
	"syntax_check":             1,
	"data_extraction":          1,
	"documentation":            2,
	"code_implementation":      3,
	"refactoring":              3,
	"bug_fix":                  3,
	"test_writing":             4,
	"code_review":              4,
	"api_integration":          5,
	"debugging_complex":        6,
	"performance_optimization": 7,
	"planning":                 7,
	"architecture_design":      9,
	"security_review":          9,
	"strategic_decision":       10,
	"production_critical":      10,
}

const unknownTypeScore = 3

// failureUpgradeThreshold is how many recorded failures at a tier trigger
// both the score bump and the tier-upgrade recommendation.
const failureUpgradeThreshold = 2

// Router selects models. Safe for concurrent use; selection is synchronous
// and lock-bounded (no I/O).
type Router struct {
	tiers   map[string]*config.TierConfig
	routing *config.RoutingConfig
	force   map[string]bool

	mu       sync.Mutex
	failures map[string]map[string]int // task type → tier → count

	total          uint64
	byTier         map[string]int
	upgrades       uint64
	downgrades     uint64
	freeSelections uint64
}

// New builds a Router over validated configuration.
func New(cfg *config.Config) (*Router, error) {
	for _, name := range config.TierOrder {
		tier, ok := cfg.Tiers[name]
		if !ok || tier == nil {
			return nil, fmt.Errorf("%w: %s", config.ErrUnknownTier, name)
		}
		if len(tier.Models) == 0 {
			return nil, fmt.Errorf("%w: tier %s has no candidates", ErrNoModelAvailable, name)
		}
	}

	force := make(map[string]bool, len(cfg.Routing.ForceStrongFor))
	for _, t := range cfg.Routing.ForceStrongFor {
		force[t] = true
	}
	return &Router{
		tiers:    cfg.Tiers,
		routing:  cfg.Routing,
		force:    force,
		failures: make(map[string]map[string]int),
		byTier:   make(map[string]int),
	}, nil
}

// Score computes the 1–10 complexity score for a task: context bucket +
// task-type base + file bucket + historical-failure bump, clamped to [1, 10].
func (r *Router) Score(task Task) int {
	score := contextBucket(task.ContextTokens) + baseScore(task.Type) + fileBucket(len(task.Files))

	if r.routing.UpgradeOnFailure {
		// The bump applies when the tier the raw score lands on has
		// accumulated repeated failures for this task type.
		tier := tierForScore(clamp(score))
		r.mu.Lock()
		if r.failures[task.Type][tier] >= failureUpgradeThreshold {
			score++
		}
		r.mu.Unlock()
	}
	return clamp(score)
}

// SelectModel returns the routing decision for a task.
func (r *Router) SelectModel(task Task, opts ...Options) (Decision, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	score := r.Score(task)
	tier := tierForScore(score)
	reason := "complexity"

	if r.force[task.Type] {
		tier = config.TierStrong
		reason = "force_strong"
	}

	// Repeated quality failures at the chosen tier escalate one tier.
	if r.routing.UpgradeOnFailure && tier != config.TierStrong {
		r.mu.Lock()
		failed := r.failures[task.Type][tier] >= failureUpgradeThreshold
		r.mu.Unlock()
		if failed {
			tier = nextTier(tier)
			reason = "failure_history"
		}
	}

	// Context-window override: upgrade while the task does not fit,
	// bounded by max_upgrade_attempts.
	for attempts := 0; attempts < r.routing.MaxUpgradeAttempts; attempts++ {
		if task.ContextTokens <= r.tiers[tier].MaxContextWindow || tier == config.TierStrong {
			break
		}
		tier = nextTier(tier)
		reason = "context_window"
	}

	if opt.FreeOnly {
		return r.selectFreeOnly(task, tier, score, opt)
	}

	preferFree := r.routing.PreferFreeTier
	if opt.PreferFree != nil {
		preferFree = *opt.PreferFree
	}

	// Pick within the tier; a fully exhausted tier upgrades until strong
	// is exhausted too.
	for {
		if m := pickCandidate(r.tiers[tier].Models, preferFree, opt.Unavailable); m != nil {
			return r.decided(Decision{
				Model:           m.Name,
				Tier:            tier,
				ComplexityScore: score,
				RoutingReason:   reason,
				FreeTier:        m.IsFree(),
			}), nil
		}
		if tier == config.TierStrong {
			return Decision{}, fmt.Errorf("%w: all candidates exhausted for task type %q", ErrNoModelAvailable, task.Type)
		}
		tier = nextTier(tier)
		reason = "tier_exhausted"
	}
}

// selectFreeOnly searches the chosen tier, then downward, for a free model.
// Used when the session budget is exceeded: complexity no longer buys paid
// capacity.
func (r *Router) selectFreeOnly(task Task, tier string, score int, opt Options) (Decision, error) {
	idx := tierIndex(tier)
	for i := idx; i >= 0; i-- {
		name := config.TierOrder[i]
		for _, m := range r.tiers[name].Models {
			if !m.IsFree() || opt.Unavailable[m.Name] {
				continue
			}
			reason := "budget_free_only"
			return r.decided(Decision{
				Model:           m.Name,
				Tier:            name,
				ComplexityScore: score,
				RoutingReason:   reason,
				FreeTier:        true,
			}), nil
		}
	}
	return Decision{}, fmt.Errorf("%w: no free model for task type %q", ErrNoModelAvailable, task.Type)
}

// UpgradeTier returns the next tier up (strong stays strong).
func (r *Router) UpgradeTier(current, reason string) (string, error) {
	if !validTier(current) {
		return "", fmt.Errorf("%w: %s", config.ErrUnknownTier, current)
	}
	next := nextTier(current)
	if next != current {
		r.mu.Lock()
		r.upgrades++
		r.mu.Unlock()
	}
	return next, nil
}

// DowngradeTier returns the next tier down (weak stays weak).
func (r *Router) DowngradeTier(current, reason string) (string, error) {
	if !validTier(current) {
		return "", fmt.Errorf("%w: %s", config.ErrUnknownTier, current)
	}
	prev := prevTier(current)
	if prev != current {
		r.mu.Lock()
		r.downgrades++
		r.mu.Unlock()
	}
	return prev, nil
}

// RecordFailure notes a quality failure for a task type at a tier. Two
// failures at the same tier trigger the upgrade path on later selections.
func (r *Router) RecordFailure(taskType, tier string) error {
	if !validTier(tier) {
		return fmt.Errorf("%w: %s", config.ErrUnknownTier, tier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures[taskType] == nil {
		r.failures[taskType] = make(map[string]int)
	}
	r.failures[taskType][tier]++
	return nil
}

// Stats returns routing totals.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTier := make(map[string]int, len(r.byTier))
	for k, v := range r.byTier {
		byTier[k] = v
	}
	s := Stats{
		TotalDecisions: r.total,
		ByTier:         byTier,
		Upgrades:       r.upgrades,
		Downgrades:     r.downgrades,
		FreeSelections: r.freeSelections,
	}
	if r.total > 0 {
		s.FreeShare = float64(r.freeSelections) / float64(r.total)
	}
	return s
}

// decided records a decision in the stats and returns it.
func (r *Router) decided(d Decision) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	r.byTier[d.Tier]++
	if d.FreeTier {
		r.freeSelections++
	}
	return d
}

// --- scoring helpers ---

func baseScore(taskType string) int {
	if s, ok := baseScores[taskType]; ok {
		return s
	}
	return unknownTypeScore
}

func contextBucket(tokens int) int {
	switch {
	case tokens <= 10_000:
		return 0
	case tokens <= 50_000:
		return 1
	case tokens <= 100_000:
		return 2
	default:
		return 3
	}
}

func fileBucket(n int) int {
	switch {
	case n <= 3:
		return 0
	case n <= 10:
		return 1
	default:
		return 2
	}
}

func clamp(score int) int {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

func tierForScore(score int) string {
	switch {
	case score <= 3:
		return config.TierWeak
	case score <= 7:
		return config.TierBase
	default:
		return config.TierStrong
	}
}

func validTier(name string) bool {
	return name == config.TierWeak || name == config.TierBase || name == config.TierStrong
}

func tierIndex(name string) int {
	for i, t := range config.TierOrder {
		if t == name {
			return i
		}
	}
	return 0
}

func nextTier(name string) string {
	idx := tierIndex(name)
	if idx < len(config.TierOrder)-1 {
		return config.TierOrder[idx+1]
	}
	return name
}

func prevTier(name string) string {
	idx := tierIndex(name)
	if idx > 0 {
		return config.TierOrder[idx-1]
	}
	return name
}

// pickCandidate returns the first usable candidate in priority order,
// preferring free models when asked. Returns nil when the tier is exhausted.
func pickCandidate(models []config.ModelConfig, preferFree bool, unavailable map[string]bool) *config.ModelConfig {
	if preferFree {
		for i := range models {
			if models[i].IsFree() && !unavailable[models[i].Name] {
				return &models[i]
			}
		}
	}
	for i := range models {
		if !unavailable[models[i].Name] {
			return &models[i]
		}
	}
	return nil
}
