// Package config loads and validates the fleetd configuration file.
//
// A single fleetd.yaml holds every tunable: model tiers for the router,
// routing policy, streaming server limits, metrics aggregator bounds,
// coordinator parallelism, and optional storage backends. Configuration is
// loaded once at startup and is immutable afterwards.
package config

import "time"

// Tier names form a closed, ordered set. Upgrades move weak → base → strong;
// strong has no upgrade target.
const (
	TierWeak   = "weak"
	TierBase   = "base"
	TierStrong = "strong"
)

// TierOrder lists tiers from cheapest to most capable.
var TierOrder = []string{TierWeak, TierBase, TierStrong}

// Config is the complete fleetd configuration.
type Config struct {
	Tiers       map[string]*TierConfig `yaml:"tiers"`
	Routing     *RoutingConfig         `yaml:"routing"`
	Streaming   *StreamingConfig       `yaml:"streaming"`
	Metrics     *MetricsConfig         `yaml:"metrics"`
	Coordinator *CoordinatorConfig     `yaml:"coordinator"`
	Storage     *StorageConfig         `yaml:"storage"`
}

// ModelConfig is one candidate model inside a tier.
type ModelConfig struct {
	// Name is the provider-facing model identifier.
	Name string `yaml:"name"`

	// Priority orders candidates within the tier; lower is tried first.
	Priority int `yaml:"priority"`

	// CostMultiplier scales the base cost unit. 0.0 designates a free model.
	CostMultiplier float64 `yaml:"cost_multiplier"`

	// Provider is informational (google, anthropic, openai, ...).
	Provider string `yaml:"provider"`

	// ContextWindow is the model's maximum context size in tokens.
	ContextWindow int `yaml:"context_window"`
}

// IsFree reports whether the model has a zero cost multiplier.
func (m *ModelConfig) IsFree() bool {
	return m.CostMultiplier == 0.0
}

// TierConfig describes one cost/capability class of candidate models.
type TierConfig struct {
	// Models are the tier's candidates in declaration order. Priority is
	// explicit; the loader sorts by it so selection can iterate in order.
	Models []ModelConfig `yaml:"models"`

	// MaxContextWindow is the largest task context the tier accepts.
	// Larger tasks are upgraded one tier.
	MaxContextWindow int `yaml:"max_context_window"`

	// MaxTaskComplexity is the highest complexity score the tier is
	// intended for (informational; selection uses the score brackets).
	MaxTaskComplexity int `yaml:"max_task_complexity"`
}

// RoutingConfig controls tier and model selection policy.
type RoutingConfig struct {
	// DefaultTier is used when a task carries no usable descriptor.
	DefaultTier string `yaml:"default_tier"`

	// PreferFreeTier makes selection return the first free candidate in
	// priority order, falling back to the first candidate when the tier
	// has no free model.
	PreferFreeTier bool `yaml:"prefer_free_tier"`

	// UpgradeOnFailure enables the historical-failure complexity bump and
	// the tier-upgrade recommendation on repeated quality failures.
	UpgradeOnFailure bool `yaml:"upgrade_on_failure"`

	// MaxUpgradeAttempts bounds the context-window upgrade loop.
	MaxUpgradeAttempts int `yaml:"max_upgrade_attempts"`

	// ForceStrongFor lists task types that always route to the strong
	// tier regardless of their computed complexity score.
	ForceStrongFor []string `yaml:"force_strong_for"`
}

// StreamingConfig bounds the WebSocket streaming server.
type StreamingConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxConnections caps concurrent subscriber connections.
	MaxConnections int `yaml:"max_connections"`

	// SendQueueMax bounds the per-client outbound queue. A client whose
	// queue overflows is disconnected rather than allowed to stall the bus.
	SendQueueMax int `yaml:"send_queue_max"`

	// ClientGrace is how long a new connection may stay unsubscribed
	// before it is closed.
	ClientGrace time.Duration `yaml:"client_grace"`

	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig bounds the rolling-window aggregator.
type MetricsConfig struct {
	// MaxRecords caps the record FIFO; the oldest record is evicted
	// silently on overflow.
	MaxRecords int `yaml:"max_records"`

	// Windows lists the snapshot windows (in seconds) served to dashboards.
	Windows []int `yaml:"windows"`
}

// CoordinatorConfig bounds workflow execution.
type CoordinatorConfig struct {
	// MaxParallel caps concurrently running tasks. Zero means one task
	// per CPU core.
	MaxParallel int `yaml:"max_parallel"`

	// TaskTimeout is the optional per-task wall-clock deadline. Zero
	// disables the deadline.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// StorageConfig configures the optional event sinks.
type StorageConfig struct {
	// JournalDir is where session JSONL logs are written. Empty disables
	// the journal subscriber.
	JournalDir string `yaml:"journal_dir"`

	// JournalMaxBytes triggers rotation (and gzip compression of the
	// rotated file) once a journal file exceeds it.
	JournalMaxBytes int64 `yaml:"journal_max_bytes"`

	// DatabaseURL enables the query-store subscriber when set.
	DatabaseURL string `yaml:"database_url"`
}
