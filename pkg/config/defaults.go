package config

import "time"

// DefaultConfig returns the built-in configuration. User-provided YAML is
// merged on top of it, so every field has a usable zero-config value.
func DefaultConfig() *Config {
	return &Config{
		Tiers: map[string]*TierConfig{
			TierWeak: {
				Models: []ModelConfig{
					{Name: "gemini-2.5-flash", Priority: 1, CostMultiplier: 0.0, Provider: "google", ContextWindow: 1_000_000},
					{Name: "claude-3-5-haiku", Priority: 2, CostMultiplier: 0.25, Provider: "anthropic", ContextWindow: 200_000},
				},
				MaxContextWindow:  100_000,
				MaxTaskComplexity: 3,
			},
			TierBase: {
				Models: []ModelConfig{
					{Name: "claude-sonnet-4", Priority: 1, CostMultiplier: 1.0, Provider: "anthropic", ContextWindow: 200_000},
					{Name: "gemini-2.5-pro", Priority: 2, CostMultiplier: 0.0, Provider: "google", ContextWindow: 1_000_000},
				},
				MaxContextWindow:  200_000,
				MaxTaskComplexity: 7,
			},
			TierStrong: {
				Models: []ModelConfig{
					{Name: "claude-opus-4", Priority: 1, CostMultiplier: 7.5, Provider: "anthropic", ContextWindow: 200_000},
					{Name: "gpt-4.1", Priority: 2, CostMultiplier: 5.0, Provider: "openai", ContextWindow: 1_000_000},
				},
				MaxContextWindow:  1_000_000,
				MaxTaskComplexity: 10,
			},
		},
		Routing: &RoutingConfig{
			DefaultTier:        TierBase,
			PreferFreeTier:     true,
			UpgradeOnFailure:   true,
			MaxUpgradeAttempts: 2,
			ForceStrongFor:     []string{"production_critical", "strategic_decision"},
		},
		Streaming: &StreamingConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxConnections: 256,
			SendQueueMax:   256,
			ClientGrace:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Metrics: &MetricsConfig{
			MaxRecords: 10_000,
			Windows:    []int{60, 300, 3600},
		},
		Coordinator: &CoordinatorConfig{
			MaxParallel: 0, // number of cores
			TaskTimeout: 0, // disabled
		},
		Storage: &StorageConfig{
			JournalDir:      "",
			JournalMaxBytes: 64 << 20,
			DatabaseURL:     "",
		},
	}
}
