package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read fleetd.yaml from path (missing file falls back to defaults)
//  2. Expand ${ENV_VAR} references
//  3. Parse YAML into the Config struct
//  4. Merge user config over built-in defaults
//  5. Sort tier candidates by priority
//  6. Validate everything
func Initialize(path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"tiers", len(cfg.Tiers),
		"force_strong_for", len(cfg.Routing.ForceStrongFor),
		"metrics_windows", len(cfg.Metrics.Windows))
	return cfg, nil
}

// load reads and merges the config file over built-in defaults.
func load(path string) (*Config, error) {
	defaults := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Configuration file not found, using built-in defaults", "path", path)
			normalize(defaults)
			return defaults, nil
		}
		return nil, NewLoadError(path, err)
	}

	expanded := expandEnv(string(data))

	var user Config
	if err := yaml.Unmarshal([]byte(expanded), &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %w", ErrInvalidYAML, err))
	}

	// User values override defaults; tier maps replace wholesale so a user
	// can redefine a tier's candidate list without inheriting default models.
	merged := defaults
	if err := mergo.Merge(merged, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merging defaults: %w", err))
	}
	for name, tier := range user.Tiers {
		if tier != nil {
			merged.Tiers[name] = tier
		}
	}

	normalize(merged)
	return merged, nil
}

// envVarPattern matches ${VAR_NAME} references in the raw YAML text.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} with the environment value. Unset variables
// expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// normalize sorts tier candidates by explicit priority so selection can
// iterate the slice in order.
func normalize(cfg *Config) {
	for _, tier := range cfg.Tiers {
		sort.SliceStable(tier.Models, func(i, j int) bool {
			return tier.Models[i].Priority < tier.Models[j].Priority
		})
	}
}

// validate checks structural invariants of the merged configuration.
func validate(cfg *Config) error {
	known := map[string]bool{TierWeak: true, TierBase: true, TierStrong: true}

	for _, name := range TierOrder {
		tier, ok := cfg.Tiers[name]
		if !ok || tier == nil {
			return NewValidationError("tiers", name, "", ErrMissingRequiredField)
		}
		if len(tier.Models) == 0 {
			return NewValidationError("tiers", name, "models", ErrMissingRequiredField)
		}
		if tier.MaxContextWindow <= 0 {
			return NewValidationError("tiers", name, "max_context_window", ErrInvalidValue)
		}
		for _, m := range tier.Models {
			if m.Name == "" {
				return NewValidationError("tiers", name, "models.name", ErrMissingRequiredField)
			}
			if m.CostMultiplier < 0 {
				return NewValidationError("tiers", name, "models.cost_multiplier", ErrInvalidValue)
			}
		}
	}
	for name := range cfg.Tiers {
		if !known[name] {
			return NewValidationError("tiers", name, "", ErrUnknownTier)
		}
	}

	if cfg.Routing == nil {
		return NewValidationError("routing", "", "", ErrMissingRequiredField)
	}
	if !known[cfg.Routing.DefaultTier] {
		return NewValidationError("routing", cfg.Routing.DefaultTier, "default_tier", ErrUnknownTier)
	}
	if cfg.Routing.MaxUpgradeAttempts < 0 {
		return NewValidationError("routing", "", "max_upgrade_attempts", ErrInvalidValue)
	}

	if cfg.Streaming.SendQueueMax <= 0 {
		return NewValidationError("streaming", "", "send_queue_max", ErrInvalidValue)
	}
	if cfg.Streaming.MaxConnections <= 0 {
		return NewValidationError("streaming", "", "max_connections", ErrInvalidValue)
	}

	if cfg.Metrics.MaxRecords <= 0 {
		return NewValidationError("metrics", "", "max_records", ErrInvalidValue)
	}
	for _, w := range cfg.Metrics.Windows {
		if w <= 0 {
			return NewValidationError("metrics", "", "windows", ErrInvalidValue)
		}
	}

	if cfg.Coordinator.MaxParallel < 0 {
		return NewValidationError("coordinator", "", "max_parallel", ErrInvalidValue)
	}

	return nil
}
