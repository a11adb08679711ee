package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitializeMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Initialize(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Len(t, cfg.Tiers, 3)
	assert.Equal(t, TierBase, cfg.Routing.DefaultTier)
	assert.True(t, cfg.Routing.PreferFreeTier)
	assert.Equal(t, 10_000, cfg.Metrics.MaxRecords)
}

func TestInitializeMergesUserOverDefaults(t *testing.T) {
	path := writeConfig(t, `
routing:
  default_tier: weak
  max_upgrade_attempts: 3
coordinator:
  max_parallel: 4
  task_timeout: 30s
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, TierWeak, cfg.Routing.DefaultTier)
	assert.Equal(t, 3, cfg.Routing.MaxUpgradeAttempts)
	assert.Equal(t, 4, cfg.Coordinator.MaxParallel)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.TaskTimeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Streaming.SendQueueMax)
	require.Contains(t, cfg.Tiers, TierWeak)
	assert.NotEmpty(t, cfg.Tiers[TierWeak].Models)
}

func TestInitializeTierReplacement(t *testing.T) {
	path := writeConfig(t, `
tiers:
  weak:
    models:
      - name: local-llama
        priority: 2
        cost_multiplier: 0.0
        provider: ollama
        context_window: 32000
      - name: gemini-2.5-flash
        priority: 1
        cost_multiplier: 0.0
        provider: google
        context_window: 1000000
    max_context_window: 32000
    max_task_complexity: 3
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)

	weak := cfg.Tiers[TierWeak]
	require.Len(t, weak.Models, 2)
	// Candidates are sorted by explicit priority, not declaration order.
	assert.Equal(t, "gemini-2.5-flash", weak.Models[0].Name)
	assert.Equal(t, "local-llama", weak.Models[1].Name)
	assert.Equal(t, 32_000, weak.MaxContextWindow)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("FLEETD_TEST_DB", "postgres://localhost:5432/fleetd")
	path := writeConfig(t, `
storage:
  database_url: ${FLEETD_TEST_DB}
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432/fleetd", cfg.Storage.DatabaseURL)
}

func TestInitializeRejectsUnknownTier(t *testing.T) {
	path := writeConfig(t, `
tiers:
  turbo:
    models:
      - name: something
        priority: 1
        cost_multiplier: 1.0
        provider: test
        context_window: 1000
    max_context_window: 1000
    max_task_complexity: 5
`)

	_, err := Initialize(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "tiers: [not: a: map\n")

	_, err := Initialize(path)
	require.Error(t, err)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestInitializeRejectsEmptyTierModels(t *testing.T) {
	path := writeConfig(t, `
tiers:
  strong:
    models: []
    max_context_window: 1000000
    max_task_complexity: 10
`)

	_, err := Initialize(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestModelIsFree(t *testing.T) {
	assert.True(t, (&ModelConfig{CostMultiplier: 0.0}).IsFree())
	assert.False(t, (&ModelConfig{CostMultiplier: 0.25}).IsFree())
}

func TestDefaultTiersShape(t *testing.T) {
	cfg := DefaultConfig()

	// Weak tier leads with a free candidate; strong has none.
	weak := cfg.Tiers[TierWeak]
	assert.True(t, weak.Models[0].IsFree())

	strong := cfg.Tiers[TierStrong]
	for _, m := range strong.Models {
		assert.False(t, m.IsFree(), "strong tier should have no free candidates")
	}
}
