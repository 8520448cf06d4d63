package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30, cfg.CheckIntervalSeconds)
	assert.Equal(t, 30, cfg.LeaseDefaultMinutes)
	assert.Equal(t, 240, cfg.LeaseMaxMinutes)
	assert.Equal(t, 5, cfg.MaxRenewals)
	assert.Equal(t, 10, cfg.HeartbeatTimeoutMinutes)
	assert.Equal(t, PresetBalanced, cfg.InferencePreset)
	assert.Equal(t, 0.7, cfg.AIConfidenceThreshold)
	assert.Equal(t, 0.15, cfg.CombinedConfidenceBoost)
	assert.Equal(t, 20, cfg.MaxAIPairsPerBatch)
	assert.Equal(t, 1000, cfg.EventQueueMax)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marcus.yaml")
	content := `
check_interval_seconds: 15
lease_default_minutes: 45
inference_preset: aggressive
ledger_backend: bolt
board_backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.CheckIntervalSeconds)
	assert.Equal(t, 45, cfg.LeaseDefaultMinutes)
	assert.Equal(t, "bolt", cfg.LedgerBackend)
	// Aggressive preset loosens the untouched inference thresholds.
	assert.Equal(t, 0.55, cfg.AIConfidenceThreshold)
	assert.Equal(t, 40, cfg.MaxAIPairsPerBatch)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.CheckIntervalSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARCUS_CHECK_INTERVAL_SECONDS", "5")
	t.Setenv("MARCUS_INFERENCE_PRESET", "pattern_only")
	t.Setenv("MARCUS_ORACLE_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.CheckIntervalSeconds)
	// pattern_only always disables the oracle, even when enabled elsewhere.
	assert.False(t, cfg.OracleEnabled)
}

func TestPresetDoesNotOverrideExplicitValues(t *testing.T) {
	t.Setenv("MARCUS_INFERENCE_PRESET", "conservative")
	t.Setenv("MARCUS_AI_CONFIDENCE_THRESHOLD", "0.6")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.AIConfidenceThreshold)
	assert.Equal(t, 0.9, cfg.PatternConfidenceThreshold)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero check interval", func(c *Config) { c.CheckIntervalSeconds = 0 }},
		{"lease longer than max", func(c *Config) { c.LeaseDefaultMinutes = 500 }},
		{"negative renewals", func(c *Config) { c.MaxRenewals = -1 }},
		{"threshold above one", func(c *Config) { c.AIConfidenceThreshold = 1.5 }},
		{"unknown preset", func(c *Config) { c.InferencePreset = "yolo" }},
		{"unknown ledger backend", func(c *Config) { c.LedgerBackend = "etcd" }},
		{"zero event queue", func(c *Config) { c.EventQueueMax = 0 }},
		{"zero heartbeat timeout", func(c *Config) { c.HeartbeatTimeoutMinutes = 0 }},
		{"zero ledger timeout", func(c *Config) { c.LedgerTimeoutSeconds = 0 }},
		{"capacity above one", func(c *Config) { c.AssignmentCapacityPerAgent = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
