package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Preset names tune the dependency inferer as a group.
const (
	PresetConservative  = "conservative"
	PresetBalanced      = "balanced"
	PresetAggressive    = "aggressive"
	PresetCostOptimized = "cost_optimized"
	PresetPatternOnly   = "pattern_only"
)

// Config holds all recognized server configuration. Unknown YAML keys are
// ignored with a warning by the caller; every field has a working default.
type Config struct {
	DataDir string `yaml:"data_dir" env:"MARCUS_DATA_DIR"`

	// Monitor
	CheckIntervalSeconds int `yaml:"check_interval_seconds" env:"MARCUS_CHECK_INTERVAL_SECONDS"`

	// Leases
	LeaseDefaultMinutes        int `yaml:"lease_default_minutes" env:"MARCUS_LEASE_DEFAULT_MINUTES"`
	LeaseMaxMinutes            int `yaml:"lease_max_minutes" env:"MARCUS_LEASE_MAX_MINUTES"`
	MaxRenewals                int `yaml:"max_renewals" env:"MARCUS_MAX_RENEWALS"`
	HeartbeatTimeoutMinutes    int `yaml:"heartbeat_timeout_minutes" env:"MARCUS_HEARTBEAT_TIMEOUT_MINUTES"`
	AutoRenewThresholdMin      int `yaml:"auto_renew_threshold_minutes" env:"MARCUS_AUTO_RENEW_THRESHOLD_MINUTES"`
	AssignmentCapacityPerAgent int `yaml:"assignment_capacity_per_agent" env:"MARCUS_ASSIGNMENT_CAPACITY_PER_AGENT"`

	// Dependency inference
	InferencePreset            string  `yaml:"inference_preset" env:"MARCUS_INFERENCE_PRESET"`
	PatternConfidenceThreshold float64 `yaml:"pattern_confidence_threshold" env:"MARCUS_PATTERN_CONFIDENCE_THRESHOLD"`
	AIConfidenceThreshold      float64 `yaml:"ai_confidence_threshold" env:"MARCUS_AI_CONFIDENCE_THRESHOLD"`
	CombinedConfidenceBoost    float64 `yaml:"combined_confidence_boost" env:"MARCUS_COMBINED_CONFIDENCE_BOOST"`
	MaxAIPairsPerBatch         int     `yaml:"max_ai_pairs_per_batch" env:"MARCUS_MAX_AI_PAIRS_PER_BATCH"`
	CacheTTLHours              int     `yaml:"cache_ttl_hours" env:"MARCUS_CACHE_TTL_HOURS"`

	// Outbound call timeouts
	BoardTimeoutSeconds  int `yaml:"board_timeout_seconds" env:"MARCUS_BOARD_TIMEOUT_SECONDS"`
	OracleTimeoutSeconds int `yaml:"oracle_timeout_seconds" env:"MARCUS_ORACLE_TIMEOUT_SECONDS"`
	LedgerTimeoutSeconds int `yaml:"ledger_timeout_seconds" env:"MARCUS_LEDGER_TIMEOUT_SECONDS"`

	// Event bus
	EventQueueMax int `yaml:"event_queue_max" env:"MARCUS_EVENT_QUEUE_MAX"`

	// Board provider
	BoardBackend string `yaml:"board_backend" env:"MARCUS_BOARD_BACKEND"` // "kanban" (sqlite) or "memory"
	BoardDBPath  string `yaml:"board_db_path" env:"MARCUS_BOARD_DB_PATH"`

	// Ledger backend
	LedgerBackend string `yaml:"ledger_backend" env:"MARCUS_LEDGER_BACKEND"` // "file" or "bolt"
	LedgerFsync   bool   `yaml:"ledger_fsync" env:"MARCUS_LEDGER_FSYNC"`

	// Oracle
	OracleEnabled bool   `yaml:"oracle_enabled" env:"MARCUS_ORACLE_ENABLED"`
	OracleAPIKey  string `yaml:"oracle_api_key" env:"ANTHROPIC_API_KEY"`
	OracleModel   string `yaml:"oracle_model" env:"MARCUS_ORACLE_MODEL"`

	// Logging
	LogLevel string `yaml:"log_level" env:"MARCUS_LOG_LEVEL"`
	LogJSON  bool   `yaml:"log_json" env:"MARCUS_LOG_JSON"`
}

// Default returns a configuration with every documented default applied.
func Default() *Config {
	return &Config{
		DataDir:                    "./marcus-data",
		CheckIntervalSeconds:       30,
		LeaseDefaultMinutes:        30,
		LeaseMaxMinutes:            240,
		MaxRenewals:                5,
		HeartbeatTimeoutMinutes:    10,
		AutoRenewThresholdMin:      10,
		AssignmentCapacityPerAgent: 1,
		InferencePreset:            PresetBalanced,
		PatternConfidenceThreshold: 0.8,
		AIConfidenceThreshold:      0.7,
		CombinedConfidenceBoost:    0.15,
		MaxAIPairsPerBatch:         20,
		CacheTTLHours:              24,
		BoardTimeoutSeconds:        10,
		OracleTimeoutSeconds:       30,
		LedgerTimeoutSeconds:       2,
		EventQueueMax:              1000,
		BoardBackend:               "kanban",
		LedgerBackend:              "file",
		LedgerFsync:                true,
		OracleModel:                "claude-sonnet-4-20250514",
		LogLevel:                   "info",
	}
}

// Load reads an optional YAML file, then applies environment overrides.
// A missing file is not an error; defaults carry the configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.ApplyPreset()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyPreset adjusts inference tuning according to the named preset.
// Individual keys set in the file or environment still win: the preset only
// fills values that are at their balanced defaults.
func (c *Config) ApplyPreset() {
	base := Default()
	switch c.InferencePreset {
	case PresetConservative:
		if c.AIConfidenceThreshold == base.AIConfidenceThreshold {
			c.AIConfidenceThreshold = 0.85
		}
		if c.PatternConfidenceThreshold == base.PatternConfidenceThreshold {
			c.PatternConfidenceThreshold = 0.9
		}
		if c.MaxAIPairsPerBatch == base.MaxAIPairsPerBatch {
			c.MaxAIPairsPerBatch = 10
		}
	case PresetAggressive:
		if c.AIConfidenceThreshold == base.AIConfidenceThreshold {
			c.AIConfidenceThreshold = 0.55
		}
		if c.PatternConfidenceThreshold == base.PatternConfidenceThreshold {
			c.PatternConfidenceThreshold = 0.7
		}
		if c.MaxAIPairsPerBatch == base.MaxAIPairsPerBatch {
			c.MaxAIPairsPerBatch = 40
		}
	case PresetCostOptimized:
		if c.MaxAIPairsPerBatch == base.MaxAIPairsPerBatch {
			c.MaxAIPairsPerBatch = 50
		}
		if c.CacheTTLHours == base.CacheTTLHours {
			c.CacheTTLHours = 72
		}
	case PresetPatternOnly:
		c.OracleEnabled = false
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("check_interval_seconds must be positive, got %d", c.CheckIntervalSeconds)
	}
	if c.LeaseDefaultMinutes <= 0 || c.LeaseDefaultMinutes > c.LeaseMaxMinutes {
		return fmt.Errorf("lease_default_minutes must be in (0, %d], got %d", c.LeaseMaxMinutes, c.LeaseDefaultMinutes)
	}
	if c.MaxRenewals < 0 {
		return fmt.Errorf("max_renewals must be non-negative, got %d", c.MaxRenewals)
	}
	if c.HeartbeatTimeoutMinutes <= 0 {
		return fmt.Errorf("heartbeat_timeout_minutes must be positive, got %d", c.HeartbeatTimeoutMinutes)
	}
	if c.LedgerTimeoutSeconds <= 0 {
		return fmt.Errorf("ledger_timeout_seconds must be positive, got %d", c.LedgerTimeoutSeconds)
	}
	// The ledger records one assignment per agent.
	if c.AssignmentCapacityPerAgent != 1 {
		return fmt.Errorf("assignment_capacity_per_agent must be 1, got %d", c.AssignmentCapacityPerAgent)
	}
	if c.AIConfidenceThreshold < 0 || c.AIConfidenceThreshold > 1 {
		return fmt.Errorf("ai_confidence_threshold must be in [0,1], got %v", c.AIConfidenceThreshold)
	}
	if c.MaxAIPairsPerBatch <= 0 {
		return fmt.Errorf("max_ai_pairs_per_batch must be positive, got %d", c.MaxAIPairsPerBatch)
	}
	if c.EventQueueMax <= 0 {
		return fmt.Errorf("event_queue_max must be positive, got %d", c.EventQueueMax)
	}
	switch c.InferencePreset {
	case PresetConservative, PresetBalanced, PresetAggressive, PresetCostOptimized, PresetPatternOnly:
	default:
		return fmt.Errorf("unknown inference_preset %q", c.InferencePreset)
	}
	switch c.LedgerBackend {
	case "file", "bolt":
	default:
		return fmt.Errorf("unknown ledger_backend %q", c.LedgerBackend)
	}
	switch c.BoardBackend {
	case "kanban", "memory":
	default:
		return fmt.Errorf("unknown board_backend %q", c.BoardBackend)
	}
	return nil
}

// Duration accessors keep call sites free of unit math.

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c *Config) LeaseDefault() time.Duration {
	return time.Duration(c.LeaseDefaultMinutes) * time.Minute
}

func (c *Config) LeaseMax() time.Duration {
	return time.Duration(c.LeaseMaxMinutes) * time.Minute
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMinutes) * time.Minute
}

func (c *Config) AutoRenewThreshold() time.Duration {
	return time.Duration(c.AutoRenewThresholdMin) * time.Minute
}

func (c *Config) BoardTimeout() time.Duration {
	return time.Duration(c.BoardTimeoutSeconds) * time.Second
}

func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}
