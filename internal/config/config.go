// Package config loads workspace settings from YAML with REFINERY_*
// environment overrides layered on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything a workspace needs to come up.
type Config struct {
	// Workdir anchors the dataset registry and the cache file.
	Workdir string `mapstructure:"workdir"`

	Cache struct {
		// Path overrides the sqlite file under Workdir. ":memory:" keeps
		// the cache in process.
		Path string `mapstructure:"path"`
		// ArtifactLRU bounds the in-memory artifact entries held in front
		// of the store.
		ArtifactLRU int `mapstructure:"artifact_lru"`
	} `mapstructure:"cache"`

	Completion struct {
		// Address of an OpenAI-compatible endpoint. Empty runs the
		// deterministic simulator instead.
		Address string        `mapstructure:"address"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"completion"`

	Planner struct {
		// Models narrows the candidate model list. Empty considers every
		// known card.
		Models []string `mapstructure:"models"`
		// Policy picks the plan selection rule.
		Policy string `mapstructure:"policy"`
		// Budget and QualityFloor parameterize the fixed-cost and
		// fixed-quality policies.
		Budget       float64 `mapstructure:"budget"`
		QualityFloor float64 `mapstructure:"quality_floor"`
		// CodeTactics narrows the synthesis tactics tried for converts.
		CodeTactics []string `mapstructure:"code_tactics"`
		Pareto      bool     `mapstructure:"pareto"`

		ExemplarModel string `mapstructure:"exemplar_model"`
		SynthModel    string `mapstructure:"synth_model"`
		FallbackModel string `mapstructure:"fallback_model"`
		EnsembleSize  int    `mapstructure:"ensemble_size"`
	} `mapstructure:"planner"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Policy names Load accepts.
const (
	PolicyMinCost             = "min_cost"
	PolicyMaxQuality          = "max_quality"
	PolicyMaxQualityFixedCost = "max_quality_at_fixed_cost"
	PolicyMinRuntimeAtQuality = "min_runtime_at_fixed_quality"
)

// Load reads the YAML file at path, or just the defaults and environment
// when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("workdir", ".refinery")
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.artifact_lru", 256)
	v.SetDefault("completion.address", "")
	v.SetDefault("completion.api_key", "")
	v.SetDefault("completion.timeout", time.Minute)
	v.SetDefault("planner.models", []string{})
	v.SetDefault("planner.policy", PolicyMinCost)
	v.SetDefault("planner.budget", 0.0)
	v.SetDefault("planner.quality_floor", 0.0)
	v.SetDefault("planner.code_tactics", []string{})
	v.SetDefault("planner.pareto", false)
	v.SetDefault("planner.exemplar_model", "")
	v.SetDefault("planner.synth_model", "")
	v.SetDefault("planner.fallback_model", "")
	v.SetDefault("planner.ensemble_size", 0)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("REFINERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component downstream would accept.
func (c *Config) Validate() error {
	switch c.Planner.Policy {
	case PolicyMinCost, PolicyMaxQuality, PolicyMaxQualityFixedCost, PolicyMinRuntimeAtQuality:
	default:
		return fmt.Errorf("config: unknown policy %q", c.Planner.Policy)
	}
	if c.Planner.Policy == PolicyMaxQualityFixedCost && c.Planner.Budget <= 0 {
		return fmt.Errorf("config: policy %s needs a positive budget", c.Planner.Policy)
	}
	if c.Planner.Policy == PolicyMinRuntimeAtQuality && c.Planner.QualityFloor <= 0 {
		return fmt.Errorf("config: policy %s needs a positive quality floor", c.Planner.Policy)
	}
	if c.Workdir == "" {
		return fmt.Errorf("config: workdir must not be empty")
	}
	return nil
}
