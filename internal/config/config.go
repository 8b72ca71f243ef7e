package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models the scoring policy table: weights, thresholds and bands
// used by the readiness, health, velocity and readiness-index computations.
type Config struct {
	Readiness struct {
		ReviewWeight     float64 `yaml:"review_weight"`
		ExecutionWeight  float64 `yaml:"execution_weight"`
		GovernanceWeight float64 `yaml:"governance_weight"`
		ReviewTarget     int     `yaml:"review_target"`
		Bands            struct {
			Emerging           float64 `yaml:"emerging"`
			Institutionalizing float64 `yaml:"institutionalizing"`
		} `yaml:"bands"`
	} `yaml:"readiness"`
	Health struct {
		ExecutionMax  float64 `yaml:"execution_max"`
		CompletionMax float64 `yaml:"completion_max"`
		PlanMax       float64 `yaml:"plan_max"`
		GovernanceMax float64 `yaml:"governance_max"`
		LearningMax   float64 `yaml:"learning_max"`
		FrequencyMax  float64 `yaml:"frequency_max"`
		RecencyMax    float64 `yaml:"recency_max"`
		RecencyDays   int     `yaml:"recency_days"`
	} `yaml:"health"`
	Velocity struct {
		Bands []VelocityBand `yaml:"bands"`
	} `yaml:"velocity"`
	Index struct {
		ActivationWeight float64 `yaml:"activation_weight"`
		HealthWeight     float64 `yaml:"health_weight"`
		VelocityWeight   float64 `yaml:"velocity_weight"`
		GovernanceWeight float64 `yaml:"governance_weight"`
		Bands            struct {
			Developing   float64 `yaml:"developing"`
			CapitalReady float64 `yaml:"capital_ready"`
		} `yaml:"bands"`
	} `yaml:"index"`
}

// VelocityBand maps a decision cycle time ceiling, in days, to a score. The
// cycle runs from decision creation to sign-off. A zero MaxDays means no
// upper bound.
type VelocityBand struct {
	MaxDays int     `yaml:"max_days"`
	Score   float64 `yaml:"score"`
}

// Validate ensures the policy table meets required structure.
func (c *Config) Validate() error {
	r := c.Readiness
	if r.ReviewWeight < 0 || r.ExecutionWeight < 0 || r.GovernanceWeight < 0 {
		return fmt.Errorf("readiness weights must be non-negative")
	}
	sum := r.ReviewWeight + r.ExecutionWeight + r.GovernanceWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("readiness weights must sum to 1.0, got %.3f", sum)
	}
	if r.ReviewTarget <= 0 {
		return fmt.Errorf("readiness.review_target must be positive")
	}
	if !(r.Bands.Emerging < r.Bands.Institutionalizing) {
		return fmt.Errorf("readiness bands must be strictly increasing")
	}
	h := c.Health
	if h.CompletionMax+h.PlanMax != h.ExecutionMax {
		return fmt.Errorf("health.completion_max + health.plan_max must equal health.execution_max")
	}
	if h.FrequencyMax+h.RecencyMax != h.LearningMax {
		return fmt.Errorf("health.frequency_max + health.recency_max must equal health.learning_max")
	}
	if h.ExecutionMax+h.GovernanceMax+h.LearningMax != 100 {
		return fmt.Errorf("health sub-score maxima must sum to 100")
	}
	if h.RecencyDays <= 0 {
		return fmt.Errorf("health.recency_days must be positive")
	}
	if len(c.Velocity.Bands) == 0 {
		return fmt.Errorf("velocity.bands is required")
	}
	prev := 0
	for i, b := range c.Velocity.Bands {
		last := i == len(c.Velocity.Bands)-1
		if last {
			if b.MaxDays != 0 {
				return fmt.Errorf("last velocity band must be unbounded (max_days 0)")
			}
			continue
		}
		if b.MaxDays <= prev {
			return fmt.Errorf("velocity bands must have strictly increasing max_days")
		}
		prev = b.MaxDays
	}
	ix := c.Index
	sum = ix.ActivationWeight + ix.HealthWeight + ix.VelocityWeight + ix.GovernanceWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("index weights must sum to 1.0, got %.3f", sum)
	}
	if !(ix.Bands.Developing < ix.Bands.CapitalReady) {
		return fmt.Errorf("index bands must be strictly increasing")
	}
	return nil
}

// Default returns the built-in policy table.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default policy table invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default policy table as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates a policy table from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads a YAML policy table from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `readiness:
  review_weight: 0.40
  execution_weight: 0.35
  governance_weight: 0.25
  review_target: 3
  bands:
    emerging: 0.35
    institutionalizing: 0.70

health:
  execution_max: 40
  completion_max: 25
  plan_max: 15
  governance_max: 30
  learning_max: 30
  frequency_max: 20
  recency_max: 10
  recency_days: 90

velocity:
  bands:
    - max_days: 14
      score: 100
    - max_days: 45
      score: 70
    - max_days: 90
      score: 40
    - max_days: 0
      score: 20

index:
  activation_weight: 0.20
  health_weight: 0.35
  velocity_weight: 0.25
  governance_weight: 0.20
  bands:
    developing: 40
    capital_ready: 70
`
