package scoring

import (
	"time"

	"keel/internal/config"
)

// DecisionStats is the per-decision slice of an enterprise snapshot used by
// the enterprise-level scores.
type DecisionStats struct {
	CompletionRate float64
	PlanCommitted  bool
	SignedOff      bool
}

// HealthResult breaks the composite score into its sub-scores. Trend is
// filled in by the caller from the previous stored total.
type HealthResult struct {
	Execution  float64 `json:"execution"`
	Governance float64 `json:"governance"`
	Learning   float64 `json:"learning"`
	Total      float64 `json:"total"`
	Trend      *string `json:"trend,omitempty" enum:"up,down"`
}

// Health computes the enterprise composite: execution from milestone
// completion and plan commitment, governance from the signed-off fraction,
// learning from review frequency and recency. Sub-scores sum to at most 100.
func Health(cfg *config.Config, decisions []DecisionStats, reviewTimes []time.Time, now time.Time) HealthResult {
	var res HealthResult
	if len(decisions) > 0 {
		var completion, plan, signed float64
		for _, d := range decisions {
			completion += clamp01(d.CompletionRate)
			if d.PlanCommitted {
				plan++
			}
			if d.SignedOff {
				signed++
			}
		}
		n := float64(len(decisions))
		res.Execution = completion/n*cfg.Health.CompletionMax + plan/n*cfg.Health.PlanMax
		res.Governance = signed / n * cfg.Health.GovernanceMax

		frequency := float64(len(reviewTimes)) / n
		if frequency > 1 {
			frequency = 1
		}
		res.Learning = frequency * cfg.Health.FrequencyMax
	}
	cutoff := now.AddDate(0, 0, -cfg.Health.RecencyDays)
	for _, ts := range reviewTimes {
		if ts.After(cutoff) {
			res.Learning += cfg.Health.RecencyMax
			break
		}
	}
	res.Total = res.Execution + res.Governance + res.Learning
	if res.Total > 100 {
		res.Total = 100
	}
	return res
}

// Trend compares a current total against the previous one. Nil means there
// is no prior computation or no movement.
func Trend(current float64, previous *float64) *string {
	if previous == nil {
		return nil
	}
	var dir string
	switch {
	case current > *previous:
		dir = "up"
	case current < *previous:
		dir = "down"
	default:
		return nil
	}
	return &dir
}
