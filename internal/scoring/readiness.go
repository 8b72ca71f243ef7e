// Package scoring holds the derived-score computations. Every function here
// is pure: same ledger/milestone/review snapshot in, same figures out. The
// engine gathers inputs and records trend snapshots; nothing in this package
// touches storage.
package scoring

import "keel/internal/config"

// Readiness bands, in increasing maturity order.
const (
	BandNascent            = "Nascent"
	BandEmerging           = "Emerging"
	BandInstitutionalizing = "Institutionalizing"
)

// ReadinessInput is the per-decision snapshot the readiness band derives from.
type ReadinessInput struct {
	Reviews             int
	CompletionRate      float64 // completed / total milestones, 0 when none
	GovernanceAdherence float64 // fraction of expected governance events present
}

// ReadinessResult carries the weighted score and its band label.
type ReadinessResult struct {
	Score               float64 `json:"score"`
	Band                string  `json:"band"`
	Reviews             int     `json:"reviews"`
	CompletionRate      float64 `json:"completion_rate"`
	GovernanceAdherence float64 `json:"governance_adherence"`
}

// Readiness combines review count, milestone completion and governance
// adherence into a 0..1 score and maps it onto a band.
func Readiness(cfg *config.Config, in ReadinessInput) ReadinessResult {
	reviewRate := float64(in.Reviews) / float64(cfg.Readiness.ReviewTarget)
	if reviewRate > 1 {
		reviewRate = 1
	}
	score := cfg.Readiness.ReviewWeight*reviewRate +
		cfg.Readiness.ExecutionWeight*clamp01(in.CompletionRate) +
		cfg.Readiness.GovernanceWeight*clamp01(in.GovernanceAdherence)
	band := BandNascent
	switch {
	case score >= cfg.Readiness.Bands.Institutionalizing:
		band = BandInstitutionalizing
	case score >= cfg.Readiness.Bands.Emerging:
		band = BandEmerging
	}
	return ReadinessResult{
		Score:               score,
		Band:                band,
		Reviews:             in.Reviews,
		CompletionRate:      in.CompletionRate,
		GovernanceAdherence: in.GovernanceAdherence,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
