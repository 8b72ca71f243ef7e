package scoring

import "keel/internal/config"

// Readiness-index bands, in increasing maturity order.
const (
	IndexBandEarly        = "Early"
	IndexBandDeveloping   = "Developing"
	IndexBandCapitalReady = "Capital-ready"
)

// IndexInput holds the four 0..100 components of the composite index.
type IndexInput struct {
	ActivationPercent  float64
	HealthTotal        float64
	VelocityScore      float64
	GovernanceMaturity float64 // fraction of decisions with committed plans, scaled 0..100
}

// IndexResult is the weighted composite plus its band. Trend is filled in by
// the caller from the previous stored total.
type IndexResult struct {
	Total              float64 `json:"total"`
	Band               string  `json:"band"`
	ActivationPercent  float64 `json:"activation_percent"`
	HealthTotal        float64 `json:"health_total"`
	VelocityScore      float64 `json:"velocity_score"`
	GovernanceMaturity float64 `json:"governance_maturity"`
	Trend              *string `json:"trend,omitempty" enum:"up,down"`
}

// Index computes the capital-readiness composite as a fixed weighted sum of
// its four components.
func Index(cfg *config.Config, in IndexInput) IndexResult {
	total := cfg.Index.ActivationWeight*in.ActivationPercent +
		cfg.Index.HealthWeight*in.HealthTotal +
		cfg.Index.VelocityWeight*in.VelocityScore +
		cfg.Index.GovernanceWeight*in.GovernanceMaturity
	if total > 100 {
		total = 100
	}
	band := IndexBandEarly
	switch {
	case total >= cfg.Index.Bands.CapitalReady:
		band = IndexBandCapitalReady
	case total >= cfg.Index.Bands.Developing:
		band = IndexBandDeveloping
	}
	return IndexResult{
		Total:              total,
		Band:               band,
		ActivationPercent:  in.ActivationPercent,
		HealthTotal:        in.HealthTotal,
		VelocityScore:      in.VelocityScore,
		GovernanceMaturity: in.GovernanceMaturity,
	}
}
