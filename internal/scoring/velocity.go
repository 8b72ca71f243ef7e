package scoring

import "keel/internal/config"

// VelocityResult bands the average draft-to-signed-off cycle time.
type VelocityResult struct {
	AverageDays *float64 `json:"average_days,omitempty"`
	Decisions   int      `json:"decisions"`
	Score       float64  `json:"score"`
}

// Velocity maps cycle times, in days, onto the configured band table. No
// signed-off decisions yields a zero score and no average.
func Velocity(cfg *config.Config, cycleDays []float64) VelocityResult {
	if len(cycleDays) == 0 {
		return VelocityResult{}
	}
	var sum float64
	for _, d := range cycleDays {
		sum += d
	}
	avg := sum / float64(len(cycleDays))
	score := 0.0
	for _, band := range cfg.Velocity.Bands {
		score = band.Score
		if band.MaxDays == 0 || avg <= float64(band.MaxDays) {
			break
		}
	}
	return VelocityResult{AverageDays: &avg, Decisions: len(cycleDays), Score: score}
}
