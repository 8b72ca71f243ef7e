package engine

import (
	"context"

	"keel/internal/domain"
	"keel/internal/scoring"
)

// PortfolioEntry is one enterprise's row in the cohort view.
type PortfolioEntry struct {
	Enterprise domain.Enterprise      `json:"enterprise"`
	Decisions  int                    `json:"decisions"`
	SignedOff  int                    `json:"signed_off"`
	Health     scoring.HealthResult   `json:"health"`
	Activation float64                `json:"activation_percent"`
	Velocity   scoring.VelocityResult `json:"velocity"`
}

// Portfolio fans the enterprise scores out across every enterprise. Purely a
// read: the figures come from the same computations the per-enterprise
// endpoints use, without recording trend snapshots.
func (e Engine) Portfolio(ctx context.Context) ([]PortfolioEntry, error) {
	enterprises, err := e.Repo.ListEnterprises(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]PortfolioEntry, 0, len(enterprises))
	for _, ent := range enterprises {
		decisions, err := e.Repo.ListDecisions(ctx, ent.ID, "")
		if err != nil {
			return nil, err
		}
		signed := 0
		for _, d := range decisions {
			if d.Status == domain.StatusSignedOff {
				signed++
			}
		}
		health, err := e.computeHealth(ctx, ent.ID)
		if err != nil {
			return nil, err
		}
		activation, err := e.EnterpriseActivation(ctx, ent.ID)
		if err != nil {
			return nil, err
		}
		velocity, err := e.EnterpriseVelocity(ctx, ent.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, PortfolioEntry{
			Enterprise: ent,
			Decisions:  len(decisions),
			SignedOff:  signed,
			Health:     health,
			Activation: activation.Percent,
			Velocity:   velocity,
		})
	}
	return entries, nil
}
