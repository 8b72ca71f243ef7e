package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"keel/internal/domain"
	"keel/internal/repo"
	"keel/internal/scoring"
)

// Snapshot kinds retained for trend computation.
const (
	SnapshotHealth         = "health"
	SnapshotReadinessIndex = "readiness_index"
)

// DecisionReadiness derives the maturity band for one decision from its
// reviews, milestone completion and governance event history.
func (e Engine) DecisionReadiness(ctx context.Context, decisionID string) (scoring.ReadinessResult, error) {
	if _, err := e.Repo.GetDecision(ctx, decisionID); err != nil {
		return scoring.ReadinessResult{}, err
	}
	reviews, err := e.Repo.CountOutcomeReviews(ctx, decisionID)
	if err != nil {
		return scoring.ReadinessResult{}, err
	}
	milestones, err := e.Repo.ListMilestones(ctx, decisionID)
	if err != nil {
		return scoring.ReadinessResult{}, err
	}
	events, err := e.Repo.ListLedgerEvents(ctx, decisionID, "", 0)
	if err != nil {
		return scoring.ReadinessResult{}, err
	}
	return scoring.Readiness(e.Config, scoring.ReadinessInput{
		Reviews:             reviews,
		CompletionRate:      completionRate(milestones),
		GovernanceAdherence: governanceAdherence(events),
	}), nil
}

func completionRate(milestones []domain.Milestone) float64 {
	if len(milestones) == 0 {
		return 0
	}
	done := 0
	for _, m := range milestones {
		if milestoneCompleted(m.Status) {
			done++
		}
	}
	return float64(done) / float64(len(milestones))
}

// governanceAdherence is the fraction of expected governance event types
// present at least once in the decision's ledger.
func governanceAdherence(events []domain.LedgerEvent) float64 {
	expected := []string{domain.EventArtifactAdded, domain.EventFinalized, domain.EventSignedOff}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	found := 0
	for _, t := range expected {
		if seen[t] {
			found++
		}
	}
	return float64(found) / float64(len(expected))
}

func planCommitted(payloadJSON string) bool {
	var doc struct {
		PlanCommitted bool `json:"plan_committed"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &doc); err != nil {
		return false
	}
	return doc.PlanCommitted
}

func (e Engine) decisionStats(ctx context.Context, decisions []domain.Decision) ([]scoring.DecisionStats, error) {
	var stats []scoring.DecisionStats
	for _, d := range decisions {
		milestones, err := e.Repo.ListMilestones(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		committed := false
		if d.ArtifactVersion != nil {
			latest, err := e.Repo.LatestArtifactVersion(ctx, d.ID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
			if err == nil {
				committed = planCommitted(latest.PayloadJSON)
			}
		}
		stats = append(stats, scoring.DecisionStats{
			CompletionRate: completionRate(milestones),
			PlanCommitted:  committed,
			SignedOff:      d.Status == domain.StatusSignedOff,
		})
	}
	return stats, nil
}

func (e Engine) enterpriseReviewTimes(ctx context.Context, enterpriseID string) ([]time.Time, error) {
	reviews, err := e.Repo.ListEnterpriseReviews(ctx, enterpriseID)
	if err != nil {
		return nil, err
	}
	var times []time.Time
	for _, rv := range reviews {
		ts, err := time.Parse(time.RFC3339, rv.CreatedAt)
		if err != nil {
			continue
		}
		times = append(times, ts)
	}
	return times, nil
}

func (e Engine) computeHealth(ctx context.Context, enterpriseID string) (scoring.HealthResult, error) {
	if _, err := e.Repo.GetEnterprise(ctx, enterpriseID); err != nil {
		return scoring.HealthResult{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, enterpriseID, "")
	if err != nil {
		return scoring.HealthResult{}, err
	}
	stats, err := e.decisionStats(ctx, decisions)
	if err != nil {
		return scoring.HealthResult{}, err
	}
	reviewTimes, err := e.enterpriseReviewTimes(ctx, enterpriseID)
	if err != nil {
		return scoring.HealthResult{}, err
	}
	return scoring.Health(e.Config, stats, reviewTimes, e.now().UTC()), nil
}

// EnterpriseHealth computes the composite health score, derives the trend
// against the previously stored total, and records a new snapshot.
func (e Engine) EnterpriseHealth(ctx context.Context, enterpriseID string) (scoring.HealthResult, error) {
	res, err := e.computeHealth(ctx, enterpriseID)
	if err != nil {
		return res, err
	}
	res.Trend, err = e.snapshotTrend(ctx, enterpriseID, SnapshotHealth, res.Total)
	return res, err
}

func (e Engine) snapshotTrend(ctx context.Context, enterpriseID, kind string, total float64) (*string, error) {
	var prevTotal *float64
	prev, err := e.Repo.PrevScoreSnapshot(ctx, enterpriseID, kind)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		prevTotal = &prev.Total
	}
	if err := e.Repo.InsertScoreSnapshot(ctx, domain.ScoreSnapshot{
		EnterpriseID: enterpriseID,
		Kind:         kind,
		Total:        total,
		ComputedAt:   e.nowStr(),
	}); err != nil {
		return nil, err
	}
	return scoring.Trend(total, prevTotal), nil
}

// EnterpriseActivation evaluates the onboarding checklist. Side-effect free.
func (e Engine) EnterpriseActivation(ctx context.Context, enterpriseID string) (scoring.ActivationResult, error) {
	if _, err := e.Repo.GetEnterprise(ctx, enterpriseID); err != nil {
		return scoring.ActivationResult{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, enterpriseID, "")
	if err != nil {
		return scoring.ActivationResult{}, err
	}
	in := scoring.ActivationInput{WorkspaceCreated: true, HasDecision: len(decisions) > 0}
	for _, d := range decisions {
		if !in.HasMilestone {
			milestones, err := e.Repo.ListMilestones(ctx, d.ID)
			if err != nil {
				return scoring.ActivationResult{}, err
			}
			in.HasMilestone = len(milestones) > 0
		}
		if !in.HasReview {
			n, err := e.Repo.CountOutcomeReviews(ctx, d.ID)
			if err != nil {
				return scoring.ActivationResult{}, err
			}
			in.HasReview = n > 0
		}
	}
	if !in.HasCommittedPlan {
		committed, err := e.Repo.ListEnterpriseEvents(ctx, enterpriseID, domain.EventPlanCommitted)
		if err != nil {
			return scoring.ActivationResult{}, err
		}
		in.HasCommittedPlan = len(committed) > 0
	}
	return scoring.Activation(in), nil
}

func (e Engine) cycleDays(ctx context.Context, decisions []domain.Decision) ([]float64, error) {
	var days []float64
	for _, d := range decisions {
		if d.Status != domain.StatusSignedOff {
			continue
		}
		events, err := e.Repo.ListLedgerEvents(ctx, d.ID, domain.EventSignedOff, 1)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}
		created, err := time.Parse(time.RFC3339, d.CreatedAt)
		if err != nil {
			continue
		}
		signed, err := time.Parse(time.RFC3339, events[0].TS)
		if err != nil {
			continue
		}
		days = append(days, signed.Sub(created).Hours()/24)
	}
	return days, nil
}

// EnterpriseVelocity bands the average draft-to-signed-off cycle time across
// one enterprise's decisions.
func (e Engine) EnterpriseVelocity(ctx context.Context, enterpriseID string) (scoring.VelocityResult, error) {
	if _, err := e.Repo.GetEnterprise(ctx, enterpriseID); err != nil {
		return scoring.VelocityResult{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, enterpriseID, domain.StatusSignedOff)
	if err != nil {
		return scoring.VelocityResult{}, err
	}
	days, err := e.cycleDays(ctx, decisions)
	if err != nil {
		return scoring.VelocityResult{}, err
	}
	return scoring.Velocity(e.Config, days), nil
}

// GlobalVelocity bands cycle time across every signed-off decision.
func (e Engine) GlobalVelocity(ctx context.Context) (scoring.VelocityResult, error) {
	decisions, err := e.Repo.ListDecisions(ctx, "", domain.StatusSignedOff)
	if err != nil {
		return scoring.VelocityResult{}, err
	}
	days, err := e.cycleDays(ctx, decisions)
	if err != nil {
		return scoring.VelocityResult{}, err
	}
	return scoring.Velocity(e.Config, days), nil
}

// EnterpriseReadinessIndex computes the capital-readiness composite and
// records its trend snapshot.
func (e Engine) EnterpriseReadinessIndex(ctx context.Context, enterpriseID string) (scoring.IndexResult, error) {
	activation, err := e.EnterpriseActivation(ctx, enterpriseID)
	if err != nil {
		return scoring.IndexResult{}, err
	}
	health, err := e.computeHealth(ctx, enterpriseID)
	if err != nil {
		return scoring.IndexResult{}, err
	}
	velocity, err := e.EnterpriseVelocity(ctx, enterpriseID)
	if err != nil {
		return scoring.IndexResult{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, enterpriseID, "")
	if err != nil {
		return scoring.IndexResult{}, err
	}
	stats, err := e.decisionStats(ctx, decisions)
	if err != nil {
		return scoring.IndexResult{}, err
	}
	maturity := 0.0
	if len(stats) > 0 {
		committed := 0
		for _, s := range stats {
			if s.PlanCommitted {
				committed++
			}
		}
		maturity = float64(committed) / float64(len(stats)) * 100
	}
	res := scoring.Index(e.Config, scoring.IndexInput{
		ActivationPercent:  activation.Percent,
		HealthTotal:        health.Total,
		VelocityScore:      velocity.Score,
		GovernanceMaturity: maturity,
	})
	res.Trend, err = e.snapshotTrend(ctx, enterpriseID, SnapshotReadinessIndex, res.Total)
	return res, err
}

// TimelineEntry is one decision on an enterprise's chronological timeline.
type TimelineEntry struct {
	Decision  domain.Decision `json:"decision"`
	Readiness string          `json:"readiness"`
}

// EnterpriseTimeline lists an enterprise's decisions oldest first, each with
// its readiness band.
func (e Engine) EnterpriseTimeline(ctx context.Context, enterpriseID string) ([]TimelineEntry, error) {
	if _, err := e.Repo.GetEnterprise(ctx, enterpriseID); err != nil {
		return nil, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, enterpriseID, "")
	if err != nil {
		return nil, err
	}
	entries := make([]TimelineEntry, 0, len(decisions))
	// ListDecisions returns newest first; the timeline reads oldest first.
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		readiness, err := e.DecisionReadiness(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, TimelineEntry{Decision: d, Readiness: readiness.Band})
	}
	return entries, nil
}
