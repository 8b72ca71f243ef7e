package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/config"
)

func TestReadinessBands(t *testing.T) {
	cfg := config.Default()

	empty := Readiness(cfg, ReadinessInput{})
	assert.Equal(t, BandNascent, empty.Band)
	assert.Equal(t, 0.0, empty.Score)

	mid := Readiness(cfg, ReadinessInput{Reviews: 1, CompletionRate: 0.5, GovernanceAdherence: 0.66})
	assert.Equal(t, BandEmerging, mid.Band)

	full := Readiness(cfg, ReadinessInput{Reviews: 5, CompletionRate: 1, GovernanceAdherence: 1})
	assert.Equal(t, BandInstitutionalizing, full.Band)
	assert.InDelta(t, 1.0, full.Score, 1e-9)
}

func TestReadinessDeterministicAndMonotonic(t *testing.T) {
	cfg := config.Default()
	in := ReadinessInput{Reviews: 2, CompletionRate: 0.4, GovernanceAdherence: 0.33}

	first := Readiness(cfg, in)
	second := Readiness(cfg, in)
	assert.Equal(t, first, second)

	moreReviews := Readiness(cfg, ReadinessInput{Reviews: 3, CompletionRate: 0.4, GovernanceAdherence: 0.33})
	assert.GreaterOrEqual(t, moreReviews.Score, first.Score)
	moreDone := Readiness(cfg, ReadinessInput{Reviews: 2, CompletionRate: 0.8, GovernanceAdherence: 0.33})
	assert.GreaterOrEqual(t, moreDone.Score, first.Score)
	moreGov := Readiness(cfg, ReadinessInput{Reviews: 2, CompletionRate: 0.4, GovernanceAdherence: 1})
	assert.GreaterOrEqual(t, moreGov.Score, first.Score)
}

func TestReadinessReviewCountSaturates(t *testing.T) {
	cfg := config.Default()
	atTarget := Readiness(cfg, ReadinessInput{Reviews: 3})
	beyond := Readiness(cfg, ReadinessInput{Reviews: 30})
	assert.Equal(t, atTarget.Score, beyond.Score)
}

func TestHealthEmptyEnterprise(t *testing.T) {
	cfg := config.Default()
	res := Health(cfg, nil, nil, time.Now())
	assert.Equal(t, 0.0, res.Total)
}

func TestHealthSubScores(t *testing.T) {
	cfg := config.Default()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	decisions := []DecisionStats{
		{CompletionRate: 1, PlanCommitted: true, SignedOff: true},
		{CompletionRate: 0.5, PlanCommitted: false, SignedOff: false},
	}
	reviews := []time.Time{now.AddDate(0, 0, -10)}

	res := Health(cfg, decisions, reviews, now)
	// completion 0.75*25 + plan 0.5*15 = 26.25
	assert.InDelta(t, 26.25, res.Execution, 1e-9)
	// signed 0.5*30 = 15
	assert.InDelta(t, 15, res.Governance, 1e-9)
	// frequency 0.5*20 + recency 10 = 20
	assert.InDelta(t, 20, res.Learning, 1e-9)
	assert.InDelta(t, 61.25, res.Total, 1e-9)
}

func TestHealthTotalCappedAt100(t *testing.T) {
	cfg := config.Default()
	now := time.Now()
	var decisions []DecisionStats
	var reviews []time.Time
	for i := 0; i < 4; i++ {
		decisions = append(decisions, DecisionStats{CompletionRate: 1, PlanCommitted: true, SignedOff: true})
		reviews = append(reviews, now.AddDate(0, 0, -1))
	}
	res := Health(cfg, decisions, reviews, now)
	assert.LessOrEqual(t, res.Total, 100.0)
}

func TestHealthStaleReviewsLoseRecency(t *testing.T) {
	cfg := config.Default()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	decisions := []DecisionStats{{CompletionRate: 0}}

	fresh := Health(cfg, decisions, []time.Time{now.AddDate(0, 0, -89)}, now)
	stale := Health(cfg, decisions, []time.Time{now.AddDate(0, 0, -91)}, now)
	assert.Greater(t, fresh.Learning, stale.Learning)
}

func TestTrend(t *testing.T) {
	prev := 50.0
	up := Trend(60, &prev)
	require.NotNil(t, up)
	assert.Equal(t, "up", *up)

	down := Trend(40, &prev)
	require.NotNil(t, down)
	assert.Equal(t, "down", *down)

	assert.Nil(t, Trend(50, &prev))
	assert.Nil(t, Trend(60, nil))
}

func TestActivationChecklist(t *testing.T) {
	none := Activation(ActivationInput{})
	assert.Equal(t, 0.0, none.Percent)
	require.Len(t, none.Steps, 5)
	assert.Equal(t, StepWorkspaceCreated, none.Steps[0].Step)

	partial := Activation(ActivationInput{WorkspaceCreated: true, HasDecision: true})
	assert.Equal(t, 40.0, partial.Percent)

	all := Activation(ActivationInput{WorkspaceCreated: true, HasDecision: true, HasMilestone: true, HasCommittedPlan: true, HasReview: true})
	assert.Equal(t, 100.0, all.Percent)

	// recomputation is idempotent
	assert.Equal(t, partial, Activation(ActivationInput{WorkspaceCreated: true, HasDecision: true}))
}

func TestVelocityBands(t *testing.T) {
	cfg := config.Default()

	none := Velocity(cfg, nil)
	assert.Equal(t, 0.0, none.Score)
	assert.Nil(t, none.AverageDays)

	fast := Velocity(cfg, []float64{7, 10})
	assert.Equal(t, 100.0, fast.Score)

	steady := Velocity(cfg, []float64{30, 40})
	assert.Equal(t, 70.0, steady.Score)

	slow := Velocity(cfg, []float64{80})
	assert.Equal(t, 40.0, slow.Score)

	stalled := Velocity(cfg, []float64{200, 300})
	assert.Equal(t, 20.0, stalled.Score)
}

func TestIndexBands(t *testing.T) {
	cfg := config.Default()

	early := Index(cfg, IndexInput{})
	assert.Equal(t, IndexBandEarly, early.Band)
	assert.Equal(t, 0.0, early.Total)

	developing := Index(cfg, IndexInput{ActivationPercent: 60, HealthTotal: 50, VelocityScore: 40, GovernanceMaturity: 50})
	assert.Equal(t, IndexBandDeveloping, developing.Band)
	// 0.20*60 + 0.35*50 + 0.25*40 + 0.20*50 = 49.5
	assert.InDelta(t, 49.5, developing.Total, 1e-9)

	ready := Index(cfg, IndexInput{ActivationPercent: 100, HealthTotal: 90, VelocityScore: 100, GovernanceMaturity: 80})
	assert.Equal(t, IndexBandCapitalReady, ready.Band)
}
