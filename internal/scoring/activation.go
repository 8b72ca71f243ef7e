package scoring

// Activation checklist steps, in onboarding order.
const (
	StepWorkspaceCreated   = "workspace_created"
	StepFirstDecision      = "first_decision_created"
	StepFirstMilestone     = "first_milestone_added"
	StepFirstPlanCommitted = "first_plan_committed"
	StepFirstOutcomeReview = "first_outcome_review"
)

// ActivationInput records which qualifying rows exist for an enterprise.
// Recomputing it is idempotent: each flag is purely existential.
type ActivationInput struct {
	WorkspaceCreated bool
	HasDecision      bool
	HasMilestone     bool
	HasCommittedPlan bool
	HasReview        bool
}

// ActivationStep is one checklist entry.
type ActivationStep struct {
	Step string `json:"step"`
	Done bool   `json:"done"`
}

// ActivationResult is the full checklist plus completion percentage.
type ActivationResult struct {
	Steps   []ActivationStep `json:"steps"`
	Percent float64          `json:"percent"`
}

// Activation evaluates the fixed onboarding checklist.
func Activation(in ActivationInput) ActivationResult {
	steps := []ActivationStep{
		{Step: StepWorkspaceCreated, Done: in.WorkspaceCreated},
		{Step: StepFirstDecision, Done: in.HasDecision},
		{Step: StepFirstMilestone, Done: in.HasMilestone},
		{Step: StepFirstPlanCommitted, Done: in.HasCommittedPlan},
		{Step: StepFirstOutcomeReview, Done: in.HasReview},
	}
	done := 0
	for _, s := range steps {
		if s.Done {
			done++
		}
	}
	return ActivationResult{
		Steps:   steps,
		Percent: float64(done) / float64(len(steps)) * 100,
	}
}
