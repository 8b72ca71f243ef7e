package domain

// Decision statuses. Transitions only move forward.
const (
	StatusDraft     = "draft"
	StatusFinalized = "finalized"
	StatusSignedOff = "signed_off"
)

// Ledger event types.
const (
	EventDecisionCreated    = "decision_created"
	EventArtifactAdded      = "artifact_added"
	EventFinalized          = "finalized"
	EventSignedOff          = "signed_off"
	EventPlanCommitted      = "plan_committed"
	EventOutcomeReviewAdded = "outcome_review_added"
	EventExecutionUpdated   = "execution_updated"
)

type Decision struct {
	ID              string  `json:"id"`
	EnterpriseID    *string `json:"enterprise_id,omitempty"`
	Title           string  `json:"title"`
	Status          string  `json:"status" enum:"draft,finalized,signed_off"`
	ArtifactVersion *int    `json:"artifact_version,omitempty"`
	Owner           string  `json:"owner,omitempty"`
	ExpectedOutcome string  `json:"expected_outcome,omitempty"`
	ReviewReminder  bool    `json:"review_reminder"`
	ReviewNotes     string  `json:"review_notes,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// ArtifactVersion is one immutable snapshot of a decision's working document.
// PayloadJSON is the stored document; Hash is the sha256 of its canonical form.
type ArtifactVersion struct {
	DecisionID  string `json:"decision_id"`
	Version     int    `json:"version"`
	PayloadJSON string `json:"payload_json"`
	Hash        string `json:"hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type LedgerEvent struct {
	ID              int64   `json:"id"`
	DecisionID      string  `json:"decision_id"`
	Type            string  `json:"type"`
	ArtifactVersion *int    `json:"artifact_version,omitempty"`
	ArtifactHash    *string `json:"artifact_hash,omitempty"`
	SupersedesID    *int64  `json:"supersedes_id,omitempty"`
	ReasonCode      *string `json:"reason_code,omitempty"`
	ActorID         string  `json:"actor_id"`
	ActorRole       string  `json:"actor_role,omitempty"`
	TS              string  `json:"ts" format:"date-time"`
	PayloadJSON     string  `json:"payload_json"`
}

// Milestone is the operational task list for a decision. It is mutable by
// design and distinct from the milestone list embedded in the artifact.
type Milestone struct {
	ID          string  `json:"id"`
	DecisionID  string  `json:"decision_id"`
	Name        string  `json:"name"`
	Responsible string  `json:"responsible,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Status      string  `json:"status" enum:"pending,in_progress,done,completed"`
	Notes       string  `json:"notes,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type OutcomeReview struct {
	ID             string `json:"id"`
	DecisionID     string `json:"decision_id"`
	Summary        string `json:"summary"`
	WhatWorked     string `json:"what_worked,omitempty"`
	WhatDidNot     string `json:"what_did_not,omitempty"`
	Learnings      string `json:"learnings,omitempty"`
	Assumptions    string `json:"assumptions,omitempty"`
	ReadinessDelta string `json:"readiness_delta" enum:"minus_one,zero,plus_one"`
	FollowUp       string `json:"follow_up" enum:"keep,raise,reduce,stop"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Enterprise struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ScoreSnapshot retains prior score computations so trend direction can be
// derived by comparing against the immediately previous row.
type ScoreSnapshot struct {
	ID           int64   `json:"id"`
	EnterpriseID string  `json:"enterprise_id"`
	Kind         string  `json:"kind" enum:"health,readiness_index"`
	Total        float64 `json:"total"`
	ComputedAt   string  `json:"computed_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
