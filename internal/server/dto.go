package server

import (
	"encoding/json"

	"keel/internal/domain"
)

type CreateEnterpriseRequest struct {
	Name string `json:"name" example:"Acme Foods"`
}

type EnterpriseResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func enterpriseResponse(e domain.Enterprise) EnterpriseResponse {
	return EnterpriseResponse{ID: e.ID, Name: e.Name, CreatedAt: e.CreatedAt}
}

type CreateDecisionRequest struct {
	EnterpriseID    string `json:"enterprise_id,omitempty"`
	Title           string `json:"title" example:"Open a second production line"`
	Owner           string `json:"owner,omitempty"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

type DecisionResponse struct {
	ID              string          `json:"id"`
	EnterpriseID    *string         `json:"enterprise_id,omitempty"`
	Title           string          `json:"title"`
	Status          string          `json:"status"`
	ArtifactVersion *int            `json:"artifact_version,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	ExpectedOutcome string          `json:"expected_outcome,omitempty"`
	ReviewReminder  bool            `json:"review_reminder"`
	ReviewNotes     string          `json:"review_notes,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	Artifact        json.RawMessage `json:"artifact,omitempty"`
	ArtifactHash    string          `json:"artifact_hash,omitempty"`
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:              d.ID,
		EnterpriseID:    d.EnterpriseID,
		Title:           d.Title,
		Status:          d.Status,
		ArtifactVersion: d.ArtifactVersion,
		Owner:           d.Owner,
		ExpectedOutcome: d.ExpectedOutcome,
		ReviewReminder:  d.ReviewReminder,
		ReviewNotes:     d.ReviewNotes,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func mapDecisions(in []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, 0, len(in))
	for _, d := range in {
		out = append(out, decisionResponse(d))
	}
	return out
}

type SubmitArtifactRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type ArtifactVersionResponse struct {
	DecisionID string          `json:"decision_id"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	Hash       string          `json:"hash"`
	CreatedAt  string          `json:"created_at"`
}

func artifactResponse(v domain.ArtifactVersion) ArtifactVersionResponse {
	return ArtifactVersionResponse{
		DecisionID: v.DecisionID,
		Version:    v.Version,
		Payload:    json.RawMessage(v.PayloadJSON),
		Hash:       v.Hash,
		CreatedAt:  v.CreatedAt,
	}
}

type CommitPlanRequest struct {
	MustDoIDs []string `json:"must_do_ids"`
	Note      string   `json:"note,omitempty"`
}

type UpdateExecutionRequest struct {
	Owner           *string `json:"owner,omitempty"`
	ExpectedOutcome *string `json:"expected_outcome,omitempty"`
	ReviewNotes     *string `json:"review_notes,omitempty"`
	ReviewReminder  *bool   `json:"review_reminder,omitempty"`
}

type LedgerEventResponse struct {
	ID              int64           `json:"id"`
	DecisionID      string          `json:"decision_id"`
	Type            string          `json:"type"`
	ArtifactVersion *int            `json:"artifact_version,omitempty"`
	ArtifactHash    *string         `json:"artifact_hash,omitempty"`
	SupersedesID    *int64          `json:"supersedes_id,omitempty"`
	ReasonCode      *string         `json:"reason_code,omitempty"`
	ActorID         string          `json:"actor_id"`
	ActorRole       string          `json:"actor_role,omitempty"`
	TS              string          `json:"ts"`
	Payload         json.RawMessage `json:"payload"`
}

func eventResponse(ev domain.LedgerEvent) LedgerEventResponse {
	payload := json.RawMessage(`{}`)
	if json.Valid([]byte(ev.PayloadJSON)) {
		payload = json.RawMessage(ev.PayloadJSON)
	}
	return LedgerEventResponse{
		ID:              ev.ID,
		DecisionID:      ev.DecisionID,
		Type:            ev.Type,
		ArtifactVersion: ev.ArtifactVersion,
		ArtifactHash:    ev.ArtifactHash,
		SupersedesID:    ev.SupersedesID,
		ReasonCode:      ev.ReasonCode,
		ActorID:         ev.ActorID,
		ActorRole:       ev.ActorRole,
		TS:              ev.TS,
		Payload:         payload,
	}
}

func mapEvents(in []domain.LedgerEvent) []LedgerEventResponse {
	out := make([]LedgerEventResponse, 0, len(in))
	for _, ev := range in {
		out = append(out, eventResponse(ev))
	}
	return out
}

type CreateMilestoneRequest struct {
	Name        string `json:"name"`
	Responsible string `json:"responsible,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Status      string `json:"status,omitempty" enum:"pending,in_progress,done,completed"`
	Notes       string `json:"notes,omitempty"`
}

type UpdateMilestoneRequest struct {
	Name        *string `json:"name,omitempty"`
	Responsible *string `json:"responsible,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Status      *string `json:"status,omitempty" enum:"pending,in_progress,done,completed"`
	Notes       *string `json:"notes,omitempty"`
}

type MilestoneResponse struct {
	ID          string  `json:"id"`
	DecisionID  string  `json:"decision_id"`
	Name        string  `json:"name"`
	Responsible string  `json:"responsible,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Status      string  `json:"status"`
	Notes       string  `json:"notes,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		ID:          m.ID,
		DecisionID:  m.DecisionID,
		Name:        m.Name,
		Responsible: m.Responsible,
		DueDate:     m.DueDate,
		Status:      m.Status,
		Notes:       m.Notes,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func mapMilestones(in []domain.Milestone) []MilestoneResponse {
	out := make([]MilestoneResponse, 0, len(in))
	for _, m := range in {
		out = append(out, milestoneResponse(m))
	}
	return out
}

type CreateReviewRequest struct {
	Summary        string `json:"summary"`
	WhatWorked     string `json:"what_worked,omitempty"`
	WhatDidNot     string `json:"what_did_not,omitempty"`
	Learnings      string `json:"learnings,omitempty"`
	Assumptions    string `json:"assumptions,omitempty"`
	ReadinessDelta string `json:"readiness_delta,omitempty" enum:"minus_one,zero,plus_one"`
	FollowUp       string `json:"follow_up,omitempty" enum:"keep,raise,reduce,stop"`
	NextCycleFocus string `json:"next_cycle_focus,omitempty"`
}

type ReviewResponse struct {
	ID             string `json:"id"`
	DecisionID     string `json:"decision_id"`
	Summary        string `json:"summary"`
	WhatWorked     string `json:"what_worked,omitempty"`
	WhatDidNot     string `json:"what_did_not,omitempty"`
	Learnings      string `json:"learnings,omitempty"`
	Assumptions    string `json:"assumptions,omitempty"`
	ReadinessDelta string `json:"readiness_delta"`
	FollowUp       string `json:"follow_up"`
	CreatedAt      string `json:"created_at"`
}

func reviewResponse(rv domain.OutcomeReview) ReviewResponse {
	return ReviewResponse{
		ID:             rv.ID,
		DecisionID:     rv.DecisionID,
		Summary:        rv.Summary,
		WhatWorked:     rv.WhatWorked,
		WhatDidNot:     rv.WhatDidNot,
		Learnings:      rv.Learnings,
		Assumptions:    rv.Assumptions,
		ReadinessDelta: rv.ReadinessDelta,
		FollowUp:       rv.FollowUp,
		CreatedAt:      rv.CreatedAt,
	}
}

func mapReviews(in []domain.OutcomeReview) []ReviewResponse {
	out := make([]ReviewResponse, 0, len(in))
	for _, rv := range in {
		out = append(out, reviewResponse(rv))
	}
	return out
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
