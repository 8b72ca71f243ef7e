package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"keel/internal/domain"
)

// Milestone statuses accepted on create/update. "completed" is the legacy
// spelling carried by older execution lists; scoring treats it as done.
var milestoneStatuses = map[string]bool{
	"pending":     true,
	"in_progress": true,
	"done":        true,
	"completed":   true,
}

// MilestoneCreateOptions are parameters for adding a milestone to a decision.
type MilestoneCreateOptions struct {
	DecisionID  string
	Name        string
	Responsible string
	DueDate     string
	Status      string
	Notes       string
}

// CreateMilestone adds a tracking milestone. This list is operational
// bookkeeping with last-write-wins semantics; it is not part of the
// versioned artifact and writes no ledger event.
func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Milestone{}, ValidationError{Reason: "name is required"}
	}
	if opts.Status == "" {
		opts.Status = "pending"
	}
	if !milestoneStatuses[opts.Status] {
		return domain.Milestone{}, ValidationError{Reason: "invalid milestone status " + opts.Status}
	}
	if _, err := e.Repo.GetDecision(ctx, opts.DecisionID); err != nil {
		return domain.Milestone{}, err
	}
	now := e.nowStr()
	m := domain.Milestone{
		ID:          uuid.New().String(),
		DecisionID:  opts.DecisionID,
		Name:        opts.Name,
		Responsible: opts.Responsible,
		DueDate:     optionalString(opts.DueDate),
		Status:      opts.Status,
		Notes:       opts.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertMilestone(ctx, m); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// MilestoneUpdateOptions apply a partial update; nil fields are untouched.
type MilestoneUpdateOptions struct {
	ID          string
	Name        *string
	Responsible *string
	DueDate     **string
	Status      *string
	Notes       *string
}

func (e Engine) UpdateMilestone(ctx context.Context, opts MilestoneUpdateOptions) (domain.Milestone, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Milestone{}, ValidationError{Reason: "name cannot be empty"}
	}
	if opts.Status != nil && !milestoneStatuses[*opts.Status] {
		return domain.Milestone{}, ValidationError{Reason: "invalid milestone status " + *opts.Status}
	}
	if err := e.Repo.UpdateMilestone(ctx, opts.ID, opts.Name, opts.Responsible, opts.Status, opts.Notes, opts.DueDate, e.nowStr()); err != nil {
		return domain.Milestone{}, err
	}
	return e.Repo.GetMilestone(ctx, opts.ID)
}

func (e Engine) DeleteMilestone(ctx context.Context, id string) error {
	return e.Repo.DeleteMilestone(ctx, id)
}
