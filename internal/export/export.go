// Package export produces full-fidelity audit dumps of governance data.
// Both formats are pass-through serializations of the stored entities; no
// derived figures are added so a dump can be replayed or diffed later.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"keel/internal/domain"
	"keel/internal/repo"
)

// DecisionBundle is everything recorded for one decision.
type DecisionBundle struct {
	Decision         domain.Decision          `json:"decision"`
	ArtifactVersions []domain.ArtifactVersion `json:"artifact_versions"`
	LedgerEvents     []domain.LedgerEvent     `json:"ledger_events"`
	Milestones       []domain.Milestone       `json:"milestones"`
	OutcomeReviews   []domain.OutcomeReview   `json:"outcome_reviews"`
}

// EnterpriseBundle is everything recorded for one enterprise.
type EnterpriseBundle struct {
	Enterprise domain.Enterprise `json:"enterprise"`
	Decisions  []DecisionBundle  `json:"decisions"`
}

// Exporter collects bundles from storage.
type Exporter struct {
	Repo repo.Repo
}

func (ex Exporter) Decision(ctx context.Context, decisionID string) (DecisionBundle, error) {
	d, err := ex.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return DecisionBundle{}, err
	}
	versions, err := ex.Repo.ListArtifactVersions(ctx, decisionID)
	if err != nil {
		return DecisionBundle{}, err
	}
	events, err := ex.Repo.ListLedgerEvents(ctx, decisionID, "", 0)
	if err != nil {
		return DecisionBundle{}, err
	}
	milestones, err := ex.Repo.ListMilestones(ctx, decisionID)
	if err != nil {
		return DecisionBundle{}, err
	}
	reviews, err := ex.Repo.ListOutcomeReviews(ctx, decisionID)
	if err != nil {
		return DecisionBundle{}, err
	}
	return DecisionBundle{
		Decision:         d,
		ArtifactVersions: versions,
		LedgerEvents:     events,
		Milestones:       milestones,
		OutcomeReviews:   reviews,
	}, nil
}

func (ex Exporter) Enterprise(ctx context.Context, enterpriseID string) (EnterpriseBundle, error) {
	ent, err := ex.Repo.GetEnterprise(ctx, enterpriseID)
	if err != nil {
		return EnterpriseBundle{}, err
	}
	decisions, err := ex.Repo.ListDecisions(ctx, enterpriseID, "")
	if err != nil {
		return EnterpriseBundle{}, err
	}
	bundle := EnterpriseBundle{Enterprise: ent, Decisions: make([]DecisionBundle, 0, len(decisions))}
	for _, d := range decisions {
		db, err := ex.Decision(ctx, d.ID)
		if err != nil {
			return EnterpriseBundle{}, err
		}
		bundle.Decisions = append(bundle.Decisions, db)
	}
	return bundle, nil
}

// WriteJSON writes the structured-document form.
func WriteJSON(w io.Writer, bundle any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(bundle)
}

func (b DecisionBundle) rows() [][]string {
	var rows [][]string
	d := b.Decision
	rows = append(rows, []string{"decision", d.ID, d.Title, d.Status,
		strPtr(d.EnterpriseID), intPtr(d.ArtifactVersion), d.Owner, d.ExpectedOutcome,
		fmt.Sprintf("%t", d.ReviewReminder), d.ReviewNotes, d.CreatedAt, d.UpdatedAt})
	for _, v := range b.ArtifactVersions {
		rows = append(rows, []string{"artifact_version", v.DecisionID, fmt.Sprintf("%d", v.Version),
			v.Hash, v.PayloadJSON, "", "", "", "", "", v.CreatedAt, ""})
	}
	for _, ev := range b.LedgerEvents {
		rows = append(rows, []string{"ledger_event", ev.DecisionID, fmt.Sprintf("%d", ev.ID), ev.Type,
			intPtr(ev.ArtifactVersion), strPtr(ev.ArtifactHash), int64Ptr(ev.SupersedesID), strPtr(ev.ReasonCode),
			ev.ActorID, ev.ActorRole, ev.TS, ev.PayloadJSON})
	}
	for _, m := range b.Milestones {
		rows = append(rows, []string{"milestone", m.DecisionID, m.ID, m.Name,
			m.Responsible, strPtr(m.DueDate), m.Status, m.Notes, "", "", m.CreatedAt, m.UpdatedAt})
	}
	for _, rv := range b.OutcomeReviews {
		rows = append(rows, []string{"outcome_review", rv.DecisionID, rv.ID, rv.Summary,
			rv.WhatWorked, rv.WhatDidNot, rv.Learnings, rv.Assumptions,
			rv.ReadinessDelta, rv.FollowUp, rv.CreatedAt, ""})
	}
	return rows
}

var tabularHeader = []string{"record_type", "decision_id", "id_or_version", "title_or_type",
	"field_1", "field_2", "field_3", "field_4", "field_5", "field_6", "created_or_ts", "updated_at"}

// WriteDecisionCSV writes the flat tabular form. Every row carries a
// record_type discriminator so mixed entity kinds share one table.
func WriteDecisionCSV(w io.Writer, bundle DecisionBundle) error {
	return writeCSV(w, bundle.rows())
}

// WriteEnterpriseCSV writes the tabular form of a whole enterprise, with an
// enterprise header row ahead of its decisions.
func WriteEnterpriseCSV(w io.Writer, bundle EnterpriseBundle) error {
	rows := [][]string{{"enterprise", "", bundle.Enterprise.ID, bundle.Enterprise.Name,
		"", "", "", "", "", "", bundle.Enterprise.CreatedAt, ""}}
	for _, d := range bundle.Decisions {
		rows = append(rows, d.rows()...)
	}
	return writeCSV(w, rows)
}
